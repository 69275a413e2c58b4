package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"finch/internal/library"
	"finch/internal/services"
	"finch/internal/services/jellyfin"
)

type refreshJSON struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Items int    `json:"items"`
	Error string `json:"error,omitempty"`
}

func newLibrariesCommand(ctx *commandContext) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "libraries",
		Short: "List libraries on the current server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				if refresh {
					report, err := a.session.RefreshLibraries(c)
					if err != nil {
						return err
					}
					return writeRefreshReport(cmd, ctx, report)
				}
				libs, err := a.session.Libraries(c)
				if err != nil {
					return err
				}
				return writeItems(cmd, ctx, libs, "No libraries")
			})
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Reload every library's items in parallel")
	return cmd
}

func writeRefreshReport(cmd *cobra.Command, ctx *commandContext, report library.RefreshReport) error {
	entries := make([]refreshJSON, 0, len(report.Results))
	for _, result := range report.Results {
		entry := refreshJSON{ID: result.Library.ID, Name: result.Library.Name, Items: len(result.Items)}
		if result.Err != nil {
			entry.Error = services.UserMessage(result.Err)
		}
		entries = append(entries, entry)
	}
	if ctx.jsonOutput() {
		return writeJSON(cmd, entries)
	}

	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		status := renderStatusLabel(statusOK, colorize)
		items := strconv.Itoa(e.Items)
		if e.Error != "" {
			status = renderStatusLabel(statusError, colorize)
			items = "-"
		}
		rows = append(rows, []string{e.Name, items, status, e.ID})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Library", "Items", "Status", "ID"},
		rows,
		[]columnAlignment{alignLeft, alignRight},
	))
	for _, e := range entries {
		if e.Error != "" {
			fmt.Fprintln(out, renderStatusLine(e.Name, statusError, e.Error, colorize))
		}
	}
	return nil
}

func newItemsCommand(ctx *commandContext) *cobra.Command {
	var typeFilter string

	cmd := &cobra.Command{
		Use:   "items <library-or-folder-id>",
		Short: "List the items in a library or folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				var (
					items []jellyfin.Item
					err   error
				)
				if typeFilter != "" {
					items, err = a.session.Children(c, args[0], typeFilter)
				} else {
					items, err = a.session.LibraryItems(c, args[0])
				}
				if err != nil {
					return err
				}
				return writeItems(cmd, ctx, items, "No items")
			})
		},
	}

	cmd.Flags().StringVar(&typeFilter, "type", "", "Only include items of this type (for example Movie or Episode)")
	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "List partially watched items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				items, err := a.session.ContinueWatching(c)
				if err != nil {
					return err
				}
				return writeItems(cmd, ctx, items, "Nothing to continue watching")
			})
		},
	}
}

func newLatestCommand(ctx *commandContext) *cobra.Command {
	var parentID string

	cmd := &cobra.Command{
		Use:   "latest",
		Short: "List recently added items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				items, err := a.session.Latest(c, parentID)
				if err != nil {
					return err
				}
				return writeItems(cmd, ctx, items, "Nothing added recently")
			})
		},
	}

	cmd.Flags().StringVar(&parentID, "library", "", "Restrict to one library ID")
	return cmd
}

func writeItems(cmd *cobra.Command, ctx *commandContext, items []jellyfin.Item, empty string) error {
	if ctx.jsonOutput() {
		if items == nil {
			items = []jellyfin.Item{}
		}
		return writeJSON(cmd, items)
	}
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, empty)
		return nil
	}
	fmt.Fprintln(out, renderItems(items))
	return nil
}
