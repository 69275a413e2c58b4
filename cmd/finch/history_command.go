package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List recently used servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				entries, err := a.history.List(c)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, entries)
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No servers used yet")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for i, entry := range entries {
					rows = append(rows, []string{
						strconv.Itoa(i + 1),
						entry.URL,
						entry.ServerName,
						formatWhen(entry.LastUsedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"#", "Server", "Name", "Last used"},
					rows,
					[]columnAlignment{alignRight},
				))
				return nil
			})
		},
	}
}
