package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"finch/internal/downloads"
	"finch/internal/services"
)

const downloadPollInterval = 200 * time.Millisecond

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	downloadCmd := &cobra.Command{
		Use:     "download",
		Aliases: []string{"downloads", "dl"},
		Short:   "Manage offline downloads",
	}
	downloadCmd.AddCommand(newDownloadFetchCommand(ctx))
	downloadCmd.AddCommand(newDownloadListCommand(ctx))
	downloadCmd.AddCommand(newDownloadShowCommand(ctx))
	downloadCmd.AddCommand(newDownloadRetryCommand(ctx))
	downloadCmd.AddCommand(newDownloadDeleteCommand(ctx))
	return downloadCmd
}

func newDownloadFetchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <item-id>...",
		Short: "Download items from the current server and wait for them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				for _, itemID := range args {
					if _, err := a.session.Download(c, itemID); err != nil {
						return err
					}
				}
				return waitForDownloads(c, cmd, ctx, a.downloads, args)
			})
		},
	}
}

func newDownloadRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <item-id>...",
		Short: "Restart failed downloads and wait for them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				for _, itemID := range args {
					if _, err := a.downloads.Retry(c, itemID); err != nil {
						return err
					}
				}
				return waitForDownloads(c, cmd, ctx, a.downloads, args)
			})
		},
	}
}

// waitForDownloads blocks until every item settles and reports the outcome.
// A failed item turns into a non-nil error after all items are reported.
func waitForDownloads(ctx context.Context, cmd *cobra.Command, cc *commandContext, coord *downloads.Coordinator, itemIDs []string) error {
	out := cmd.OutOrStdout()
	showBars := !cc.jsonOutput() && shouldColorize(cmd.ErrOrStderr())

	results := make([]downloads.State, 0, len(itemIDs))
	var failed int
	for _, itemID := range itemIDs {
		var st downloads.State
		var err error
		if showBars {
			st, err = waitWithProgress(ctx, cmd.ErrOrStderr(), coord, itemID)
		} else {
			st, err = coord.WaitFor(ctx, itemID)
		}
		if err != nil {
			return err
		}
		results = append(results, st)
		if st.Status == downloads.StatusFailed {
			failed++
		}
		if !cc.jsonOutput() {
			printOutcome(out, st)
		}
	}
	if cc.jsonOutput() {
		if err := writeJSON(cmd, results); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d download(s) failed", failed, len(itemIDs))
	}
	return nil
}

func waitWithProgress(ctx context.Context, w io.Writer, coord *downloads.Coordinator, itemID string) (downloads.State, error) {
	events, cancel := coord.Subscribe()
	defer cancel()
	ticker := time.NewTicker(downloadPollInterval)
	defer ticker.Stop()

	var bar *progressbar.ProgressBar
	for {
		st, ok := coord.Get(itemID)
		if !ok {
			return downloads.State{}, services.Wrap(services.ErrNotFound, "download", itemID+" was removed", nil)
		}
		if bar == nil {
			bar = newDownloadBar(w, st)
		}
		if st.Progress.BytesTotal > 0 && bar.GetMax64() != st.Progress.BytesTotal {
			bar.ChangeMax64(st.Progress.BytesTotal)
		}
		_ = bar.Set64(st.Progress.BytesReceived)
		if !st.Status.IsActive() {
			if st.Status == downloads.StatusDownloaded {
				_ = bar.Finish()
			} else {
				_ = bar.Exit()
			}
			return st, nil
		}
		select {
		case _, open := <-events:
			if !open {
				return st, downloads.ErrClosed
			}
		case <-ticker.C:
		case <-ctx.Done():
			_ = bar.Exit()
			return st, ctx.Err()
		}
	}
}

func newDownloadBar(w io.Writer, st downloads.State) *progressbar.ProgressBar {
	total := st.Progress.BytesTotal
	if total <= 0 {
		total = -1
	}
	label := st.ItemName
	if label == "" {
		label = st.ItemID
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(label),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
}

func printOutcome(w io.Writer, st downloads.State) {
	name := st.ItemName
	if name == "" {
		name = st.ItemID
	}
	switch st.Status {
	case downloads.StatusDownloaded:
		fmt.Fprintf(w, "Downloaded %s to %s (%s)\n", name, st.LocalFile, formatBytes(st.Progress.BytesReceived))
	case downloads.StatusFailed:
		fmt.Fprintf(w, "Failed %s: %s\n", name, st.Error)
	default:
		fmt.Fprintf(w, "%s %s\n", titleLabel(string(st.Status)), name)
	}
}

func newDownloadListCommand(ctx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter downloads.Status
			if statusFilter != "" {
				parsed, ok := downloads.ParseStatus(statusFilter)
				if !ok {
					return fmt.Errorf("unknown status %q", statusFilter)
				}
				filter = parsed
			}
			return ctx.withApp(cmd, func(_ context.Context, a *app) error {
				states := sortedDownloads(a.downloads.ActiveDownloads(), filter)
				if ctx.jsonOutput() {
					return writeJSON(cmd, states)
				}
				out := cmd.OutOrStdout()
				if len(states) == 0 {
					fmt.Fprintln(out, "No downloads")
					return nil
				}
				colorize := shouldColorize(out)
				rows := make([][]string, 0, len(states))
				for _, st := range states {
					status := titleLabel(string(st.Status))
					if colorize {
						status = statusKindColor(downloadStatusKind(st.Status)) + status + ansiReset
					}
					rows = append(rows, []string{
						st.ItemID,
						st.ItemName,
						status,
						formatProgress(st.Progress),
						formatBytes(st.Progress.BytesTotal),
						formatWhen(st.UpdatedAt),
					})
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Item", "Name", "Status", "Progress", "Size", "Updated"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Only list downloads in this status (queued, downloading, downloaded, failed)")
	return cmd
}

func sortedDownloads(all map[string]downloads.State, filter downloads.Status) []downloads.State {
	out := make([]downloads.State, 0, len(all))
	for _, st := range all {
		if filter != "" && st.Status != filter {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out
}

type downloadDetailJSON struct {
	downloads.State
	Offline *downloads.OfflineMediaItem `json:"offline,omitempty"`
}

func newDownloadShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <item-id>",
		Short: "Show one download and its offline metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(_ context.Context, a *app) error {
				st, ok := a.downloads.Get(args[0])
				if !ok {
					return services.Wrap(services.ErrNotFound, "download show", "no download for "+args[0], nil)
				}
				offline, _ := a.downloads.OfflineItem(args[0])
				if ctx.jsonOutput() {
					return writeJSON(cmd, downloadDetailJSON{State: st, Offline: offline})
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				lines := renderSectionHeader(firstNonEmpty(st.ItemName, st.ItemID), colorize)
				lines = append(lines,
					renderStatusLine("Status", downloadStatusKind(st.Status), titleLabel(string(st.Status)), colorize),
					renderStatusLine("Progress", statusInfo, formatProgress(st.Progress), colorize),
				)
				if st.LocalFile != "" {
					lines = append(lines, renderStatusLine("File", statusInfo, st.LocalFile, colorize))
				}
				if st.Error != "" {
					lines = append(lines, renderStatusLine("Error", statusError, st.Error, colorize))
				}
				if offline != nil {
					lines = append(lines,
						renderStatusLine("Type", statusInfo, offline.Type, colorize),
						renderStatusLine("Year", statusInfo, formatYear(offline.ProductionYear), colorize),
						renderStatusLine("Runtime", statusInfo, formatRuntime(offline.RunTimeTicks), colorize),
					)
					if offline.SeriesName != "" {
						lines = append(lines, renderStatusLine("Series", statusInfo, offline.SeriesName, colorize))
					}
				}
				for _, line := range lines {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
}

func newDownloadDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <item-id>...",
		Aliases: []string{"rm"},
		Short:   "Cancel and remove downloads",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				var errs []error
				removed := 0
				for _, itemID := range args {
					if _, known := a.downloads.Get(itemID); !known {
						fmt.Fprintf(cmd.ErrOrStderr(), "No download for %s\n", itemID)
						continue
					}
					if err := a.downloads.DeleteDownload(c, itemID); err != nil {
						errs = append(errs, err)
						continue
					}
					removed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d download(s)\n", removed)
				return errors.Join(errs...)
			})
		},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
