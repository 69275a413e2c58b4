package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"finch/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var filter logs.Filter

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent finch log records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			level, err := logs.ParseLevel(filter.Level)
			if err != nil {
				return err
			}
			filter.Level = level

			path := cfg.LogPath()
			recent, offset, err := logs.Tail(path, lines, filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, line := range recent {
				fmt.Fprintln(out, line)
			}
			if !follow {
				return nil
			}
			err = logs.Follow(cmd.Context(), path, offset, filter, func(line string) {
				fmt.Fprintln(out, line)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of recent lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new records until interrupted")
	cmd.Flags().StringVar(&filter.Component, "component", "", "Only show records from this component (auth, downloads, library, session, ...)")
	cmd.Flags().StringVar(&filter.ItemID, "item", "", "Only show records about this item ID")
	cmd.Flags().StringVar(&filter.Level, "level", "", "Minimum level (debug, info, warn, error)")
	return cmd
}
