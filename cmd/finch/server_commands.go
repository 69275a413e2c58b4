package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"finch/internal/auth"
	"finch/internal/services"
)

func newServerCommand(ctx *commandContext) *cobra.Command {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Manage Jellyfin servers",
	}
	serverCmd.AddCommand(newServerAddCommand(ctx))
	serverCmd.AddCommand(newServerListCommand(ctx))
	serverCmd.AddCommand(newServerSwitchCommand(ctx))
	return serverCmd
}

type serverJSON struct {
	URL      string `json:"url"`
	Secure   bool   `json:"secure"`
	ServerID string `json:"server_id,omitempty"`
	User     string `json:"user,omitempty"`
	Current  bool   `json:"current"`
}

func newServerAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add [url]",
		Short: "Validate a server and make it current",
		Long:  "Validate a server address with the public info handshake and make it the current server. Without an argument the configured default_server_url is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				raw := a.cfg.Network.DefaultServerURL
				if len(args) == 1 {
					raw = args[0]
				}
				if strings.TrimSpace(raw) == "" {
					return services.Wrap(services.ErrInvalidServerURL, "server add", "no server URL given and default_server_url is not set", nil)
				}
				cfg, err := a.session.ConnectServer(c, raw)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, serverJSON{URL: cfg.String(), Secure: cfg.IsSecure, Current: true})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Connected to %s\n", cfg.String())
				if !a.session.Snapshot().Authenticated {
					fmt.Fprintln(out, "Sign in with: finch login --username <name>")
				}
				return nil
			})
		},
	}
}

func newServerListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List servers with a stored sign-in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(_ context.Context, a *app) error {
				stored, err := a.auth.StoredServers()
				if err != nil {
					return err
				}
				current := a.session.Snapshot().ServerURL
				entries := make([]serverJSON, 0, len(stored))
				for _, srv := range stored {
					entries = append(entries, serverJSON{
						URL:      srv.ServerURL,
						Secure:   isSecureURL(srv.ServerURL),
						ServerID: srv.Token.ServerID,
						User:     srv.Token.User.Name,
						Current:  srv.ServerURL == current,
					})
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, entries)
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No stored sign-ins")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					marker := ""
					if e.Current {
						marker = "*"
					}
					rows = append(rows, []string{marker, e.URL, e.User, e.ServerID})
				}
				fmt.Fprintln(out, renderTable([]string{"", "Server", "User", "Server ID"}, rows, nil))
				return nil
			})
		},
	}
}

func newServerSwitchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <url>",
		Short: "Switch to a server you are already signed in to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				if err := a.session.SwitchServer(c, args[0]); err != nil {
					if errors.Is(err, services.ErrNotAuthenticated) {
						return fmt.Errorf("%w (connect with finch server add, then finch login)", err)
					}
					return err
				}
				view := a.session.Snapshot()
				if ctx.jsonOutput() {
					entry := serverJSON{URL: view.ServerURL, Secure: isSecureURL(view.ServerURL), ServerID: view.ServerID, Current: true}
					if view.User != nil {
						entry.User = view.User.Name
					}
					return writeJSON(cmd, entry)
				}
				name := ""
				if view.User != nil {
					name = view.User.Name
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Switched to %s as %s\n", view.ServerURL, name)
				return nil
			})
		},
	}
}

func isSecureURL(raw string) bool {
	cfg, err := auth.ParseServerConfiguration(raw)
	return err == nil && cfg.IsSecure
}
