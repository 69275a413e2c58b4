package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"finch/internal/downloads"
	"finch/internal/preflight"
	"finch/internal/session"
)

type sessionJSON struct {
	State         string         `json:"state"`
	Authenticated bool           `json:"authenticated"`
	ServerURL     string         `json:"server_url,omitempty"`
	ServerID      string         `json:"server_id,omitempty"`
	User          string         `json:"user,omitempty"`
	CanDownload   bool           `json:"can_download"`
	Downloads     map[string]int `json:"downloads"`
	LastError     string         `json:"last_error,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
}

func newSessionJSON(view session.ViewState) sessionJSON {
	out := sessionJSON{
		State:         view.State.String(),
		Authenticated: view.Authenticated,
		ServerURL:     view.ServerURL,
		ServerID:      view.ServerID,
		Downloads:     map[string]int{},
		LastError:     view.LastError,
		ErrorKind:     view.ErrorKind,
	}
	if view.User != nil {
		out.User = view.User.Name
		out.CanDownload = view.User.Policy.EnableContentDownloading || view.User.Policy.IsAdministrator
	}
	for _, status := range downloads.AllStatuses() {
		out.Downloads[string(status)] = view.DownloadCount(status)
	}
	return out
}

type statusJSON struct {
	Session sessionJSON        `json:"session"`
	Checks  []preflight.Result `json:"checks"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session, download, and local storage status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(_ context.Context, a *app) error {
				view := a.session.Snapshot()
				checks := preflight.RunAll(a.cfg)
				if ctx.jsonOutput() {
					return writeJSON(cmd, statusJSON{Session: newSessionJSON(view), Checks: checks})
				}
				out := cmd.OutOrStdout()
				colorize := shouldColorize(out)
				for _, line := range statusLines(view, checks, colorize) {
					fmt.Fprintln(out, line)
				}
				return nil
			})
		},
	}
}

func statusLines(view session.ViewState, checks []preflight.Result, colorize bool) []string {
	lines := renderSectionHeader("Session", colorize)

	if view.ServerURL == "" {
		lines = append(lines, renderStatusLine("Server", statusWarn, "none selected", colorize))
	} else {
		lines = append(lines, renderStatusLine("Server", statusOK, view.ServerURL, colorize))
	}
	state := titleLabel(view.State.String())
	if view.User != nil {
		state = fmt.Sprintf("%s as %s", state, view.User.Name)
	}
	lines = append(lines, renderStatusLine("Session", sessionStatusKind(view.State), state, colorize))
	if view.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, view.LastError, colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Downloads", colorize)...)
	for _, status := range downloads.AllStatuses() {
		count := view.DownloadCount(status)
		kind := statusInfo
		if count > 0 {
			kind = downloadStatusKind(status)
		}
		lines = append(lines, renderStatusLine(titleLabel(string(status)), kind, fmt.Sprintf("%d", count), colorize))
	}

	lines = append(lines, "")
	lines = append(lines, renderSectionHeader("Local storage", colorize)...)
	for _, check := range checks {
		kind := statusOK
		if !check.Passed {
			kind = statusError
		}
		lines = append(lines, renderStatusLine(check.Name, kind, strings.TrimSpace(check.Detail), colorize))
	}
	return lines
}
