package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"finch/internal/services"
)

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var username string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login [url]",
		Short: "Sign in to the current server",
		Long:  "Sign in to the current server, or to url after connecting to it. The password is prompted for on a terminal and otherwise read from the first line of stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(username) == "" {
				return services.Wrap(services.ErrInvalidCredentials, "login", "--username is required", nil)
			}
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				if len(args) == 1 {
					if _, err := a.session.ConnectServer(c, args[0]); err != nil {
						return err
					}
				}
				view := a.session.Snapshot()
				if view.ServerURL == "" {
					return services.Wrap(services.ErrNotAuthenticated, "login", "no server selected (run finch server add first)", nil)
				}
				password, err := readPassword(cmd, passwordStdin)
				if err != nil {
					return err
				}
				if err := a.session.Login(c, username, password); err != nil {
					return err
				}
				view = a.session.Snapshot()
				if ctx.jsonOutput() {
					return writeJSON(cmd, newSessionJSON(view))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Signed in to %s as %s\n", view.ServerURL, view.User.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Jellyfin user name")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin even on a terminal")
	return cmd
}

// readPassword prompts without echo on a terminal, otherwise reads one line.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	in := cmd.InOrStdin()
	if file, ok := in.(*os.File); ok && !fromStdin && term.IsTerminal(int(file.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		pw, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out of the current server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app) error {
				before := a.session.Snapshot()
				if err := a.session.Logout(c, all); err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, newSessionJSON(a.session.Snapshot()))
				}
				out := cmd.OutOrStdout()
				switch {
				case all:
					fmt.Fprintln(out, "Signed out of all servers")
				case before.ServerURL == "":
					fmt.Fprintln(out, "No server selected")
				default:
					fmt.Fprintf(out, "Signed out of %s\n", before.ServerURL)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every stored sign-in and forget the current server")
	return cmd
}
