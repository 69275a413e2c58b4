package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidServerURL   = errors.New("invalid server url")
	ErrServer             = errors.New("server error")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNetwork            = errors.New("network error")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrUnexpected         = errors.New("unexpected error")
	ErrNotFound           = errors.New("not found")
)

// Wrap builds an error message that includes operation context while tagging it
// with the provided marker. The marker should be one of the exported sentinel
// errors above; nil falls back to ErrUnexpected.
func Wrap(marker error, operation, message string, err error) error {
	detail := buildDetail(operation, message)
	if marker == nil {
		marker = ErrUnexpected
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Kind maps an error to a short stable label for display and JSON output.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidServerURL):
		return "invalid_server_url"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "unexpected"
	}
}

// UserMessage renders an error the way it should be shown to a person: the
// taxonomy label followed by the most specific detail available.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Kind(err) {
	case "invalid_server_url":
		return "The server address is not valid: " + err.Error()
	case "invalid_credentials":
		return "Incorrect username or password."
	case "not_authenticated":
		return "Sign in to this server first."
	case "network":
		return "Could not reach the server: " + err.Error()
	case "server":
		return "The server reported a problem: " + err.Error()
	default:
		return err.Error()
	}
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
