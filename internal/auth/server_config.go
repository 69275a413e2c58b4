package auth

import (
	"net/url"
	"strings"

	"finch/internal/services"
)

// ServerConfiguration is a validated server base URL. It is immutable once
// constructed.
type ServerConfiguration struct {
	ServerURL *url.URL
	IsSecure  bool
}

// String returns the canonical base URL used as the server's identity in
// history and the credential store.
func (c ServerConfiguration) String() string {
	if c.ServerURL == nil {
		return ""
	}
	return c.ServerURL.String()
}

// ParseServerConfiguration builds a configuration from user input. The input
// must be an absolute http(s) URL with a host, and must be secure: https, or a
// localhost or 192.168.x LAN address over plain http.
func ParseServerConfiguration(raw string) (ServerConfiguration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ServerConfiguration{}, services.Wrap(services.ErrInvalidServerURL, "parse server url", "address is empty", nil)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ServerConfiguration{}, services.Wrap(services.ErrInvalidServerURL, "parse server url", trimmed, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ServerConfiguration{}, services.Wrap(services.ErrInvalidServerURL, "parse server url", "scheme must be http or https: "+trimmed, nil)
	}
	if parsed.Hostname() == "" {
		return ServerConfiguration{}, services.Wrap(services.ErrInvalidServerURL, "parse server url", "missing host: "+trimmed, nil)
	}
	if parsed.User != nil {
		return ServerConfiguration{}, services.Wrap(services.ErrInvalidServerURL, "parse server url", "credentials are not allowed in the address", nil)
	}

	canonical := &url.URL{
		Scheme: scheme,
		Host:   strings.ToLower(parsed.Host),
		Path:   strings.TrimRight(parsed.Path, "/"),
	}
	cfg := ServerConfiguration{ServerURL: canonical, IsSecure: isSecure(canonical)}
	if !cfg.IsSecure {
		return ServerConfiguration{}, services.Wrap(services.ErrInvalidServerURL, "parse server url",
			"plain http is only allowed for localhost and 192.168.x addresses: "+trimmed, nil)
	}
	return cfg, nil
}

func isSecure(u *url.URL) bool {
	if u.Scheme == "https" {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || strings.Contains(host, "192.168.")
}
