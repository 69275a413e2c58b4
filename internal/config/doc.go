// Package config loads, normalizes, and validates finch configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// FINCH_SERVER_URL. The Config type centralizes the knobs the CLI and the
// session services need: where credentials, history, and downloads live,
// how the client identifies itself to Jellyfin, and how aggressively library
// refreshes fan out.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors.
package config
