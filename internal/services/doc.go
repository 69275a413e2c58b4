// Package services defines shared utilities consumed by the session core and
// its external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp server IDs, media item IDs, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that give auth, download,
//     and library failures one taxonomy callers can test with errors.Is.
//
// Integrations with external systems (the Jellyfin HTTP API) live in
// subpackages.
package services
