// Package history tracks the most recently used Jellyfin server URLs.
//
// The list is bounded to five entries, unique by exact URL string, and ordered
// most-recent-first. Recording an existing URL moves it to the front. Entries
// live in the sqlite database, never in the credential store.
package history
