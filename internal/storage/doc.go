// Package storage owns the finch sqlite database: connection setup, pragmas,
// the embedded schema and its version check, and busy-retry helpers.
//
// The database holds non-secret state only (server history, download state,
// offline metadata). Tables are written exclusively through the history and
// downloads packages.
package storage
