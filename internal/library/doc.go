// Package library browses a Jellyfin server's catalog on behalf of one
// signed-in user and keeps short-lived copies of what it fetched.
//
// Refresh reloads every library view in parallel through a bounded pool.
// Each library succeeds or fails on its own, so one broken library never
// hides the items of the others.
package library
