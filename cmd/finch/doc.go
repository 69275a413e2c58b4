// Command finch is a terminal client for Jellyfin servers.
//
// It connects to and remembers servers, signs in and out, browses libraries,
// and downloads items for offline use. Session state (credentials, history,
// downloads) lives under the configured state directory so each invocation
// resumes where the previous one left off.
package main
