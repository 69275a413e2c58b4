// Package session is the state owner presentation code talks to. It wraps the
// authentication service, the library catalog and the download coordinator
// behind command methods, and keeps one ViewState value that changes as a
// whole. Callers read it with Snapshot or follow it with Subscribe.
//
// A 401 from any authenticated call is treated as token expiry: the stored
// token for that server is dropped and the view becomes unauthenticated.
package session
