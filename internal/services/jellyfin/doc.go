// Package jellyfin is the HTTP client for the subset of the Jellyfin API the
// session core needs: public system info, username/password authentication,
// library browsing, and item downloads.
//
// Every request carries the MediaBrowser authorization header built from the
// client Identity. Collection endpoints are decoded tolerant of both the paged
// envelope and a bare JSON array.
package jellyfin
