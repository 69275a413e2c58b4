// Package auth owns the session lifecycle against Jellyfin servers.
//
// Service validates server addresses, performs username/password login,
// persists one access token per server in the credential store, and lets the
// caller switch between servers it already holds tokens for. Startup is
// optimistic: Initialize trusts a stored token without a network round-trip,
// and a later 401 from any API call invalidates it through InvalidateToken.
//
// Login, switch, and logout are serialized per server. Operations on
// different servers proceed concurrently.
package auth
