package auth

import (
	"time"

	"finch/internal/services/jellyfin"
)

// State is the authentication state machine position.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// UserPolicy is the subset of server-side permissions the client honors.
type UserPolicy struct {
	IsAdministrator          bool `json:"is_administrator"`
	IsDisabled               bool `json:"is_disabled"`
	EnableMediaPlayback      bool `json:"enable_media_playback"`
	EnableContentDownloading bool `json:"enable_content_downloading"`
}

// User is the profile snapshot received at login. It is not refreshed
// except by logging in again.
type User struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	ServerID         string     `json:"server_id"`
	HasPassword      bool       `json:"has_password"`
	LastLoginDate    *time.Time `json:"last_login_date,omitempty"`
	LastActivityDate *time.Time `json:"last_activity_date,omitempty"`
	Policy           UserPolicy `json:"policy"`
}

// Token is an access token for one server.
type Token struct {
	AccessToken string `json:"access_token"`
	ServerID    string `json:"server_id"`
	ServerURL   string `json:"server_url"`
	User        User   `json:"user"`
}

// IsExpired always reports false. Tokens are only invalidated server side,
// which surfaces as a 401 on the next request.
func (t *Token) IsExpired() bool { return false }

// StoredServer pairs a server URL with the token held for it.
type StoredServer struct {
	ServerURL string
	Token     Token
}

// Snapshot is a consistent view of the service state.
type Snapshot struct {
	State  State
	Server *ServerConfiguration
	Token  *Token
}

// Authenticated reports whether the snapshot carries a usable token.
func (s Snapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.Token != nil
}

func userFromRemote(u jellyfin.User) User {
	return User{
		ID:               u.ID,
		Name:             u.Name,
		ServerID:         u.ServerID,
		HasPassword:      u.HasPassword,
		LastLoginDate:    u.LastLoginDate,
		LastActivityDate: u.LastActivityDate,
		Policy: UserPolicy{
			IsAdministrator:          u.Policy.IsAdministrator,
			IsDisabled:               u.Policy.IsDisabled,
			EnableMediaPlayback:      u.Policy.EnableMediaPlayback,
			EnableContentDownloading: u.Policy.EnableContentDownloading,
		},
	}
}
