package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"finch/internal/auth"
	"finch/internal/downloads"
	"finch/internal/eventbus"
	"finch/internal/library"
	"finch/internal/logging"
	"finch/internal/services"
	"finch/internal/services/jellyfin"
)

// State owns the session view and routes commands to the services.
type State struct {
	auth      *auth.Service
	catalog   *library.Catalog
	downloads *downloads.Coordinator
	logger    *slog.Logger

	mu   sync.Mutex
	view atomic.Pointer[ViewState]
	bus  *eventbus.Bus[ViewState]

	stopWatch func()
	watchDone chan struct{}
	closeOnce sync.Once
}

// New wires a session. coordinator may be nil when downloads are not used.
func New(authSvc *auth.Service, catalog *library.Catalog, coordinator *downloads.Coordinator, logger *slog.Logger) *State {
	s := &State{
		auth:      authSvc,
		catalog:   catalog,
		downloads: coordinator,
		logger:    logging.NewComponentLogger(logger, "session"),
		bus:       eventbus.New[ViewState](16),
	}
	initial := ViewState{State: auth.StateUninitialized, Downloads: map[string]downloads.State{}}
	if coordinator != nil {
		events, cancel := coordinator.Subscribe()
		initial.Downloads = coordinator.ActiveDownloads()
		s.stopWatch = cancel
		s.watchDone = make(chan struct{})
		go s.watchDownloads(events)
	}
	s.view.Store(&initial)
	return s
}

// Snapshot returns the current view.
func (s *State) Snapshot() ViewState {
	return *s.view.Load()
}

// Subscribe streams every published view until cancel is called.
func (s *State) Subscribe() (<-chan ViewState, func()) {
	return s.bus.Subscribe()
}

// Close stops following download events and closes subscriptions.
func (s *State) Close() {
	s.closeOnce.Do(func() {
		if s.stopWatch != nil {
			s.stopWatch()
			<-s.watchDone
		}
		s.bus.Close()
	})
}

// Initialize restores the previous session from local storage only.
func (s *State) Initialize(ctx context.Context) error {
	s.update(func(v *ViewState) {
		v.State = auth.StateInitializing
		v.Initializing = true
	})
	_, err := s.auth.Initialize(ctx)
	s.syncAuth(err)
	return err
}

// ConnectServer validates raw and makes it the current server.
func (s *State) ConnectServer(ctx context.Context, raw string) (*auth.ServerConfiguration, error) {
	cfg, err := s.auth.ValidateAndStore(ctx, raw)
	s.syncAuth(err)
	return cfg, err
}

// Login signs in to the current server.
func (s *State) Login(ctx context.Context, username, password string) error {
	_, err := s.auth.Login(ctx, username, password)
	s.syncAuth(err)
	return err
}

// SwitchServer activates a server that already has a stored sign-in.
func (s *State) SwitchServer(ctx context.Context, raw string) error {
	err := s.auth.SwitchServer(ctx, raw)
	s.syncAuth(err)
	return err
}

// Logout signs out of the current server, or every server when all is set.
func (s *State) Logout(ctx context.Context, all bool) error {
	err := s.auth.Logout(ctx, all)
	if err == nil && s.catalog != nil {
		s.catalog.Flush()
	}
	s.syncAuth(err)
	return err
}

// HandleUnauthorized reacts to err when it is a 401 from serverID: the token
// the failed request carried is dropped if it is still the stored one. The
// view becomes unauthenticated only when serverID is the current server. It
// reports whether a token was dropped.
func (s *State) HandleUnauthorized(ctx context.Context, serverID string, err error) bool {
	if !jellyfin.IsUnauthorized(err) {
		return false
	}
	current := s.Snapshot().ServerID == serverID
	dropped, invErr := s.auth.InvalidateToken(ctx, serverID, jellyfin.RejectedToken(err))
	if invErr != nil {
		s.logger.Error("drop rejected token failed",
			logging.String(logging.FieldServerID, serverID),
			logging.Error(invErr),
		)
		return false
	}
	if !dropped {
		return false
	}
	if s.catalog != nil {
		s.catalog.Flush()
	}
	if current {
		s.syncAuth(services.Wrap(services.ErrNotAuthenticated, "session", "session expired, sign in again", nil))
	}
	return true
}

// Libraries lists the signed-in user's library views.
func (s *State) Libraries(ctx context.Context) ([]jellyfin.Item, error) {
	return s.browse(ctx, func(client *jellyfin.Client, scope library.Scope) ([]jellyfin.Item, error) {
		return s.catalog.Libraries(ctx, client, scope)
	})
}

// LibraryItems lists every item in one library.
func (s *State) LibraryItems(ctx context.Context, libraryID string) ([]jellyfin.Item, error) {
	return s.browse(ctx, func(client *jellyfin.Client, scope library.Scope) ([]jellyfin.Item, error) {
		return s.catalog.Items(ctx, client, scope, libraryID)
	})
}

// Children lists the children of parentID filtered by item type.
func (s *State) Children(ctx context.Context, parentID, typeFilter string) ([]jellyfin.Item, error) {
	return s.browse(ctx, func(client *jellyfin.Client, scope library.Scope) ([]jellyfin.Item, error) {
		return s.catalog.Children(ctx, client, scope, parentID, typeFilter)
	})
}

// ContinueWatching lists partially played items.
func (s *State) ContinueWatching(ctx context.Context) ([]jellyfin.Item, error) {
	return s.browse(ctx, func(client *jellyfin.Client, scope library.Scope) ([]jellyfin.Item, error) {
		return s.catalog.ContinueWatching(ctx, client, scope)
	})
}

// Latest lists recently added items, optionally within one library.
func (s *State) Latest(ctx context.Context, parentID string) ([]jellyfin.Item, error) {
	return s.browse(ctx, func(client *jellyfin.Client, scope library.Scope) ([]jellyfin.Item, error) {
		return s.catalog.Latest(ctx, client, scope, parentID)
	})
}

// RefreshLibraries reloads every library; see library.Catalog.Refresh.
func (s *State) RefreshLibraries(ctx context.Context) (library.RefreshReport, error) {
	client, tok, err := s.auth.Client()
	if err != nil {
		return library.RefreshReport{}, err
	}
	report, err := s.catalog.Refresh(ctx, client, scopeFor(tok))
	if err != nil {
		s.HandleUnauthorized(ctx, tok.ServerID, err)
		return report, err
	}
	for _, res := range report.Failed() {
		if s.HandleUnauthorized(ctx, tok.ServerID, res.Err) {
			break
		}
	}
	return report, nil
}

// Download looks up itemID on the current server and queues it for offline use.
func (s *State) Download(ctx context.Context, itemID string) (*downloads.State, error) {
	if s.downloads == nil {
		return nil, services.Wrap(services.ErrUnexpected, "download", "downloads are not enabled", nil)
	}
	client, tok, err := s.auth.Client()
	if err != nil {
		return nil, err
	}
	if !tok.User.Policy.EnableContentDownloading && !tok.User.Policy.IsAdministrator {
		return nil, services.Wrap(services.ErrServer, "download", "this account may not download content", nil)
	}
	item, err := s.catalog.Item(ctx, client, scopeFor(tok), itemID)
	if err != nil {
		s.HandleUnauthorized(ctx, tok.ServerID, err)
		return nil, err
	}
	return s.downloads.RequestDownload(ctx, itemID, downloads.Source{
		ServerID: tok.ServerID,
		URL:      client.DownloadURL(itemID),
		Metadata: downloads.OfflineItemFromRemote(tok.ServerID, *item),
	})
}

// AuthorizerFor resolves download credentials from the sign-ins stored in
// authSvc, so each download authenticates against its own server.
func AuthorizerFor(authSvc *auth.Service) downloads.AuthorizerSource {
	return func(serverID string) (downloads.Authorizer, error) {
		client, err := authSvc.ClientForServer(serverID)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func (s *State) browse(ctx context.Context, fetch func(*jellyfin.Client, library.Scope) ([]jellyfin.Item, error)) ([]jellyfin.Item, error) {
	client, tok, err := s.auth.Client()
	if err != nil {
		return nil, err
	}
	items, err := fetch(client, scopeFor(tok))
	if err != nil {
		s.HandleUnauthorized(ctx, tok.ServerID, err)
		return nil, err
	}
	return items, nil
}

func scopeFor(tok *auth.Token) library.Scope {
	return library.Scope{ServerID: tok.ServerID, UserID: tok.User.ID}
}

// syncAuth republishes the auth portion of the view from the service, with
// err recorded as the last error.
func (s *State) syncAuth(err error) {
	snap := s.auth.Snapshot()
	s.update(func(v *ViewState) {
		v.State = snap.State
		v.Initializing = snap.State == auth.StateInitializing
		v.Authenticated = snap.Authenticated()
		v.User = nil
		v.ServerURL = ""
		v.ServerID = ""
		if snap.Server != nil {
			v.ServerURL = snap.Server.String()
		}
		if snap.Authenticated() {
			user := snap.Token.User
			v.User = &user
			v.ServerID = snap.Token.ServerID
		}
		v.LastError = ""
		v.ErrorKind = ""
		if err != nil && !errors.Is(err, context.Canceled) {
			v.LastError = services.UserMessage(err)
			v.ErrorKind = services.Kind(err)
		}
	})
}

func (s *State) watchDownloads(events <-chan downloads.Event) {
	defer close(s.watchDone)
	for ev := range events {
		if ev.Err != nil {
			s.HandleUnauthorized(context.Background(), ev.State.ServerID, ev.Err)
		}
		s.update(func(v *ViewState) {
			next := cloneDownloads(v.Downloads)
			if ev.Removed {
				delete(next, ev.ItemID)
			} else {
				next[ev.ItemID] = ev.State
			}
			v.Downloads = next
		})
	}
}

func (s *State) update(fn func(*ViewState)) {
	s.mu.Lock()
	next := *s.view.Load()
	fn(&next)
	s.view.Store(&next)
	s.bus.Publish(next)
	s.mu.Unlock()
}
