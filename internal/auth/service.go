package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"finch/internal/config"
	"finch/internal/credstore"
	"finch/internal/history"
	"finch/internal/keyedlock"
	"finch/internal/logging"
	"finch/internal/services"
	"finch/internal/services/jellyfin"
)

// HistoryRecorder receives successfully validated servers.
type HistoryRecorder interface {
	RecordServer(ctx context.Context, entry history.Entry) error
}

// Option customises Service construction.
type Option func(*Service)

// WithHTTPClient overrides the HTTP client used for Jellyfin calls.
func WithHTTPClient(client jellyfin.HTTPDoer) Option {
	return func(s *Service) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// Service is the single owner of tokens and the current server selection.
type Service struct {
	vault      *vault
	history    HistoryRecorder
	identity   jellyfin.Identity
	httpClient jellyfin.HTTPDoer
	logger     *slog.Logger
	serverLock *keyedlock.Map

	stateMu  sync.RWMutex
	state    State
	current  *ServerConfiguration
	serverID string
	token    *Token
}

// NewService builds a Service. The device identifier is generated on first
// use and persisted in the credential store so it is stable across launches.
func NewService(cfg *config.Config, store credstore.Store, recorder HistoryRecorder, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if store == nil {
		return nil, errors.New("credential store is nil")
	}

	svc := &Service{
		vault:      &vault{store: store},
		history:    recorder,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout()},
		logger:     logging.NewComponentLogger(logger, "auth"),
		serverLock: keyedlock.New(),
		state:      StateUninitialized,
	}
	for _, opt := range opts {
		opt(svc)
	}

	deviceID, err := svc.vault.deviceID()
	if err != nil {
		return nil, err
	}
	svc.identity = jellyfin.Identity{
		Client:   cfg.Client.Name,
		Device:   cfg.Client.DeviceName,
		DeviceID: deviceID,
		Version:  cfg.Client.Version,
	}
	return svc, nil
}

// DeviceID returns the persisted device identifier.
func (s *Service) DeviceID() string { return s.identity.DeviceID }

// Identity returns the header identity used for every request.
func (s *Service) Identity() jellyfin.Identity { return s.identity }

// Initialize restores the persisted selection and token without any network
// I/O and settles on Authenticated or Unauthenticated.
func (s *Service) Initialize(ctx context.Context) (State, error) {
	s.stateMu.Lock()
	s.state = StateInitializing
	s.stateMu.Unlock()

	cfg, serverID, tok, err := s.loadPersisted()
	if err != nil {
		s.publish(nil, "", nil)
		return StateUnauthenticated, err
	}
	state := s.publish(cfg, serverID, tok)
	logger := logging.WithContext(services.WithServerID(ctx, serverID), s.logger)
	logger.Info("session restored", logging.String("state", state.String()))
	return state, nil
}

func (s *Service) loadPersisted() (*ServerConfiguration, string, *Token, error) {
	cs, err := s.vault.current()
	if err != nil || cs == nil {
		return nil, "", nil, err
	}
	cfg, err := ParseServerConfiguration(cs.URL)
	if err != nil {
		s.logger.Warn("discarding invalid persisted server", logging.String(logging.FieldServerURL, cs.URL), logging.Error(err))
		return nil, "", nil, nil
	}
	tok, err := s.vault.token(cs.ServerID)
	if err != nil {
		return &cfg, cs.ServerID, nil, err
	}
	return &cfg, cs.ServerID, tok, nil
}

// ValidateAndStore parses raw, checks the server answers the public info
// handshake, then persists it as the current server and records it in
// history. Nothing is persisted when any step fails or ctx is cancelled.
func (s *Service) ValidateAndStore(ctx context.Context, raw string) (*ServerConfiguration, error) {
	cfg, err := ParseServerConfiguration(raw)
	if err != nil {
		return nil, err
	}
	base := cfg.String()

	info, err := s.client(base, "").ValidateServer(ctx)
	if err != nil {
		return nil, classifyRemote(ctx, "validate server", err, false)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release := s.serverLock.Lock(base)
	defer release()

	if err := s.vault.setCurrent(currentServer{URL: base, ServerID: info.ID}); err != nil {
		return nil, services.Wrap(services.ErrUnexpected, "validate server", "persist current server", err)
	}
	tok, err := s.vault.token(info.ID)
	if err != nil {
		return nil, services.Wrap(services.ErrUnexpected, "validate server", "load stored token", err)
	}
	s.publish(&cfg, info.ID, tok)

	ctx = services.WithServerID(ctx, info.ID)
	if s.history != nil {
		if err := s.history.RecordServer(ctx, history.Entry{URL: base, ServerID: info.ID, ServerName: info.ServerName}); err != nil {
			logging.WarnWithContext(logging.WithContext(ctx, s.logger), "server history not updated", "history_record_failed",
				logging.String(logging.FieldServerURL, base),
				logging.Error(err),
				logging.String(logging.FieldImpact, "server will be missing from the recent servers list"),
			)
		}
	}
	logging.WithContext(ctx, s.logger).Info("server validated",
		logging.String(logging.FieldServerURL, base),
		logging.String("server_name", info.ServerName),
		logging.String("version", info.Version),
		logging.Bool("secure", cfg.IsSecure),
	)
	return &cfg, nil
}

// Login authenticates against the current server and stores the token under
// the server ID the server reports.
func (s *Service) Login(ctx context.Context, username, password string) (*Token, error) {
	s.stateMu.RLock()
	cfg := s.current
	s.stateMu.RUnlock()
	if cfg == nil {
		return nil, services.Wrap(services.ErrNotAuthenticated, "login", "no server selected", nil)
	}
	if strings.TrimSpace(username) == "" {
		return nil, services.Wrap(services.ErrInvalidCredentials, "login", "username is required", nil)
	}
	base := cfg.String()

	release := s.serverLock.Lock(base)
	defer release()

	resp, err := s.client(base, "").Authenticate(ctx, strings.TrimSpace(username), password)
	if err != nil {
		return nil, classifyRemote(ctx, "login", err, true)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tok := Token{
		AccessToken: resp.AccessToken,
		ServerID:    resp.ServerID,
		ServerURL:   base,
		User:        userFromRemote(resp.User),
	}
	if tok.User.ServerID == "" {
		tok.User.ServerID = tok.ServerID
	}
	if err := s.vault.saveToken(tok); err != nil {
		return nil, services.Wrap(services.ErrUnexpected, "login", "persist token", err)
	}

	s.stateMu.RLock()
	stillCurrent := s.current != nil && s.current.String() == base
	s.stateMu.RUnlock()
	if stillCurrent {
		if err := s.vault.setCurrent(currentServer{URL: base, ServerID: tok.ServerID}); err != nil {
			return nil, services.Wrap(services.ErrUnexpected, "login", "persist current server", err)
		}
		s.publishIfCurrent(base, tok.ServerID, &tok)
	}

	logging.WithContext(services.WithServerID(ctx, tok.ServerID), s.logger).Info("login succeeded",
		logging.String("user", tok.User.Name),
		logging.String(logging.FieldServerURL, base),
	)
	out := tok
	return &out, nil
}

// CurrentToken returns the token for the selected server without network I/O.
func (s *Service) CurrentToken() (*Token, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.token == nil {
		return nil, false
	}
	tok := *s.token
	return &tok, true
}

// ServerConfiguration returns the selected server.
func (s *Service) ServerConfiguration() (*ServerConfiguration, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.current == nil {
		return nil, false
	}
	cfg := *s.current
	return &cfg, true
}

// State returns the state machine position.
func (s *Service) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Snapshot returns state, server, and token read together.
func (s *Service) Snapshot() Snapshot {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	snap := Snapshot{State: s.state}
	if s.current != nil {
		cfg := *s.current
		snap.Server = &cfg
	}
	if s.token != nil {
		tok := *s.token
		snap.Token = &tok
	}
	return snap
}

// StoredServers lists every server with a persisted token.
func (s *Service) StoredServers() ([]StoredServer, error) {
	tokens, err := s.vault.tokens()
	if err != nil {
		return nil, services.Wrap(services.ErrUnexpected, "list servers", "", err)
	}
	out := make([]StoredServer, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, StoredServer{ServerURL: tok.ServerURL, Token: tok})
	}
	return out, nil
}

// SwitchServer selects a server the user is already signed in to.
func (s *Service) SwitchServer(ctx context.Context, raw string) error {
	cfg, err := ParseServerConfiguration(raw)
	if err != nil {
		return err
	}
	base := cfg.String()

	release := s.serverLock.Lock(base)
	defer release()

	tok, err := s.vault.tokenForURL(base)
	if err != nil {
		return services.Wrap(services.ErrUnexpected, "switch server", "load stored token", err)
	}
	if tok == nil {
		return services.Wrap(services.ErrNotAuthenticated, "switch server", "no stored login for "+base, nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.vault.setCurrent(currentServer{URL: base, ServerID: tok.ServerID}); err != nil {
		return services.Wrap(services.ErrUnexpected, "switch server", "persist current server", err)
	}
	s.publish(&cfg, tok.ServerID, tok)

	logging.WithContext(services.WithServerID(ctx, tok.ServerID), s.logger).Info("switched server",
		logging.String(logging.FieldServerURL, base),
	)
	return nil
}

// Logout clears the current server's token. With fromAllServers every stored
// token is removed and the current selection is cleared as well; otherwise
// the selection is kept so the user can sign in again.
func (s *Service) Logout(ctx context.Context, fromAllServers bool) error {
	s.stateMu.RLock()
	var base string
	if s.current != nil {
		base = s.current.String()
	}
	serverID := s.serverID
	s.stateMu.RUnlock()

	if fromAllServers {
		return s.logoutAll(ctx)
	}
	if base == "" {
		s.publish(nil, "", nil)
		return nil
	}

	release := s.serverLock.Lock(base)
	defer release()

	if serverID != "" {
		if err := s.vault.deleteToken(serverID); err != nil {
			return services.Wrap(services.ErrUnexpected, "logout", "delete token", err)
		}
	}
	s.publishIfCurrent(base, serverID, nil)
	logging.WithContext(services.WithServerID(ctx, serverID), s.logger).Info("logged out",
		logging.String(logging.FieldServerURL, base),
	)
	return nil
}

func (s *Service) logoutAll(ctx context.Context) error {
	tokens, err := s.vault.tokens()
	if err != nil {
		return services.Wrap(services.ErrUnexpected, "logout", "list tokens", err)
	}
	for _, tok := range tokens {
		release := s.serverLock.Lock(tok.ServerURL)
		err := s.vault.deleteToken(tok.ServerID)
		release()
		if err != nil {
			return services.Wrap(services.ErrUnexpected, "logout", "delete token", err)
		}
	}
	if err := s.vault.clearCurrent(); err != nil {
		return services.Wrap(services.ErrUnexpected, "logout", "", err)
	}
	s.publish(nil, "", nil)
	logging.WithContext(ctx, s.logger).Info("logged out of all servers", logging.Int("servers", len(tokens)))
	return nil
}

// InvalidateToken drops the token for serverID after the server rejected
// it. A non-empty rejected token must match the stored one; a stale 401 from
// a request made before a fresh login leaves the new token in place. When
// serverID is the current server the state becomes Unauthenticated. It
// reports whether a token was dropped.
func (s *Service) InvalidateToken(ctx context.Context, serverID, rejected string) (bool, error) {
	if serverID == "" {
		return false, nil
	}
	tok, err := s.vault.token(serverID)
	if err != nil {
		return false, services.Wrap(services.ErrUnexpected, "invalidate token", "", err)
	}
	if tok == nil {
		return false, nil
	}
	release := s.serverLock.Lock(tok.ServerURL)
	defer release()

	tok, err = s.vault.token(serverID)
	if err != nil {
		return false, services.Wrap(services.ErrUnexpected, "invalidate token", "", err)
	}
	logger := logging.WithContext(services.WithServerID(ctx, serverID), s.logger)
	if tok == nil {
		return false, nil
	}
	if rejected != "" && tok.AccessToken != rejected {
		logger.Debug("ignoring 401 for a replaced token")
		return false, nil
	}

	if err := s.vault.deleteToken(serverID); err != nil {
		return false, services.Wrap(services.ErrUnexpected, "invalidate token", "", err)
	}
	s.stateMu.Lock()
	if s.serverID == serverID && s.token != nil && s.token.AccessToken == tok.AccessToken {
		s.token = nil
		s.state = StateUnauthenticated
	}
	s.stateMu.Unlock()

	logging.WarnWithContext(logger, "server rejected stored token", "token_invalidated",
		logging.String(logging.FieldImpact, "sign in again to continue"),
	)
	return true, nil
}

// Client returns an authenticated API client for the current server.
func (s *Service) Client() (*jellyfin.Client, *Token, error) {
	snap := s.Snapshot()
	if !snap.Authenticated() || snap.Server == nil {
		return nil, nil, services.Wrap(services.ErrNotAuthenticated, "api client", "sign in first", nil)
	}
	return s.client(snap.Server.String(), snap.Token.AccessToken), snap.Token, nil
}

// ClientForServer returns a client authenticated with the token stored for
// serverID, whether or not that server is current.
func (s *Service) ClientForServer(serverID string) (*jellyfin.Client, error) {
	tok, err := s.vault.token(serverID)
	if err != nil {
		return nil, services.Wrap(services.ErrUnexpected, "load token", serverID, err)
	}
	if tok == nil || tok.ServerURL == "" {
		return nil, services.Wrap(services.ErrNotAuthenticated, "api client", "no stored sign-in for server "+serverID, nil)
	}
	return s.client(tok.ServerURL, tok.AccessToken), nil
}

func (s *Service) client(base, token string) *jellyfin.Client {
	c := jellyfin.NewClient(base, s.identity, s.httpClient)
	if token != "" {
		c = c.WithToken(token)
	}
	return c
}

// publish swaps the current selection and derived state in one step.
func (s *Service) publish(cfg *ServerConfiguration, serverID string, tok *Token) State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.current = cfg
	s.serverID = serverID
	s.token = tok
	if tok != nil {
		s.state = StateAuthenticated
	} else {
		s.state = StateUnauthenticated
	}
	return s.state
}

// publishIfCurrent updates the token only when base is still selected, so a
// login that finishes after the user switched away does not clobber state.
func (s *Service) publishIfCurrent(base, serverID string, tok *Token) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.current == nil || s.current.String() != base {
		return
	}
	s.serverID = serverID
	s.token = tok
	if tok != nil {
		s.state = StateAuthenticated
	} else {
		s.state = StateUnauthenticated
	}
}

// classifyRemote maps client failures onto the error taxonomy. Cancellation
// is passed through untouched.
func classifyRemote(ctx context.Context, operation string, err error, credentials bool) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", operation, ctxErr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var statusErr *jellyfin.StatusError
	if errors.As(err, &statusErr) {
		if credentials && (statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden) {
			return services.Wrap(services.ErrInvalidCredentials, operation, "server rejected the username or password", nil)
		}
		message := statusErr.Body
		if message == "" {
			message = http.StatusText(statusErr.StatusCode)
		}
		return fmt.Errorf("%w: %s: %s (status %d)", services.ErrServer, operation, message, statusErr.StatusCode)
	}
	if errors.Is(err, services.ErrNetwork) || errors.Is(err, services.ErrServer) || errors.Is(err, services.ErrUnexpected) {
		return err
	}
	return services.Wrap(services.ErrUnexpected, operation, "", err)
}
