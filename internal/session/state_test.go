package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"finch/internal/auth"
	"finch/internal/credstore"
	"finch/internal/downloads"
	"finch/internal/history"
	"finch/internal/library"
	"finch/internal/logging"
	"finch/internal/services"
	"finch/internal/services/jellyfin"
	"finch/internal/session"
	"finch/internal/testsupport"
)

const serverURL = "https://media.example.com"

const otherServerURL = "https://other.example.com"

type harness struct {
	fake    *testsupport.FakeJellyfin
	other   *testsupport.FakeJellyfin
	auth    *auth.Service
	coord   *downloads.Coordinator
	session *session.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := testsupport.NewFakeJellyfin(t, "srv-1")
	fake.AddUser("alice", "pw")
	other := testsupport.NewFakeJellyfin(t, "srv-2")
	other.AddUser("bob", "hunter2")

	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	httpClient := testsupport.RoutingClient(t, map[string]string{
		"media.example.com": fake.URL,
		"other.example.com": other.URL,
	})
	authSvc, err := auth.NewService(cfg, credstore.NewMemoryStore(), history.NewTracker(db, logging.NewNop()), logging.NewNop(), auth.WithHTTPClient(httpClient))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tr := downloads.NewHTTPTransferer(httpClient, logging.NewNop(), downloads.WithAuthorizer(session.AuthorizerFor(authSvc)))
	coord, err := downloads.Open(context.Background(), db, tr, cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("downloads.Open: %v", err)
	}
	t.Cleanup(func() { _ = coord.Close() })

	s := session.New(authSvc, library.NewCatalog(cfg, logging.NewNop()), coord, logging.NewNop())
	t.Cleanup(s.Close)
	return &harness{fake: fake, other: other, auth: authSvc, coord: coord, session: s}
}

func (h *harness) signIn(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := h.session.ConnectServer(ctx, serverURL); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	if err := h.session.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

// eventually polls the snapshot until cond holds.
func eventually(t *testing.T, s *session.State, cond func(session.ViewState) bool) session.ViewState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if v := s.Snapshot(); cond(v) {
			return v
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached; last view %+v", s.Snapshot())
	return session.ViewState{}
}

func TestInitializeMovesThroughInitializing(t *testing.T) {
	h := newHarness(t)
	views, cancel := h.session.Subscribe()
	defer cancel()

	if err := h.session.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	first := <-views
	if !first.Initializing || first.Authenticated {
		t.Fatalf("expected initializing view first, got %+v", first)
	}
	second := <-views
	if second.Initializing || second.State != auth.StateUnauthenticated {
		t.Fatalf("expected settled unauthenticated view, got %+v", second)
	}
}

func TestLoginPublishesUserTogetherWithAuthenticated(t *testing.T) {
	h := newHarness(t)
	views, cancel := h.session.Subscribe()
	defer cancel()

	h.signIn(t)
	for {
		select {
		case v := <-views:
			if v.Authenticated && v.User == nil {
				t.Fatalf("authenticated view without user: %+v", v)
			}
			if v.Authenticated {
				if v.User.Name != "alice" || v.ServerID != "srv-1" || v.ServerURL != serverURL {
					t.Fatalf("unexpected authenticated view %+v", v)
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("never saw an authenticated view")
		}
	}
}

func TestFailedLoginRecordsErrorKind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.session.ConnectServer(ctx, serverURL); err != nil {
		t.Fatalf("ConnectServer: %v", err)
	}
	err := h.session.Login(ctx, "alice", "wrong")
	if !errors.Is(err, services.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	v := h.session.Snapshot()
	if v.Authenticated || v.ErrorKind != "invalid_credentials" || v.LastError == "" {
		t.Fatalf("unexpected view after failed login: %+v", v)
	}
}

func TestUnauthorizedResponseExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.fake.AddLibrary(jellyfin.Item{ID: "lib-1", Name: "Movies"})
	ctx := context.Background()

	if _, err := h.session.Libraries(ctx); err != nil {
		t.Fatalf("Libraries: %v", err)
	}
	h.fake.RevokeTokens()
	if _, err := h.session.LibraryItems(ctx, "lib-1"); !jellyfin.IsUnauthorized(err) {
		t.Fatalf("expected 401, got %v", err)
	}

	v := h.session.Snapshot()
	if v.Authenticated || v.User != nil {
		t.Fatalf("expected session to be signed out, got %+v", v)
	}
	if v.ServerURL != serverURL {
		t.Fatalf("server selection should survive expiry, got %q", v.ServerURL)
	}
	if _, ok := h.auth.CurrentToken(); ok {
		t.Fatal("expected stored token to be dropped")
	}
	if _, err := h.session.Libraries(ctx); !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated after expiry, got %v", err)
	}
}

func TestLate401AfterReloginKeepsNewSession(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.fake.AddLibrary(jellyfin.Item{ID: "lib-1", Name: "Movies"})
	ctx := context.Background()

	h.fake.RevokeTokens()
	_, staleErr := h.session.LibraryItems(ctx, "lib-1")
	if !jellyfin.IsUnauthorized(staleErr) {
		t.Fatalf("expected 401, got %v", staleErr)
	}
	if err := h.session.Login(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Login again: %v", err)
	}
	fresh, ok := h.auth.CurrentToken()
	if !ok {
		t.Fatal("expected token after signing in again")
	}

	if h.session.HandleUnauthorized(ctx, "srv-1", staleErr) {
		t.Fatal("expected stale 401 to be ignored")
	}
	tok, ok := h.auth.CurrentToken()
	if !ok || tok.AccessToken != fresh.AccessToken {
		t.Fatalf("expected %q to survive, got %+v %v", fresh.AccessToken, tok, ok)
	}
	if v := h.session.Snapshot(); !v.Authenticated {
		t.Fatalf("expected authenticated view, got %+v", v)
	}
}

func TestOtherServer401LeavesCurrentSessionAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.session.ConnectServer(ctx, otherServerURL); err != nil {
		t.Fatalf("ConnectServer other: %v", err)
	}
	if err := h.session.Login(ctx, "bob", "hunter2"); err != nil {
		t.Fatalf("Login bob: %v", err)
	}
	h.signIn(t)

	h.other.AddDownload(jellyfin.Item{ID: "show-1", Name: "Show"}, testsupport.Payload(1024))
	h.other.RevokeTokens()
	_, err := h.coord.RequestDownload(ctx, "show-1", downloads.Source{
		ServerID: "srv-2",
		URL:      otherServerURL + "/Items/show-1/Download",
	})
	if err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	v := eventually(t, h.session, func(v session.ViewState) bool {
		return v.Downloads["show-1"].Status == downloads.StatusFailed
	})
	if !v.Authenticated || v.ServerID != "srv-1" || v.LastError != "" {
		t.Fatalf("expected srv-1 session untouched, got %+v", v)
	}
	if _, err := h.auth.ClientForServer("srv-2"); !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("expected srv-2 token to be dropped, got %v", err)
	}
}

func TestDownloadReachesViewState(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	item := jellyfin.Item{ID: "movie-1", Name: "Movie", Type: "Movie", Container: "mkv", Genres: []string{"Drama"}}
	h.fake.AddDownload(item, testsupport.Payload(32*1024))

	st, err := h.session.Download(context.Background(), "movie-1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if st.Status != downloads.StatusQueued {
		t.Fatalf("expected queued, got %s", st.Status)
	}
	v := eventually(t, h.session, func(v session.ViewState) bool {
		return v.Downloads["movie-1"].Status == downloads.StatusDownloaded
	})
	if v.DownloadCount(downloads.StatusDownloaded) != 1 {
		t.Fatalf("expected one downloaded item, got %+v", v.Downloads)
	}
	offline, ok := h.coord.OfflineItem("movie-1")
	if !ok || offline.Name != "Movie" || offline.ServerID != "srv-1" {
		t.Fatalf("expected offline metadata, got %+v %v", offline, ok)
	}

	if err := h.coord.DeleteDownload(context.Background(), "movie-1"); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	eventually(t, h.session, func(v session.ViewState) bool {
		_, present := v.Downloads["movie-1"]
		return !present
	})
}

func TestDownloadRejectedWithUnauthorizedExpiresSession(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.fake.AddDownload(jellyfin.Item{ID: "movie-2", Name: "Movie"}, testsupport.Payload(1024))
	h.fake.RevokeTokens()

	_, err := h.coord.RequestDownload(context.Background(), "movie-2", downloads.Source{
		ServerID: "srv-1",
		URL:      serverURL + "/Items/movie-2/Download",
	})
	if err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	eventually(t, h.session, func(v session.ViewState) bool {
		return v.Downloads["movie-2"].Status == downloads.StatusFailed && !v.Authenticated
	})
	if _, ok := h.auth.CurrentToken(); ok {
		t.Fatal("expected token to be dropped after download 401")
	}
}

func TestLogoutAllClearsView(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	if err := h.session.Logout(context.Background(), true); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	v := h.session.Snapshot()
	if v.Authenticated || v.User != nil || v.ServerURL != "" {
		t.Fatalf("expected cleared view, got %+v", v)
	}
}

func TestRefreshLibrariesReportsPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	h.fake.AddLibrary(jellyfin.Item{ID: "lib-a", Name: "A"}, jellyfin.Item{ID: "a1", Name: "a1"})
	h.fake.AddLibrary(jellyfin.Item{ID: "lib-b", Name: "B"}, jellyfin.Item{ID: "b1", Name: "b1"})
	h.fake.FailLibrary("lib-a")

	report, err := h.session.RefreshLibraries(context.Background())
	if err != nil {
		t.Fatalf("RefreshLibraries: %v", err)
	}
	if len(report.Failed()) != 1 || report.Results[1].Err != nil || len(report.Results[1].Items) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !h.session.Snapshot().Authenticated {
		t.Fatal("network failures must not sign the user out")
	}
}
