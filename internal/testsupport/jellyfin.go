package testsupport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"finch/internal/services/jellyfin"
)

// FakeJellyfin is an in-process Jellyfin server covering the endpoints the
// session core calls.
type FakeJellyfin struct {
	*httptest.Server

	ServerID   string
	ServerName string

	mu           sync.Mutex
	users        map[string]fakeUser
	tokens       map[string]string
	nextToken    int
	libraries    []jellyfin.Item
	libraryItems map[string][]jellyfin.Item
	failing      map[string]bool
	items        map[string]jellyfin.Item
	content      map[string][]byte
	requests     map[string]int
	downloadGate chan struct{}
}

type fakeUser struct {
	password string
	user     jellyfin.User
}

// NewFakeJellyfin starts a fake server identified by serverID.
func NewFakeJellyfin(t testing.TB, serverID string) *FakeJellyfin {
	t.Helper()

	f := &FakeJellyfin{
		ServerID:     serverID,
		ServerName:   "Fake " + serverID,
		users:        map[string]fakeUser{},
		tokens:       map[string]string{},
		libraryItems: map[string][]jellyfin.Item{},
		failing:      map[string]bool{},
		items:        map[string]jellyfin.Item{},
		content:      map[string][]byte{},
		requests:     map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /System/Info/Public", f.handleInfo)
	mux.HandleFunc("POST /Users/AuthenticateByName", f.handleAuthenticate)
	mux.HandleFunc("GET /Users/{uid}/Views", f.authed(f.handleViews))
	mux.HandleFunc("GET /Users/{uid}/Items", f.authed(f.handleItems))
	mux.HandleFunc("GET /Users/{uid}/Items/Latest", f.authed(f.handleLatest))
	mux.HandleFunc("GET /Users/{uid}/Items/Resume", f.authed(f.handleResume))
	mux.HandleFunc("GET /Users/{uid}/Items/{id}", f.authed(f.handleItem))
	mux.HandleFunc("GET /Items/{id}/Download", f.authed(f.handleDownload))

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests[r.URL.Path]++
		f.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Server.Close)
	return f
}

// AddUser registers a user and returns its profile.
func (f *FakeJellyfin) AddUser(username, password string) jellyfin.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := jellyfin.User{
		ID:          "user-" + username,
		Name:        username,
		ServerID:    f.ServerID,
		HasPassword: password != "",
		Policy: jellyfin.UserPolicy{
			EnableMediaPlayback:      true,
			EnableContentDownloading: true,
		},
	}
	f.users[strings.ToLower(username)] = fakeUser{password: password, user: user}
	return user
}

// AddLibrary registers a library view and its items.
func (f *FakeJellyfin) AddLibrary(library jellyfin.Item, items ...jellyfin.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	library.Type = "CollectionFolder"
	f.libraries = append(f.libraries, library)
	f.libraryItems[library.ID] = append(f.libraryItems[library.ID], items...)
	for _, item := range items {
		item.ParentID = library.ID
		f.items[item.ID] = item
	}
}

// FailLibrary makes item requests for libraryID drop the connection.
func (f *FakeJellyfin) FailLibrary(libraryID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[libraryID] = true
}

// AddDownload registers downloadable content for an item.
func (f *FakeJellyfin) AddDownload(item jellyfin.Item, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	f.content[item.ID] = data
}

// GateDownloads makes downloads stall after the first half of the body until
// the returned function is called.
func (f *FakeJellyfin) GateDownloads() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.downloadGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// RevokeTokens invalidates every issued access token.
func (f *FakeJellyfin) RevokeTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = map[string]string{}
}

// Requests reports how many requests hit path.
func (f *FakeJellyfin) Requests(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[path]
}

func (f *FakeJellyfin) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, jellyfin.SystemInfo{ID: f.ServerID, ServerName: f.ServerName, Version: "10.9.0", ProductName: "Jellyfin Server"})
}

func (f *FakeJellyfin) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"Username"`
		Pw       string `json:"Pw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	entry, ok := f.users[strings.ToLower(body.Username)]
	if !ok || entry.password != body.Pw {
		f.mu.Unlock()
		http.Error(w, "Invalid username or password entered.", http.StatusUnauthorized)
		return
	}
	f.nextToken++
	token := fmt.Sprintf("%s-token-%d", f.ServerID, f.nextToken)
	f.tokens[token] = entry.user.ID
	f.mu.Unlock()

	writeJSON(w, jellyfin.AuthResponse{User: entry.user, AccessToken: token, ServerID: f.ServerID})
}

func (f *FakeJellyfin) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Emby-Token")
		f.mu.Lock()
		_, ok := f.tokens[token]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (f *FakeJellyfin) handleViews(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	libs := append([]jellyfin.Item(nil), f.libraries...)
	f.mu.Unlock()
	writeJSON(w, jellyfin.ItemsPage{Items: libs, TotalRecordCount: len(libs)})
}

func (f *FakeJellyfin) handleItems(w http.ResponseWriter, r *http.Request) {
	parent := r.URL.Query().Get("ParentId")
	f.mu.Lock()
	fail := f.failing[parent]
	items := append([]jellyfin.Item(nil), f.libraryItems[parent]...)
	f.mu.Unlock()
	if fail {
		dropConnection(w)
		return
	}
	if filter := r.URL.Query().Get("IncludeItemTypes"); filter != "" {
		filtered := items[:0]
		for _, item := range items {
			if item.Type == filter {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	start, _ := strconv.Atoi(r.URL.Query().Get("StartIndex"))
	total := len(items)
	if start > total {
		start = total
	}
	items = items[start:]
	if limit, err := strconv.Atoi(r.URL.Query().Get("Limit")); err == nil && limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	writeJSON(w, jellyfin.ItemsPage{Items: items, TotalRecordCount: total, StartIndex: start})
}

func (f *FakeJellyfin) handleLatest(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	items := make([]jellyfin.Item, 0, len(f.items))
	for _, item := range f.items {
		items = append(items, item)
	}
	f.mu.Unlock()
	writeJSON(w, items)
}

func (f *FakeJellyfin) handleResume(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	var items []jellyfin.Item
	for _, item := range f.items {
		if item.UserData != nil && item.UserData.PlaybackPositionTicks > 0 && !item.UserData.Played {
			items = append(items, item)
		}
	}
	f.mu.Unlock()
	writeJSON(w, jellyfin.ItemsPage{Items: items, TotalRecordCount: len(items)})
}

func (f *FakeJellyfin) handleItem(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	item, ok := f.items[r.PathValue("id")]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, item)
}

func (f *FakeJellyfin) handleDownload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.content[r.PathValue("id")]
	gate := f.downloadGate
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if gate == nil {
		_, _ = w.Write(data)
		return
	}
	half := len(data) / 2
	_, _ = w.Write(data[:half])
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	select {
	case <-gate:
		_, _ = w.Write(data[half:])
	case <-r.Context().Done():
	}
}

func dropConnection(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	conn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// RoutingClient returns an HTTP client that sends requests for each host in
// routes (for example "192.168.1.10:8096") to the paired test server URL.
// Requests for unknown hosts fail like an unreachable network.
func RoutingClient(t testing.TB, routes map[string]string) *http.Client {
	t.Helper()

	parsed := make(map[string]*url.URL, len(routes))
	for host, target := range routes {
		u, err := url.Parse(target)
		if err != nil {
			t.Fatalf("parse route target %q: %v", target, err)
		}
		parsed[host] = u
	}
	return &http.Client{Transport: routeTransport{routes: parsed}}
}

type routeTransport struct {
	routes map[string]*url.URL
}

func (rt routeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, ok := rt.routes[req.URL.Host]
	if !ok {
		return nil, fmt.Errorf("dial tcp %s: no route to host", req.URL.Host)
	}
	clone := req.Clone(req.Context())
	clone.URL.Scheme = target.Scheme
	clone.URL.Host = target.Host
	clone.Host = target.Host
	return http.DefaultTransport.RoundTrip(clone)
}
