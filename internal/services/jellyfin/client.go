package jellyfin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"finch/internal/services"
)

// HTTPDoer abstracts http.Client.Do for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx response from the server.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
	// Token is the access token the request carried, if any.
	Token string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("jellyfin %s %s returned %d", e.Method, e.Path, e.StatusCode)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// Unwrap marks every status failure as a server error.
func (e *StatusError) Unwrap() error { return services.ErrServer }

// IsUnauthorized reports whether err carries a 401 response.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}

// RejectedToken returns the access token sent with the request that failed
// with err, or "" when err carries no status response.
func RejectedToken(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Token
	}
	return ""
}

// RequestToken returns the access token stamped on req by Authorize.
func RequestToken(req *http.Request) string {
	return req.Header.Get("X-Emby-Token")
}

// StatusCode returns the HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// Client talks to a single Jellyfin server.
type Client struct {
	baseURL  string
	identity Identity
	token    string
	client   HTTPDoer
}

// NewClient constructs a client for baseURL. A nil doer uses http.DefaultClient.
func NewClient(baseURL string, identity Identity, doer HTTPDoer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		identity: identity,
		client:   doer,
	}
}

// WithToken returns a copy of the client that authenticates with token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = strings.TrimSpace(token)
	return &clone
}

// BaseURL returns the normalized server base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ValidateServer performs the unauthenticated reachability handshake.
func (c *Client) ValidateServer(ctx context.Context) (*SystemInfo, error) {
	var info SystemInfo
	if err := c.doJSON(ctx, http.MethodGet, "/System/Info/Public", nil, nil, &info); err != nil {
		return nil, err
	}
	if strings.TrimSpace(info.ID) == "" {
		return nil, services.Wrap(services.ErrServer, "validate server", "response did not identify a Jellyfin server", nil)
	}
	return &info, nil
}

// Authenticate exchanges a username and password for an access token.
func (c *Client) Authenticate(ctx context.Context, username, password string) (*AuthResponse, error) {
	body := map[string]string{"Username": username, "Pw": password}
	var resp AuthResponse
	if err := c.doJSON(ctx, http.MethodPost, "/Users/AuthenticateByName", nil, body, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return nil, services.Wrap(services.ErrServer, "authenticate", "response missing access token", nil)
	}
	if resp.ServerID == "" {
		resp.ServerID = resp.User.ServerID
	}
	return &resp, nil
}

// FetchLibraries lists the user's library views.
func (c *Client) FetchLibraries(ctx context.Context, userID string) (ItemsPage, error) {
	return c.fetchItems(ctx, "/Users/"+url.PathEscape(userID)+"/Views", nil)
}

// FetchLibraryItems pages through every item below a library.
func (c *Client) FetchLibraryItems(ctx context.Context, userID, libraryID string, start, limit int) (ItemsPage, error) {
	query := url.Values{}
	query.Set("ParentId", libraryID)
	query.Set("Recursive", "true")
	query.Set("Fields", "Overview,Genres")
	query.Set("SortBy", "SortName")
	query.Set("StartIndex", strconv.Itoa(start))
	if limit > 0 {
		query.Set("Limit", strconv.Itoa(limit))
	}
	return c.fetchItems(ctx, "/Users/"+url.PathEscape(userID)+"/Items", query)
}

// FetchChildren lists the direct children of parentID, optionally filtered by
// item type (for example "Season" or "Episode").
func (c *Client) FetchChildren(ctx context.Context, userID, parentID, typeFilter string) (ItemsPage, error) {
	query := url.Values{}
	query.Set("ParentId", parentID)
	query.Set("Fields", "Overview,Genres")
	if typeFilter = strings.TrimSpace(typeFilter); typeFilter != "" {
		query.Set("IncludeItemTypes", typeFilter)
	}
	return c.fetchItems(ctx, "/Users/"+url.PathEscape(userID)+"/Items", query)
}

// FetchContinueWatching lists partially played items.
func (c *Client) FetchContinueWatching(ctx context.Context, userID string) (ItemsPage, error) {
	query := url.Values{}
	query.Set("MediaTypes", "Video")
	return c.fetchItems(ctx, "/Users/"+url.PathEscape(userID)+"/Items/Resume", query)
}

// FetchLatestMedia lists recently added items, optionally scoped to a library.
// The server answers this endpoint with a bare array.
func (c *Client) FetchLatestMedia(ctx context.Context, userID, parentID string) (ItemsPage, error) {
	query := url.Values{}
	if parentID != "" {
		query.Set("ParentId", parentID)
	}
	return c.fetchItems(ctx, "/Users/"+url.PathEscape(userID)+"/Items/Latest", query)
}

// FetchItem loads one item with the fields needed for offline display.
func (c *Client) FetchItem(ctx context.Context, userID, itemID string) (*Item, error) {
	var item Item
	path := "/Users/" + url.PathEscape(userID) + "/Items/" + url.PathEscape(itemID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// DownloadURL returns the endpoint serving an item's original file.
func (c *Client) DownloadURL(itemID string) string {
	return c.baseURL + "/Items/" + url.PathEscape(itemID) + "/Download"
}

// Authorize stamps the client's identity and token on a request built
// elsewhere, such as a streaming download.
func (c *Client) Authorize(req *http.Request) {
	c.applyHeaders(req)
}

// Do sends a prepared request through the underlying HTTP client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

func (c *Client) fetchItems(ctx context.Context, path string, query url.Values) (ItemsPage, error) {
	data, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return ItemsPage{}, err
	}
	page, err := DecodeItems(data)
	if err != nil {
		return ItemsPage{}, services.Wrap(services.ErrUnexpected, "decode "+path, "", err)
	}
	return page, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	data, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return services.Wrap(services.ErrUnexpected, "decode "+path, "", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, services.Wrap(services.ErrUnexpected, "marshal request body", path, err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, services.Wrap(services.ErrInvalidServerURL, "build request", target, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("jellyfin %s %s: %w", method, path, ctxErr)
		}
		return nil, services.Wrap(services.ErrNetwork, "jellyfin "+method+" "+path, "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			Token:      RequestToken(req),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("jellyfin %s %s: %w", method, path, ctxErr)
		}
		return nil, services.Wrap(services.ErrNetwork, "read response", path, err)
	}
	return data, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Authorization", c.identity.AuthorizationHeader(c.token))
	if c.token != "" {
		req.Header.Set("X-Emby-Token", c.token)
	}
}
