package library

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sourcegraph/conc/pool"

	"finch/internal/config"
	"finch/internal/logging"
	"finch/internal/services"
	"finch/internal/services/jellyfin"
)

// DefaultPageSize is how many items one library request asks for.
const DefaultPageSize = 200

// API is the subset of the Jellyfin client the catalog reads through.
type API interface {
	FetchLibraries(ctx context.Context, userID string) (jellyfin.ItemsPage, error)
	FetchLibraryItems(ctx context.Context, userID, libraryID string, start, limit int) (jellyfin.ItemsPage, error)
	FetchChildren(ctx context.Context, userID, parentID, typeFilter string) (jellyfin.ItemsPage, error)
	FetchContinueWatching(ctx context.Context, userID string) (jellyfin.ItemsPage, error)
	FetchLatestMedia(ctx context.Context, userID, parentID string) (jellyfin.ItemsPage, error)
	FetchItem(ctx context.Context, userID, itemID string) (*jellyfin.Item, error)
}

// Scope identifies whose view of which server is being browsed.
type Scope struct {
	ServerID string
	UserID   string
}

func (s Scope) key(parts ...string) string {
	return strings.Join(append([]string{s.ServerID, s.UserID}, parts...), "|")
}

// LibraryResult is the outcome of refreshing one library.
type LibraryResult struct {
	Library jellyfin.Item
	Items   []jellyfin.Item
	Err     error
}

// RefreshReport collects per-library results in server order.
type RefreshReport struct {
	Results []LibraryResult
}

// Failed returns the results that carry an error.
func (r RefreshReport) Failed() []LibraryResult {
	var out []LibraryResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err joins every per-library error, or returns nil when all succeeded.
func (r RefreshReport) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("library %s: %w", res.Library.Name, res.Err))
	}
	return errors.Join(errs...)
}

// Catalog fetches and caches library content.
type Catalog struct {
	cache       *gocache.Cache
	concurrency int
	pageSize    int
	logger      *slog.Logger
}

// Option customises a Catalog.
type Option func(*Catalog)

// WithPageSize sets the per-request item limit.
func WithPageSize(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// NewCatalog builds a catalog from the library config section.
func NewCatalog(cfg *config.Config, logger *slog.Logger, opts ...Option) *Catalog {
	ttl := 5 * time.Minute
	concurrency := 4
	if cfg != nil {
		if d := cfg.LibraryCacheTTL(); d > 0 {
			ttl = d
		}
		if cfg.Library.RefreshConcurrency > 0 {
			concurrency = cfg.Library.RefreshConcurrency
		}
	}
	c := &Catalog{
		cache:       gocache.New(ttl, 2*ttl),
		concurrency: concurrency,
		pageSize:    DefaultPageSize,
		logger:      logging.NewComponentLogger(logger, "library"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Libraries lists the user's library views.
func (c *Catalog) Libraries(ctx context.Context, api API, scope Scope) ([]jellyfin.Item, error) {
	return cached(c, scope.key("views"), func() ([]jellyfin.Item, error) {
		page, err := api.FetchLibraries(ctx, scope.UserID)
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	})
}

// Items returns every item of one library, following pagination.
func (c *Catalog) Items(ctx context.Context, api API, scope Scope, libraryID string) ([]jellyfin.Item, error) {
	return cached(c, scope.key("items", libraryID), func() ([]jellyfin.Item, error) {
		return c.fetchAll(ctx, api, scope, libraryID)
	})
}

// Children lists direct children of parentID, optionally filtered by type
// (for example "Season" or "Episode").
func (c *Catalog) Children(ctx context.Context, api API, scope Scope, parentID, typeFilter string) ([]jellyfin.Item, error) {
	return cached(c, scope.key("children", parentID, typeFilter), func() ([]jellyfin.Item, error) {
		page, err := api.FetchChildren(ctx, scope.UserID, parentID, typeFilter)
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	})
}

// ContinueWatching is never cached; playback positions move constantly.
func (c *Catalog) ContinueWatching(ctx context.Context, api API, scope Scope) ([]jellyfin.Item, error) {
	page, err := api.FetchContinueWatching(ctx, scope.UserID)
	if err != nil {
		return nil, err
	}
	return page.Items, nil
}

// Latest lists recently added media, optionally within one library.
func (c *Catalog) Latest(ctx context.Context, api API, scope Scope, parentID string) ([]jellyfin.Item, error) {
	return cached(c, scope.key("latest", parentID), func() ([]jellyfin.Item, error) {
		page, err := api.FetchLatestMedia(ctx, scope.UserID, parentID)
		if err != nil {
			return nil, err
		}
		return page.Items, nil
	})
}

// Item loads a single item. Results are not cached.
func (c *Catalog) Item(ctx context.Context, api API, scope Scope, itemID string) (*jellyfin.Item, error) {
	return api.FetchItem(ctx, scope.UserID, itemID)
}

// Refresh reloads the library list and then every library concurrently.
// Only a failure to list libraries is returned as an error; per-library
// failures are reported in the result and leave other libraries intact.
func (c *Catalog) Refresh(ctx context.Context, api API, scope Scope) (RefreshReport, error) {
	c.Invalidate(scope)

	libraries, err := c.Libraries(ctx, api, scope)
	if err != nil {
		return RefreshReport{}, err
	}

	type indexed struct {
		idx int
		res LibraryResult
	}
	p := pool.NewWithResults[indexed]().WithMaxGoroutines(c.concurrency)
	for i, lib := range libraries {
		p.Go(func() indexed {
			items, err := c.fetchAll(ctx, api, scope, lib.ID)
			if err == nil {
				c.cache.SetDefault(scope.key("items", lib.ID), items)
			}
			return indexed{idx: i, res: LibraryResult{Library: lib, Items: items, Err: err}}
		})
	}
	collected := p.Wait()
	sort.Slice(collected, func(a, b int) bool { return collected[a].idx < collected[b].idx })

	report := RefreshReport{Results: make([]LibraryResult, 0, len(collected))}
	for _, entry := range collected {
		report.Results = append(report.Results, entry.res)
		if entry.res.Err != nil {
			logging.WarnWithContext(c.logger, "library refresh failed", "library_refresh_failed",
				logging.String(logging.FieldServerID, scope.ServerID),
				logging.String("library", entry.res.Library.Name),
				logging.String("error_kind", services.Kind(entry.res.Err)),
				logging.Error(entry.res.Err),
				logging.String(logging.FieldImpact, "library shows no items until the next refresh"),
			)
		}
	}
	c.logger.Info("library refresh finished",
		logging.String(logging.FieldServerID, scope.ServerID),
		logging.Int("libraries", len(report.Results)),
		logging.Int("failed", len(report.Failed())),
	)
	return report, nil
}

// Invalidate drops cached entries for scope.
func (c *Catalog) Invalidate(scope Scope) {
	prefix := scope.key() + "|"
	for key := range c.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
		}
	}
}

// Flush drops every cached entry.
func (c *Catalog) Flush() {
	c.cache.Flush()
}

func (c *Catalog) fetchAll(ctx context.Context, api API, scope Scope, libraryID string) ([]jellyfin.Item, error) {
	var items []jellyfin.Item
	start := 0
	for {
		page, err := api.FetchLibraryItems(ctx, scope.UserID, libraryID, start, c.pageSize)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
		start += len(page.Items)
		if len(page.Items) == 0 || start >= page.TotalRecordCount {
			return items, nil
		}
	}
}

func cached(c *Catalog, key string, load func() ([]jellyfin.Item, error)) ([]jellyfin.Item, error) {
	if v, ok := c.cache.Get(key); ok {
		if items, ok := v.([]jellyfin.Item); ok {
			return items, nil
		}
	}
	items, err := load()
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, items)
	return items, nil
}
