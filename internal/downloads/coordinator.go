package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"finch/internal/config"
	"finch/internal/eventbus"
	"finch/internal/keyedlock"
	"finch/internal/logging"
	"finch/internal/preflight"
	"finch/internal/services"
	"finch/internal/storage"
)

// ErrClosed is returned by operations on a closed coordinator.
var ErrClosed = errors.New("download coordinator closed")

// Option customises Coordinator construction.
type Option func(*Coordinator)

// WithFreeSpaceFunc replaces the filesystem free-space probe.
func WithFreeSpaceFunc(fn func(path string) (uint64, error)) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.freeSpace = fn
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

type transfer struct {
	attempt uint64
	cancel  context.CancelFunc
	done    chan struct{}
	limiter *rate.Limiter
	sampler *logging.ProgressSampler
}

// Coordinator owns every download's state and runs transfers.
type Coordinator struct {
	repo         *repository
	transferer   Transferer
	logger       *slog.Logger
	downloadDir  string
	minFree      uint64
	persistEvery time.Duration
	freeSpace    func(string) (uint64, error)
	now          func() time.Time

	locks *keyedlock.Map
	slots chan struct{}
	bus   *eventbus.Bus[Event]

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	states   map[string]*State
	sources  map[string]Source
	offline  map[string]OfflineMediaItem
	active   map[string]*transfer
	attempts uint64
	closed   bool
}

// Open loads persisted downloads, reconciles them against the filesystem and
// returns a ready coordinator.
func Open(ctx context.Context, db *storage.DB, transferer Transferer, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if db == nil {
		return nil, errors.New("downloads: database is required")
	}
	if transferer == nil {
		return nil, errors.New("downloads: transferer is required")
	}
	if cfg == nil {
		return nil, errors.New("downloads: config is required")
	}

	maxConcurrent := cfg.Downloads.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	baseCtx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		repo:         &repository{db: db},
		transferer:   transferer,
		logger:       logging.NewComponentLogger(logger, "downloads"),
		downloadDir:  cfg.Paths.DownloadDir,
		minFree:      uint64(cfg.Downloads.MinFreeSpaceMiB) * 1024 * 1024,
		persistEvery: cfg.ProgressPersistInterval(),
		freeSpace:    preflight.AvailableBytes,
		now:          time.Now,
		locks:        keyedlock.New(),
		slots:        make(chan struct{}, maxConcurrent),
		bus:          eventbus.New[Event](64),
		baseCtx:      baseCtx,
		stop:         stop,
		states:       make(map[string]*State),
		sources:      make(map[string]Source),
		offline:      make(map[string]OfflineMediaItem),
		active:       make(map[string]*transfer),
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(c.downloadDir, 0o755); err != nil {
		stop()
		return nil, fmt.Errorf("create download directory: %w", err)
	}
	if err := c.reconcile(ctx); err != nil {
		stop()
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) reconcile(ctx context.Context) error {
	records, err := c.repo.loadAll(ctx)
	if err != nil {
		return services.Wrap(services.ErrUnexpected, "load downloads", "", err)
	}
	offline, err := c.repo.loadOffline(ctx)
	if err != nil {
		return services.Wrap(services.ErrUnexpected, "load offline items", "", err)
	}

	now := c.now().UTC()
	for _, rec := range records {
		st := rec.State
		reason := ""
		switch {
		case st.Status == StatusDownloaded && !fileExists(st.LocalFile):
			reason = MissingFileReason
		case st.Status.IsActive():
			reason = InterruptedReason
			dest := destinationFor(c.downloadDir, rec.Source, st.ItemID)
			if err := removeIfPresent(PartialPath(dest)); err != nil {
				c.logger.Warn("remove stale partial file failed",
					logging.String(logging.FieldItemID, st.ItemID),
					logging.Error(err),
				)
			}
		}
		if reason != "" {
			st.Status = StatusFailed
			st.Error = reason
			st.LocalFile = ""
			st.UpdatedAt = now
			delete(offline, st.ItemID)
			if err := c.repo.saveFailed(ctx, st, rec.Source); err != nil {
				return services.Wrap(services.ErrUnexpected, "reconcile download", st.ItemID, err)
			}
			logging.WarnWithContext(c.logger, "download reconciled to failed", "download_reconciled",
				logging.String(logging.FieldItemID, st.ItemID),
				logging.String("reason", reason),
				logging.String(logging.FieldImpact, "item must be downloaded again"),
			)
		}
		c.states[st.ItemID] = &st
		c.sources[st.ItemID] = rec.Source
	}
	for id, item := range offline {
		if st, ok := c.states[id]; ok && st.Status == StatusDownloaded {
			c.offline[id] = item
		}
	}
	c.logger.Debug("downloads loaded", logging.Int("count", len(c.states)))
	return nil
}

// RequestDownload queues itemID for transfer. An existing queued, running or
// finished download is returned unchanged; a failed one starts over.
func (c *Coordinator) RequestDownload(ctx context.Context, itemID string, src Source) (*State, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return nil, services.Wrap(services.ErrUnexpected, "request download", "item id is required", nil)
	}
	if strings.TrimSpace(src.URL) == "" {
		return nil, services.Wrap(services.ErrUnexpected, "request download", "source url is required", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := c.locks.Lock(itemID)
	defer unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	existing := c.states[itemID]
	var prior State
	if existing != nil {
		prior = *existing
	}
	c.mu.Unlock()

	if existing != nil && prior.Status != StatusFailed {
		return &prior, nil
	}

	if src.Metadata.ID == "" {
		src.Metadata.ID = itemID
	}
	if src.Metadata.ServerID == "" {
		src.Metadata.ServerID = src.ServerID
	}
	now := c.now().UTC()
	st := State{
		ItemID:    itemID,
		ServerID:  src.ServerID,
		Status:    StatusQueued,
		ItemName:  src.Metadata.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		st.CreatedAt = prior.CreatedAt
	}
	if err := c.repo.save(ctx, st, src); err != nil {
		return nil, services.Wrap(services.ErrUnexpected, "request download", itemID, err)
	}

	c.mu.Lock()
	c.states[itemID] = &st
	c.sources[itemID] = src
	delete(c.offline, itemID)
	c.mu.Unlock()

	c.logger.Info("download queued",
		logging.String(logging.FieldItemID, itemID),
		logging.String(logging.FieldServerID, src.ServerID),
		logging.String("item_name", st.ItemName),
	)
	c.publish(st)
	c.start(itemID, src)
	out := st
	return &out, nil
}

// Retry restarts a failed download from its recorded source. Downloads in
// any other status are returned unchanged.
func (c *Coordinator) Retry(ctx context.Context, itemID string) (*State, error) {
	unlock := c.locks.Lock(itemID)
	defer unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	current := c.states[itemID]
	src := c.sources[itemID]
	var st State
	if current != nil {
		st = *current
	}
	c.mu.Unlock()

	if current == nil {
		return nil, services.Wrap(services.ErrNotFound, "retry download", itemID, nil)
	}
	if st.Status != StatusFailed {
		return &st, nil
	}
	if src.URL == "" {
		return nil, services.Wrap(services.ErrUnexpected, "retry download", "no source recorded for "+itemID, nil)
	}

	st.Status = StatusQueued
	st.Error = ""
	st.LocalFile = ""
	st.Progress = Progress{}
	st.UpdatedAt = c.now().UTC()
	if err := c.repo.save(ctx, st, src); err != nil {
		return nil, services.Wrap(services.ErrUnexpected, "retry download", itemID, err)
	}

	c.mu.Lock()
	*current = st
	c.mu.Unlock()

	c.logger.Info("download retried", logging.String(logging.FieldItemID, itemID))
	c.publish(st)
	c.start(itemID, src)
	out := st
	return &out, nil
}

// OnProgress records transfer progress; the first report moves a queued
// download to downloading. Unknown or finished items are ignored.
func (c *Coordinator) OnProgress(itemID string, received, total int64) {
	c.progress(itemID, 0, received, total)
}

// OnComplete marks a download finished and stores its offline metadata.
func (c *Coordinator) OnComplete(itemID, localFile string) {
	c.finish(itemID, 0, localFile, nil)
}

// OnFailure marks a download failed. The record is kept for display and retry.
func (c *Coordinator) OnFailure(itemID string, cause error) {
	if cause == nil {
		cause = errors.New("download failed")
	}
	c.finish(itemID, 0, "", cause)
}

// DeleteDownload cancels any transfer, removes files best-effort and forgets
// the item. Unknown IDs are a no-op.
func (c *Coordinator) DeleteDownload(ctx context.Context, itemID string) error {
	unlock := c.locks.Lock(itemID)

	c.mu.Lock()
	st, known := c.states[itemID]
	src := c.sources[itemID]
	t := c.active[itemID]
	c.mu.Unlock()

	if !known {
		unlock()
		return nil
	}
	if err := c.repo.remove(ctx, itemID); err != nil {
		unlock()
		return services.Wrap(services.ErrUnexpected, "delete download", itemID, err)
	}

	c.mu.Lock()
	delete(c.states, itemID)
	delete(c.sources, itemID)
	delete(c.offline, itemID)
	c.mu.Unlock()
	localFile := st.LocalFile
	unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}

	unlock = c.locks.Lock(itemID)
	c.mu.Lock()
	_, recreated := c.states[itemID]
	c.mu.Unlock()
	if !recreated {
		dest := destinationFor(c.downloadDir, src, itemID)
		for _, path := range uniquePaths(localFile, dest, PartialPath(dest)) {
			if err := removeIfPresent(path); err != nil {
				logging.WarnWithContext(c.logger, "remove downloaded file failed", "download_cleanup",
					logging.String(logging.FieldItemID, itemID),
					logging.String("path", path),
					logging.Error(err),
					logging.String(logging.FieldImpact, "file left on disk"),
				)
			}
		}
	}
	unlock()

	c.logger.Info("download deleted", logging.String(logging.FieldItemID, itemID))
	c.bus.Publish(Event{ItemID: itemID, Removed: true})
	return nil
}

// ActiveDownloads returns a snapshot of every known download regardless of status.
func (c *Coordinator) ActiveDownloads() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]State, len(c.states))
	for id, st := range c.states {
		out[id] = *st
	}
	return out
}

// Get returns the state of one download.
func (c *Coordinator) Get(itemID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[itemID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// OfflineItem returns stored metadata for a downloaded item.
func (c *Coordinator) OfflineItem(itemID string) (*OfflineMediaItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[itemID]
	if !ok || st.Status != StatusDownloaded {
		return nil, false
	}
	item, ok := c.offline[itemID]
	if !ok {
		return nil, false
	}
	return &item, true
}

// Subscribe streams download events until cancel is called or the
// coordinator closes.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.bus.Subscribe()
}

// WaitFor blocks until itemID leaves the queued/downloading states.
func (c *Coordinator) WaitFor(ctx context.Context, itemID string) (State, error) {
	events, cancel := c.Subscribe()
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		st, ok := c.Get(itemID)
		if !ok {
			return State{}, services.Wrap(services.ErrNotFound, "wait for download", itemID, nil)
		}
		if !st.Status.IsActive() {
			return st, nil
		}
		select {
		case _, open := <-events:
			if !open {
				return st, ErrClosed
			}
		case <-ticker.C:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Close stops running transfers and waits for them to exit. Interrupted
// downloads are reconciled the next time a coordinator opens.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()
	c.bus.Close()
	return nil
}

// start launches a transfer for itemID. Callers hold the item lock.
func (c *Coordinator) start(itemID string, src Source) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	prev := c.active[itemID]
	c.attempts++
	ctx, cancel := context.WithCancel(c.baseCtx)
	limit := rate.Inf
	if c.persistEvery > 0 {
		limit = rate.Every(c.persistEvery)
	}
	t := &transfer{
		attempt: c.attempts,
		cancel:  cancel,
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, 1),
		sampler: logging.NewProgressSampler(10),
	}
	c.active[itemID] = t
	c.wg.Add(1)
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	go c.run(ctx, itemID, src, t, prev)
}

func (c *Coordinator) run(ctx context.Context, itemID string, src Source, t *transfer, prev *transfer) {
	defer c.wg.Done()
	defer close(t.done)
	defer t.cancel()
	defer func() {
		c.mu.Lock()
		if c.active[itemID] == t {
			delete(c.active, itemID)
		}
		c.mu.Unlock()
	}()

	if prev != nil {
		<-prev.done
	}
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-c.slots }()
	if ctx.Err() != nil {
		return
	}

	if err := c.checkFreeSpace(); err != nil {
		c.finish(itemID, t.attempt, "", err)
		return
	}

	req := Request{
		ItemID:      itemID,
		ServerID:    src.ServerID,
		URL:         src.URL,
		Destination: destinationFor(c.downloadDir, src, itemID),
	}
	localFile, err := c.transferer.Transfer(ctx, req, func(received, total int64) {
		c.progress(itemID, t.attempt, received, total)
	})
	if err != nil && ctx.Err() != nil {
		return
	}
	c.finish(itemID, t.attempt, localFile, err)
}

func (c *Coordinator) checkFreeSpace() error {
	if c.minFree == 0 {
		return nil
	}
	free, err := c.freeSpace(c.downloadDir)
	if err != nil {
		return services.Wrap(services.ErrUnexpected, "check free space", c.downloadDir, err)
	}
	if free < c.minFree {
		return fmt.Errorf("%w: %s available in %s, %s required",
			ErrInsufficientSpace, humanize.IBytes(free), c.downloadDir, humanize.IBytes(c.minFree))
	}
	return nil
}

// current returns the live state for a callback, or nil when the callback is
// stale. attempt zero matches whatever transfer is running.
func (c *Coordinator) current(itemID string, attempt uint64) (*State, *transfer) {
	st := c.states[itemID]
	if st == nil || !st.Status.IsActive() {
		return nil, nil
	}
	t := c.active[itemID]
	if attempt != 0 && (t == nil || t.attempt != attempt) {
		return nil, nil
	}
	return st, t
}

func (c *Coordinator) progress(itemID string, attempt uint64, received, total int64) {
	unlock := c.locks.Lock(itemID)
	defer unlock()

	c.mu.Lock()
	st, t := c.current(itemID, attempt)
	if st == nil {
		c.mu.Unlock()
		return
	}
	started := st.Status == StatusQueued
	st.Status = StatusDownloading
	st.Progress = Progress{BytesReceived: received, BytesTotal: total}
	st.UpdatedAt = c.now().UTC()
	snapshot := *st
	c.mu.Unlock()

	persist := started || t == nil || t.limiter.Allow() || (total > 0 && received >= total)
	if persist {
		if err := c.repo.saveProgress(context.Background(), snapshot); err != nil {
			c.logger.Warn("persist download progress failed",
				logging.String(logging.FieldItemID, itemID),
				logging.Error(err),
			)
		}
	}
	if started {
		c.logger.Info("download started", logging.String(logging.FieldItemID, itemID))
	}
	if t != nil && t.sampler.ShouldLog(snapshot.Progress.Percent()) {
		c.logger.Info("download progress",
			logging.String(logging.FieldItemID, itemID),
			logging.Float64("percent", snapshot.Progress.Percent()),
			logging.String("received", humanize.IBytes(uint64(received))),
		)
	}
	c.publish(snapshot)
}

func (c *Coordinator) finish(itemID string, attempt uint64, localFile string, cause error) {
	unlock := c.locks.Lock(itemID)
	defer unlock()

	c.mu.Lock()
	st, t := c.current(itemID, attempt)
	if st == nil {
		c.mu.Unlock()
		return
	}
	src := c.sources[itemID]
	next := *st
	c.mu.Unlock()

	if attempt == 0 && t != nil {
		t.cancel()
	}

	ctx := context.Background()
	now := c.now().UTC()
	next.UpdatedAt = now
	var offline *OfflineMediaItem
	if cause == nil {
		next.Status = StatusDownloaded
		next.LocalFile = localFile
		next.Error = ""
		if info, err := os.Stat(localFile); err == nil {
			next.Progress = Progress{BytesReceived: info.Size(), BytesTotal: info.Size()}
		}
		item := src.Metadata
		item.ID = itemID
		if item.ServerID == "" {
			item.ServerID = src.ServerID
		}
		item.LocalFile = localFile
		item.SavedAt = now
		if err := c.repo.saveCompleted(ctx, next, src, item); err != nil {
			cause = fmt.Errorf("record completed download: %w", err)
		} else {
			offline = &item
		}
	}
	if cause != nil {
		next.Status = StatusFailed
		next.LocalFile = ""
		next.Error = cause.Error()
		if err := c.repo.saveFailed(ctx, next, src); err != nil {
			c.logger.Error("persist download failure failed",
				logging.String(logging.FieldItemID, itemID),
				logging.Error(err),
			)
		}
	}

	c.mu.Lock()
	*st = next
	if offline != nil {
		c.offline[itemID] = *offline
	}
	c.mu.Unlock()

	if cause != nil {
		logging.WarnWithContext(c.logger, "download failed", "download_failed",
			logging.String(logging.FieldItemID, itemID),
			logging.String("error_kind", services.Kind(cause)),
			logging.Error(cause),
			logging.String(logging.FieldImpact, "item is not available offline"),
		)
	} else {
		c.logger.Info("download completed",
			logging.String(logging.FieldItemID, itemID),
			logging.String("local_file", localFile),
			logging.String("size", humanize.IBytes(uint64(next.Progress.BytesTotal))),
		)
	}
	c.bus.Publish(Event{ItemID: itemID, State: next, Err: cause})
}

func (c *Coordinator) publish(st State) {
	c.bus.Publish(Event{ItemID: st.ItemID, State: st})
}

func uniquePaths(paths ...string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
