package downloads_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"finch/internal/config"
	"finch/internal/downloads"
	"finch/internal/logging"
	"finch/internal/services/jellyfin"
	"finch/internal/storage"
	"finch/internal/testsupport"
)

// stubTransferer runs fn for each transfer and counts calls.
type stubTransferer struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req downloads.Request, progress downloads.ProgressFunc) (string, error)
}

func (s *stubTransferer) Transfer(ctx context.Context, req downloads.Request, progress downloads.ProgressFunc) (string, error) {
	s.calls.Add(1)
	return s.fn(ctx, req, progress)
}

func writingTransferer(size int) *stubTransferer {
	return &stubTransferer{fn: func(_ context.Context, req downloads.Request, progress downloads.ProgressFunc) (string, error) {
		if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(req.Destination, testsupport.Payload(size), 0o644); err != nil {
			return "", err
		}
		progress(int64(size), int64(size))
		return req.Destination, nil
	}}
}

// blockingTransferer signals started and waits for cancellation.
func blockingTransferer(started chan<- downloads.Request) *stubTransferer {
	return &stubTransferer{fn: func(ctx context.Context, req downloads.Request, _ downloads.ProgressFunc) (string, error) {
		started <- req
		<-ctx.Done()
		return "", ctx.Err()
	}}
}

func testSource(itemID string) downloads.Source {
	item := jellyfin.Item{
		ID:        itemID,
		Name:      "Movie " + itemID,
		Type:      "Movie",
		Overview:  "An overview",
		Genres:    []string{"Drama", "Comedy"},
		ImageTags: map[string]string{"Primary": "tag-1"},
		Container: "mkv",
		UserData:  &jellyfin.UserData{PlaybackPositionTicks: 42, IsFavorite: true},
	}
	return downloads.Source{
		ServerID: "srv-1",
		URL:      "https://media.example.com/Items/" + itemID + "/Download",
		Metadata: downloads.OfflineItemFromRemote("srv-1", item),
	}
}

func openCoordinator(t *testing.T, cfg *config.Config, db *storage.DB, tr downloads.Transferer, opts ...downloads.Option) *downloads.Coordinator {
	t.Helper()
	c, err := downloads.Open(context.Background(), db, tr, cfg, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, c *downloads.Coordinator, itemID string) downloads.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := c.WaitFor(ctx, itemID)
	if err != nil {
		t.Fatalf("WaitFor %s: %v (last state %+v)", itemID, err, st)
	}
	return st
}

func receive(t *testing.T, ch <-chan downloads.Request) downloads.Request {
	t.Helper()
	select {
	case req := <-ch:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("transfer never started")
		return downloads.Request{}
	}
}

func TestRequestDownloadIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	started := make(chan downloads.Request, 4)
	tr := blockingTransferer(started)
	c := openCoordinator(t, cfg, db, tr)
	ctx := context.Background()

	first, err := c.RequestDownload(ctx, "item-1", testSource("item-1"))
	if err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	if first.Status != downloads.StatusQueued {
		t.Fatalf("expected queued, got %s", first.Status)
	}
	receive(t, started)

	second, err := c.RequestDownload(ctx, "item-1", testSource("item-1"))
	if err != nil {
		t.Fatalf("RequestDownload again: %v", err)
	}
	if second.ItemID != first.ItemID || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("expected existing state, got %+v", second)
	}
	if got := tr.calls.Load(); got != 1 {
		t.Fatalf("expected a single transfer, got %d", got)
	}
	if n := len(c.ActiveDownloads()); n != 1 {
		t.Fatalf("expected one download, got %d", n)
	}
}

func TestRequestDownloadValidatesInput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	c := openCoordinator(t, cfg, testsupport.MustOpenDB(t, cfg), writingTransferer(1))
	if _, err := c.RequestDownload(context.Background(), " ", testSource("x")); err == nil {
		t.Fatal("expected error for empty item id")
	}
	if _, err := c.RequestDownload(context.Background(), "x", downloads.Source{}); err == nil {
		t.Fatal("expected error for missing source url")
	}
}

func TestCompletedDownloadKeepsOfflineMetadataAndDeleteRemovesIt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	c := openCoordinator(t, cfg, db, writingTransferer(2048))
	ctx := context.Background()

	if _, err := c.RequestDownload(ctx, "item-2", testSource("item-2")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	st := waitFor(t, c, "item-2")
	if st.Status != downloads.StatusDownloaded {
		t.Fatalf("expected downloaded, got %+v", st)
	}
	if st.Progress.BytesTotal != 2048 || st.Progress.Percent() != 100 {
		t.Fatalf("unexpected progress %+v", st.Progress)
	}
	if !testsupport.FileExists(t, st.LocalFile) {
		t.Fatalf("expected file at %s", st.LocalFile)
	}
	if !strings.HasSuffix(st.LocalFile, "item-2.mkv") {
		t.Fatalf("unexpected local file name %s", st.LocalFile)
	}

	offline, ok := c.OfflineItem("item-2")
	if !ok {
		t.Fatal("expected offline item")
	}
	if offline.Name != "Movie item-2" || offline.Overview == "" || len(offline.Genres) != 2 {
		t.Fatalf("offline metadata incomplete: %+v", offline)
	}
	if offline.ImageTags["Primary"] != "tag-1" || offline.UserData == nil || offline.UserData.PlaybackPositionTicks != 42 {
		t.Fatalf("offline metadata lost image tags or user data: %+v", offline)
	}
	if offline.LocalFile != st.LocalFile {
		t.Fatalf("offline item points at %s, want %s", offline.LocalFile, st.LocalFile)
	}

	if err := c.DeleteDownload(ctx, "item-2"); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	if testsupport.FileExists(t, st.LocalFile) {
		t.Fatal("expected file to be removed")
	}
	if _, ok := c.ActiveDownloads()["item-2"]; ok {
		t.Fatal("expected state to be removed")
	}
	if _, ok := c.OfflineItem("item-2"); ok {
		t.Fatal("expected offline item to be removed")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened := openCoordinator(t, cfg, db, writingTransferer(1))
	if len(reopened.ActiveDownloads()) != 0 {
		t.Fatalf("expected deletion to persist, got %+v", reopened.ActiveDownloads())
	}
}

func TestDeleteRemovesOfflineRowOnAnyConnection(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	c := openCoordinator(t, cfg, db, writingTransferer(32))
	ctx := context.Background()

	if _, err := c.RequestDownload(ctx, "item-x", testSource("item-x")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	if st := waitFor(t, c, "item-x"); st.Status != downloads.StatusDownloaded {
		t.Fatalf("expected downloaded, got %+v", st)
	}

	held, err := db.Query(ctx, "SELECT item_id FROM downloads")
	if err != nil {
		t.Fatalf("hold connection: %v", err)
	}
	if err := c.DeleteDownload(ctx, "item-x"); err != nil {
		_ = held.Close()
		t.Fatalf("DeleteDownload: %v", err)
	}
	_ = held.Close()

	var count int
	if err := db.QueryRow(ctx, "SELECT COUNT(1) FROM offline_items WHERE item_id = 'item-x'").Scan(&count); err != nil {
		t.Fatalf("count offline items: %v", err)
	}
	if count != 0 {
		t.Fatalf("offline metadata survived delete: %d rows", count)
	}
}

func TestDeleteUnknownItemIsNoop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	c := openCoordinator(t, cfg, testsupport.MustOpenDB(t, cfg), writingTransferer(1))
	if err := c.DeleteDownload(context.Background(), "nope"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestOpenReconcilesMissingFileToFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	c := openCoordinator(t, cfg, db, writingTransferer(64))
	ctx := context.Background()

	if _, err := c.RequestDownload(ctx, "item-3", testSource("item-3")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	st := waitFor(t, c, "item-3")
	if st.Status != downloads.StatusDownloaded {
		t.Fatalf("expected downloaded, got %+v", st)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.Remove(st.LocalFile); err != nil {
		t.Fatalf("remove file: %v", err)
	}

	reopened := openCoordinator(t, cfg, db, writingTransferer(64))
	got, ok := reopened.ActiveDownloads()["item-3"]
	if !ok {
		t.Fatal("expected entry to survive reopen")
	}
	if got.Status != downloads.StatusFailed || got.Error != downloads.MissingFileReason {
		t.Fatalf("expected failed with missing-file reason, got %+v", got)
	}
	if _, ok := reopened.OfflineItem("item-3"); ok {
		t.Fatal("offline item must not be served for a missing file")
	}
}

func TestOpenMarksInterruptedTransfersFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	started := make(chan downloads.Request, 1)
	c := openCoordinator(t, cfg, db, blockingTransferer(started))

	if _, err := c.RequestDownload(context.Background(), "item-4", testSource("item-4")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	receive(t, started)
	c.OnProgress("item-4", 10, 100)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openCoordinator(t, cfg, db, writingTransferer(1))
	got := reopened.ActiveDownloads()["item-4"]
	if got.Status != downloads.StatusFailed || got.Error != downloads.InterruptedReason {
		t.Fatalf("expected interrupted download to be failed, got %+v", got)
	}
}

func TestOnProgressMovesQueuedToDownloadingAndPublishes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	started := make(chan downloads.Request, 1)
	c := openCoordinator(t, cfg, testsupport.MustOpenDB(t, cfg), blockingTransferer(started))
	events, cancel := c.Subscribe()
	defer cancel()

	if _, err := c.RequestDownload(context.Background(), "item-5", testSource("item-5")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	receive(t, started)
	c.OnProgress("item-5", 25, 100)

	st, _ := c.Get("item-5")
	if st.Status != downloads.StatusDownloading {
		t.Fatalf("expected downloading, got %s", st.Status)
	}
	if st.Progress.Percent() != 25 {
		t.Fatalf("expected 25%%, got %v", st.Progress.Percent())
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.ItemID == "item-5" && ev.State.Status == downloads.StatusDownloading {
				return
			}
		case <-deadline:
			t.Fatal("expected downloading event")
		}
	}
}

func TestDeleteDuringTransferIgnoresLateCallbacks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	started := make(chan downloads.Request, 1)
	var lateOnce sync.Once
	tr := &stubTransferer{fn: func(ctx context.Context, req downloads.Request, progress downloads.ProgressFunc) (string, error) {
		started <- req
		<-ctx.Done()
		lateOnce.Do(func() { progress(99, 100) })
		return "", ctx.Err()
	}}
	c := openCoordinator(t, cfg, db, tr)
	ctx := context.Background()

	if _, err := c.RequestDownload(ctx, "item-6", testSource("item-6")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	req := receive(t, started)
	testsupport.WriteFile(t, downloads.PartialPath(req.Destination), 16)

	if err := c.DeleteDownload(ctx, "item-6"); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	c.OnProgress("item-6", 50, 100)
	c.OnComplete("item-6", req.Destination)
	c.OnFailure("item-6", errors.New("late"))

	if _, ok := c.Get("item-6"); ok {
		t.Fatal("late callbacks must not resurrect a deleted download")
	}
	if testsupport.FileExists(t, downloads.PartialPath(req.Destination)) {
		t.Fatal("expected partial file to be removed")
	}
}

func TestDeleteWaitsForTransferToStopBeforeCleanup(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	started := make(chan downloads.Request, 1)
	tr := &stubTransferer{fn: func(ctx context.Context, req downloads.Request, _ downloads.ProgressFunc) (string, error) {
		started <- req
		<-ctx.Done()
		// Finishing the move after cancellation was observed late.
		time.Sleep(300 * time.Millisecond)
		if err := os.MkdirAll(filepath.Dir(req.Destination), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(req.Destination, testsupport.Payload(8), 0o644); err != nil {
			return "", err
		}
		return "", ctx.Err()
	}}
	c := openCoordinator(t, cfg, testsupport.MustOpenDB(t, cfg), tr)

	if _, err := c.RequestDownload(context.Background(), "item-9", testSource("item-9")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	req := receive(t, started)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.DeleteDownload(ctx, "item-9"); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if testsupport.FileExists(t, req.Destination) {
		t.Fatalf("file left behind at %s", req.Destination)
	}
}

func TestFailedDownloadIsRetried(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	var calls atomic.Int32
	ok := writingTransferer(128)
	tr := &stubTransferer{fn: func(ctx context.Context, req downloads.Request, progress downloads.ProgressFunc) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("connection reset")
		}
		return ok.fn(ctx, req, progress)
	}}
	c := openCoordinator(t, cfg, testsupport.MustOpenDB(t, cfg), tr)
	ctx := context.Background()

	if _, err := c.RequestDownload(ctx, "item-7", testSource("item-7")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	st := waitFor(t, c, "item-7")
	if st.Status != downloads.StatusFailed || !strings.Contains(st.Error, "connection reset") {
		t.Fatalf("expected failure to be retained, got %+v", st)
	}
	if calls.Load() != 1 {
		t.Fatalf("failures must not retry automatically, saw %d calls", calls.Load())
	}

	if _, err := c.Retry(ctx, "item-7"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	st = waitFor(t, c, "item-7")
	if st.Status != downloads.StatusDownloaded || st.Error != "" {
		t.Fatalf("expected retry to succeed, got %+v", st)
	}

	again, err := c.RequestDownload(ctx, "item-7", testSource("item-7"))
	if err != nil {
		t.Fatalf("RequestDownload after success: %v", err)
	}
	if again.Status != downloads.StatusDownloaded || calls.Load() != 2 {
		t.Fatalf("expected finished download to be returned as-is, got %+v after %d calls", again, calls.Load())
	}

	if _, err := c.Retry(ctx, "missing"); err == nil {
		t.Fatal("expected error retrying unknown item")
	}
}

func TestInsufficientSpaceFailsBeforeTransfer(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMinFreeSpace(64))
	tr := writingTransferer(1)
	c := openCoordinator(t, cfg, testsupport.MustOpenDB(t, cfg), tr,
		downloads.WithFreeSpaceFunc(func(string) (uint64, error) { return 1024, nil }),
	)

	if _, err := c.RequestDownload(context.Background(), "item-8", testSource("item-8")); err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	st := waitFor(t, c, "item-8")
	if st.Status != downloads.StatusFailed || !strings.Contains(st.Error, "insufficient free space") {
		t.Fatalf("expected free-space failure, got %+v", st)
	}
	if tr.calls.Load() != 0 {
		t.Fatal("transfer must not start without free space")
	}
}

func TestConcurrentTransfersAreBounded(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithMaxConcurrentDownloads(1))
	started := make(chan downloads.Request, 4)
	c := openCoordinator(t, cfg, testsupport.MustOpenDB(t, cfg), blockingTransferer(started))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := c.RequestDownload(ctx, id, testSource(id)); err != nil {
			t.Fatalf("RequestDownload %s: %v", id, err)
		}
	}
	first := receive(t, started)
	select {
	case req := <-started:
		t.Fatalf("second transfer %s started while the first held the only slot", req.ItemID)
	case <-time.After(100 * time.Millisecond):
	}
	if err := c.DeleteDownload(ctx, first.ItemID); err != nil {
		t.Fatalf("DeleteDownload: %v", err)
	}
	receive(t, started)
}
