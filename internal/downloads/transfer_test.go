package downloads_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"finch/internal/downloads"
	"finch/internal/logging"
	"finch/internal/services/jellyfin"
	"finch/internal/testsupport"
)

var transferIdentity = jellyfin.Identity{Client: "Finch", Device: "test", DeviceID: "dev-1", Version: "0.1.0"}

func signedInClient(t *testing.T, fake *testsupport.FakeJellyfin) *jellyfin.Client {
	t.Helper()
	fake.AddUser("alice", "pw")
	client := jellyfin.NewClient(fake.URL, transferIdentity, nil)
	resp, err := client.Authenticate(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	return client.WithToken(resp.AccessToken)
}

func TestHTTPTransfererStreamsIntoDestination(t *testing.T) {
	fake := testsupport.NewFakeJellyfin(t, "srv-1")
	client := signedInClient(t, fake)
	data := testsupport.Payload(300 * 1024)
	fake.AddDownload(jellyfin.Item{ID: "movie-1", Name: "Movie"}, data)

	tr := downloads.NewHTTPTransferer(nil, logging.NewNop(),
		downloads.WithAuthorizer(func(serverID string) (downloads.Authorizer, error) {
			if serverID != "srv-1" {
				t.Errorf("unexpected server id %q", serverID)
			}
			return client, nil
		}),
	)
	dest := filepath.Join(t.TempDir(), "srv-1", "movie-1.mkv")
	var last, total int64
	got, err := tr.Transfer(context.Background(), downloads.Request{
		ItemID:      "movie-1",
		ServerID:    "srv-1",
		URL:         client.DownloadURL("movie-1"),
		Destination: dest,
	}, func(received, size int64) {
		if received < last {
			t.Errorf("progress went backwards: %d after %d", received, last)
		}
		last, total = received, size
	})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got != dest {
		t.Fatalf("unexpected local file %s", got)
	}
	written, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read destination: %v", err)
	}
	if !bytes.Equal(written, data) {
		t.Fatal("downloaded bytes differ from source")
	}
	if last != int64(len(data)) || total != int64(len(data)) {
		t.Fatalf("unexpected final progress %d/%d", last, total)
	}
	if testsupport.FileExists(t, downloads.PartialPath(dest)) {
		t.Fatal("partial file should be gone")
	}
}

func TestHTTPTransfererWithoutTokenIsUnauthorized(t *testing.T) {
	fake := testsupport.NewFakeJellyfin(t, "srv-1")
	fake.AddDownload(jellyfin.Item{ID: "movie-1"}, testsupport.Payload(10))
	client := jellyfin.NewClient(fake.URL, transferIdentity, nil)

	tr := downloads.NewHTTPTransferer(nil, logging.NewNop())
	dest := filepath.Join(t.TempDir(), "movie-1")
	_, err := tr.Transfer(context.Background(), downloads.Request{
		ItemID: "movie-1", URL: client.DownloadURL("movie-1"), Destination: dest,
	}, nil)
	if !jellyfin.IsUnauthorized(err) {
		t.Fatalf("expected 401 status error, got %v", err)
	}
	if testsupport.FileExists(t, dest) {
		t.Fatal("no file should be written on failure")
	}
}

func TestHTTPTransfererCancelRemovesPartialFile(t *testing.T) {
	fake := testsupport.NewFakeJellyfin(t, "srv-1")
	client := signedInClient(t, fake)
	fake.AddDownload(jellyfin.Item{ID: "movie-2"}, testsupport.Payload(256*1024))
	release := fake.GateDownloads()
	defer release()

	tempDir := t.TempDir()
	tr := downloads.NewHTTPTransferer(nil, logging.NewNop(),
		downloads.WithAuthorizer(func(string) (downloads.Authorizer, error) { return client, nil }),
		downloads.WithTempDir(tempDir),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progressed := make(chan struct{}, 1)
	dest := filepath.Join(t.TempDir(), "movie-2.mkv")

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Transfer(ctx, downloads.Request{
			ItemID: "movie-2", URL: client.DownloadURL("movie-2"), Destination: dest,
		}, func(int64, int64) {
			select {
			case progressed <- struct{}{}:
			default:
			}
		})
		errCh <- err
	}()

	select {
	case <-progressed:
	case <-time.After(5 * time.Second):
		t.Fatal("no progress before gate")
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not stop after cancel")
	}
	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staged partial file to be removed, found %d entries", len(entries))
	}
	if testsupport.FileExists(t, dest) {
		t.Fatal("destination must not exist after cancel")
	}
}

func TestFileMoverCreatesTargetDirectory(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.part")
	testsupport.WriteFile(t, src, 32)
	target := filepath.Join(t.TempDir(), "nested", "a.mkv")
	if err := downloads.FileMover(src, target); err != nil {
		t.Fatalf("FileMover: %v", err)
	}
	if testsupport.FileExists(t, src) || !testsupport.FileExists(t, target) {
		t.Fatal("expected file to move")
	}
}

func TestCoordinatorWithHTTPTransfererEndToEnd(t *testing.T) {
	fake := testsupport.NewFakeJellyfin(t, "srv-1")
	client := signedInClient(t, fake)
	item := jellyfin.Item{ID: "ep-1", Name: "Pilot", Type: "Episode", SeriesName: "Show", Container: "mp4"}
	fake.AddDownload(item, testsupport.Payload(64*1024))

	cfg := testsupport.NewConfig(t)
	tr := downloads.NewHTTPTransferer(nil, logging.NewNop(),
		downloads.WithAuthorizer(func(string) (downloads.Authorizer, error) { return client, nil }),
	)
	c := openCoordinator(t, cfg, testsupport.MustOpenDB(t, cfg), tr)

	_, err := c.RequestDownload(context.Background(), item.ID, downloads.Source{
		ServerID: "srv-1",
		URL:      client.DownloadURL(item.ID),
		Metadata: downloads.OfflineItemFromRemote("srv-1", item),
	})
	if err != nil {
		t.Fatalf("RequestDownload: %v", err)
	}
	st := waitFor(t, c, item.ID)
	if st.Status != downloads.StatusDownloaded {
		t.Fatalf("expected downloaded, got %+v", st)
	}
	if filepath.Base(st.LocalFile) != "ep-1.mp4" {
		t.Fatalf("unexpected file name %s", st.LocalFile)
	}
	offline, ok := c.OfflineItem(item.ID)
	if !ok || offline.SeriesName != "Show" {
		t.Fatalf("expected offline metadata, got %+v %v", offline, ok)
	}
}
