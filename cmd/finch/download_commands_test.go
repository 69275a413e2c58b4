package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"finch/internal/downloads"
	"finch/internal/services"
	"finch/internal/services/jellyfin"
	"finch/internal/testsupport"
)

func TestDownloadFetchListShowDelete(t *testing.T) {
	env := setupCLITestEnv(t)
	item := jellyfin.Item{ID: "movie-1", Name: "Arrival", Type: "Movie", Container: "mkv", ProductionYear: 2016}
	payload := testsupport.Payload(64 * 1024)
	env.fake.AddDownload(item, payload)
	signIn(t, env)

	out := mustRunCLI(t, env, "", "download", "fetch", "movie-1")
	requireContains(t, out, "Downloaded Arrival to ")

	want := filepath.Join(env.cfg.Paths.DownloadDir, "srv-main", "movie-1.mkv")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if len(data) != len(payload) {
		t.Fatalf("expected %d bytes, got %d", len(payload), len(data))
	}

	out = mustRunCLI(t, env, "", "download", "list")
	requireContains(t, out, "Arrival")
	requireContains(t, out, "Downloaded")
	requireContains(t, out, "100%")

	listed := decodeJSON[[]downloads.State](t, mustRunCLI(t, env, "", "--json", "download", "list", "--status", "failed"))
	if len(listed) != 0 {
		t.Fatalf("expected no failed downloads, got %+v", listed)
	}

	detail := decodeJSON[downloadDetailJSON](t, mustRunCLI(t, env, "", "--json", "download", "show", "movie-1"))
	if detail.Status != downloads.StatusDownloaded || detail.LocalFile != want {
		t.Fatalf("unexpected detail %+v", detail.State)
	}
	if detail.Offline == nil || detail.Offline.Name != "Arrival" || detail.Offline.ProductionYear != 2016 {
		t.Fatalf("expected offline metadata, got %+v", detail.Offline)
	}

	fetches := env.fake.Requests("/Items/movie-1/Download")
	mustRunCLI(t, env, "", "download", "fetch", "movie-1")
	if got := env.fake.Requests("/Items/movie-1/Download"); got != fetches {
		t.Fatalf("fetching a downloaded item must not transfer again, requests %d -> %d", fetches, got)
	}

	out = mustRunCLI(t, env, "", "download", "delete", "movie-1")
	requireContains(t, out, "Removed 1 download(s)")
	if testsupport.FileExists(t, want) {
		t.Fatal("expected downloaded file to be removed")
	}
	if _, _, err := runCLI(t, env, "", "download", "show", "movie-1"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDownloadFetchRequiresSignIn(t *testing.T) {
	env := setupCLITestEnv(t)
	mustRunCLI(t, env, "", "server", "add", testServerURL)

	_, _, err := runCLI(t, env, "", "download", "fetch", "movie-1")
	if !errors.Is(err, services.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestDownloadMissingFileBecomesFailedAndRetries(t *testing.T) {
	env := setupCLITestEnv(t)
	item := jellyfin.Item{ID: "movie-1", Name: "Arrival", Type: "Movie", Container: "mkv"}
	env.fake.AddDownload(item, testsupport.Payload(4096))
	signIn(t, env)
	mustRunCLI(t, env, "", "download", "fetch", "movie-1")

	path := filepath.Join(env.cfg.Paths.DownloadDir, "srv-main", "movie-1.mkv")
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove download: %v", err)
	}

	detail := decodeJSON[downloadDetailJSON](t, mustRunCLI(t, env, "", "--json", "download", "show", "movie-1"))
	if detail.Status != downloads.StatusFailed || detail.Error != downloads.MissingFileReason {
		t.Fatalf("expected missing file failure, got %+v", detail.State)
	}

	out := mustRunCLI(t, env, "", "download", "retry", "movie-1")
	requireContains(t, out, "Downloaded Arrival")
	if !testsupport.FileExists(t, path) {
		t.Fatal("expected retry to restore the file")
	}
}

func TestDownloadDeleteUnknownItem(t *testing.T) {
	env := setupCLITestEnv(t)

	stdout, stderr, err := runCLI(t, env, "", "download", "delete", "nope")
	if err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
	requireContains(t, stdout, "Removed 0 download(s)")
	requireContains(t, stderr, "No download for nope")
}

func TestDownloadListRejectsUnknownStatus(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env, "", "download", "list", "--status", "paused"); err == nil {
		t.Fatal("expected unknown status error")
	}
}
