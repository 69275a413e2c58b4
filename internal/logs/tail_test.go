package logs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"finch/internal/logs"
)

const consoleSample = `2026-01-02 15:04:05 INFO  [auth] srv-1: login succeeded  user=alice
2026-01-02 15:04:06 DEBUG [downloads] movie-1: progress  bytes=10
2026-01-02 15:04:07 WARN  [downloads] movie-1: download failed  error=boom
2026-01-02 15:04:08 INFO  [library] libraries refreshed  count=2
`

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finch.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestTailLastLines(t *testing.T) {
	path := writeLog(t, "a\nb\nc\n")

	lines, offset, err := logs.Tail(path, 2, logs.Filter{})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 2 || lines[0] != "b" || lines[1] != "c" {
		t.Fatalf("unexpected lines: %#v", lines)
	}
	if offset != 6 {
		t.Fatalf("expected offset 6, got %d", offset)
	}
}

func TestTailMissingFile(t *testing.T) {
	lines, offset, err := logs.Tail(filepath.Join(t.TempDir(), "absent.log"), 10, logs.Filter{})
	if err != nil || len(lines) != 0 || offset != 0 {
		t.Fatalf("expected empty result, got %v %d %v", lines, offset, err)
	}
}

func TestTailLeavesPartialLine(t *testing.T) {
	path := writeLog(t, "done\npart")

	lines, offset, err := logs.Tail(path, 5, logs.Filter{})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 1 || offset != 5 {
		t.Fatalf("expected only the complete line, got %#v offset %d", lines, offset)
	}
}

func TestTailFiltersConsoleLines(t *testing.T) {
	path := writeLog(t, consoleSample)

	lines, _, err := logs.Tail(path, 10, logs.Filter{Component: "downloads"})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected two download lines, got %#v", lines)
	}

	lines, _, _ = logs.Tail(path, 10, logs.Filter{ItemID: "movie-1", Level: "warn"})
	if len(lines) != 1 || !strings.Contains(lines[0], "download failed") {
		t.Fatalf("expected the warning only, got %#v", lines)
	}

	lines, _, _ = logs.Tail(path, 10, logs.Filter{Level: "info"})
	if len(lines) != 3 {
		t.Fatalf("expected debug line dropped, got %#v", lines)
	}
}

func TestFilterMatchesJSONLines(t *testing.T) {
	line := `{"ts":"2026-01-02T15:04:05Z","level":"error","msg":"download failed","component":"downloads","item_id":"movie-9"}`

	if !(logs.Filter{Component: "downloads", ItemID: "movie-9", Level: "warn"}).Match(line) {
		t.Fatal("expected JSON line to match")
	}
	if (logs.Filter{Component: "auth"}).Match(line) {
		t.Fatal("expected component mismatch")
	}
}

func TestParseLevel(t *testing.T) {
	if lvl, err := logs.ParseLevel(" WARN "); err != nil || lvl != "warn" {
		t.Fatalf("ParseLevel: %q %v", lvl, err)
	}
	if _, err := logs.ParseLevel("loud"); err == nil {
		t.Fatal("expected unknown level error")
	}
}

func TestFollowEmitsAppendedLines(t *testing.T) {
	path := writeLog(t, "start\n")
	_, offset, err := logs.Tail(path, 1, logs.Filter{})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- logs.Follow(ctx, path, offset, logs.Filter{}, func(line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
		})
	}()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("later\n"); err != nil {
		t.Fatalf("append log: %v", err)
	}
	_ = f.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("follow did not emit the appended line")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "later" {
		t.Fatalf("unexpected follow lines: %#v", got)
	}
}
