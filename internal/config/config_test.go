package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"finch/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("FINCH_SERVER_URL", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantState := filepath.Join(tempHome, ".local", "share", "finch")
	if cfg.Paths.StateDir != wantState {
		t.Fatalf("unexpected state dir: got %q want %q", cfg.Paths.StateDir, wantState)
	}
	if cfg.Paths.DownloadDir != filepath.Join(wantState, "downloads") {
		t.Fatalf("unexpected download dir: %q", cfg.Paths.DownloadDir)
	}
	if cfg.CredentialsPath() != filepath.Join(wantState, "credentials.json") {
		t.Fatalf("unexpected credentials path: %q", cfg.CredentialsPath())
	}
	if cfg.RequestTimeout() != 30*time.Second {
		t.Fatalf("unexpected request timeout: %v", cfg.RequestTimeout())
	}
	if cfg.Client.DeviceName == "" {
		t.Fatal("expected device name to default")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.StateDir, cfg.Paths.DownloadDir, cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
	info, err := os.Stat(cfg.Paths.StateDir)
	if err != nil {
		t.Fatalf("stat state dir: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("expected state dir to be private, got %o", perm)
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "finch.toml")

	type payload struct {
		Client struct {
			Name string `toml:"name"`
		} `toml:"client"`
		Downloads struct {
			MaxConcurrent int `toml:"max_concurrent"`
		} `toml:"downloads"`
		Logging struct {
			Format string `toml:"format"`
		} `toml:"logging"`
	}
	custom := payload{}
	custom.Client.Name = "  Finch Test  "
	custom.Downloads.MaxConcurrent = 5
	custom.Logging.Format = "JSON"
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.Client.Name != "Finch Test" {
		t.Fatalf("expected trimmed client name, got %q", cfg.Client.Name)
	}
	if cfg.Downloads.MaxConcurrent != 5 {
		t.Fatalf("expected max concurrent 5, got %d", cfg.Downloads.MaxConcurrent)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected normalized json format, got %q", cfg.Logging.Format)
	}
}

func TestLoadUsesServerURLFromEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FINCH_SERVER_URL", " https://media.example.com ")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Network.DefaultServerURL != "https://media.example.com" {
		t.Fatalf("expected server url from env, got %q", cfg.Network.DefaultServerURL)
	}
}

func TestValidateRejectsNonPositiveValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"timeout", func(c *config.Config) { c.Network.RequestTimeoutSeconds = -1 }, "network.request_timeout_seconds"},
		{"concurrency", func(c *config.Config) { c.Downloads.MaxConcurrent = -2 }, "downloads.max_concurrent"},
		{"free space", func(c *config.Config) { c.Downloads.MinFreeSpaceMiB = -1 }, "downloads.min_free_space_mib"},
		{"server url", func(c *config.Config) { c.Network.DefaultServerURL = "not a url" }, "network.default_server_url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(target); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(target); err != nil || !exists {
		t.Fatalf("expected sample to load, exists=%v err=%v", exists, err)
	}
}
