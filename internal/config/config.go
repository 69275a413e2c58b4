package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	DownloadDir string `toml:"download_dir"`
	LogDir      string `toml:"log_dir"`
}

// Client describes how finch identifies itself to Jellyfin servers.
type Client struct {
	Name       string `toml:"name"`
	Version    string `toml:"version"`
	DeviceName string `toml:"device_name"`
}

// Network contains HTTP transport settings for the Jellyfin client.
type Network struct {
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	DefaultServerURL      string `toml:"default_server_url"`
}

// Downloads contains offline download settings.
type Downloads struct {
	MaxConcurrent             int `toml:"max_concurrent"`
	ProgressPersistIntervalMS int `toml:"progress_persist_interval_ms"`
	MinFreeSpaceMiB           int `toml:"min_free_space_mib"`
}

// Library contains library browsing settings.
type Library struct {
	RefreshConcurrency int `toml:"refresh_concurrency"`
	CacheTTLSeconds    int `toml:"cache_ttl_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for finch.
//
// Configuration sections by subsystem:
//   - Paths: state (credentials, database), downloads, and logs
//   - Client: device identity presented to Jellyfin
//   - Network: request timeout and an optional default server
//   - Downloads: transfer concurrency, progress persistence, free space floor
//   - Library: bulk refresh fan-out and cache lifetime
//   - Logging: log format and level
type Config struct {
	Paths     Paths     `toml:"paths"`
	Client    Client    `toml:"client"`
	Network   Network   `toml:"network"`
	Downloads Downloads `toml:"downloads"`
	Library   Library   `toml:"library"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("finch.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories finch writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.DownloadDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	// Credentials live under the state dir; keep it private.
	if err := os.Chmod(c.Paths.StateDir, 0o700); err != nil {
		return fmt.Errorf("restrict state directory %q: %w", c.Paths.StateDir, err)
	}
	return nil
}

// CredentialsPath is the file backing the secure credential store.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.Paths.StateDir, "credentials.json")
}

// DatabasePath is the SQLite database holding history and download state.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "finch.db")
}

// LogPath is the file log records are appended to.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "finch.log")
}

// RequestTimeout returns the per-request HTTP timeout.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Network.RequestTimeoutSeconds) * time.Second
}

// ProgressPersistInterval returns the minimum spacing between persisted progress writes per item.
func (c *Config) ProgressPersistInterval() time.Duration {
	return time.Duration(c.Downloads.ProgressPersistIntervalMS) * time.Millisecond
}

// LibraryCacheTTL returns how long refreshed library listings stay cached.
func (c *Config) LibraryCacheTTL() time.Duration {
	return time.Duration(c.Library.CacheTTLSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
