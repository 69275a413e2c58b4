package testsupport

import (
	"path/filepath"
	"testing"

	"finch/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Client.DeviceName = "finch-test"
	cfgVal.Downloads.MinFreeSpaceMiB = 0
	cfgVal.Downloads.ProgressPersistIntervalMS = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure test directories: %v", err)
	}
	return builder.cfg
}

// WithServerURL sets the default server URL.
func WithServerURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Network.DefaultServerURL = url
	}
}

// WithMinFreeSpace sets the download free-space floor in MiB.
func WithMinFreeSpace(mib int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Downloads.MinFreeSpaceMiB = mib
	}
}

// WithMaxConcurrentDownloads caps parallel transfers.
func WithMaxConcurrentDownloads(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Downloads.MaxConcurrent = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
