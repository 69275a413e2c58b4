package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeClient()
	c.normalizeNetwork()
	c.normalizeDownloads()
	c.normalizeLibrary()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		c.Paths.DownloadDir = defaultDownloadDir
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeClient() {
	c.Client.Name = strings.TrimSpace(c.Client.Name)
	if c.Client.Name == "" {
		c.Client.Name = defaultClientName
	}
	c.Client.Version = strings.TrimSpace(c.Client.Version)
	if c.Client.Version == "" {
		c.Client.Version = defaultClientVersion
	}
	c.Client.DeviceName = strings.TrimSpace(c.Client.DeviceName)
	if c.Client.DeviceName == "" {
		if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
			c.Client.DeviceName = host
		} else {
			c.Client.DeviceName = defaultDeviceName
		}
	}
}

func (c *Config) normalizeNetwork() {
	c.Network.DefaultServerURL = strings.TrimSpace(c.Network.DefaultServerURL)
	if c.Network.DefaultServerURL == "" {
		if value, ok := os.LookupEnv("FINCH_SERVER_URL"); ok {
			c.Network.DefaultServerURL = strings.TrimSpace(value)
		}
	}
	if c.Network.RequestTimeoutSeconds == 0 {
		c.Network.RequestTimeoutSeconds = defaultRequestTimeoutSeconds
	}
}

func (c *Config) normalizeDownloads() {
	if c.Downloads.MaxConcurrent == 0 {
		c.Downloads.MaxConcurrent = defaultMaxConcurrentDownloads
	}
	if c.Downloads.ProgressPersistIntervalMS == 0 {
		c.Downloads.ProgressPersistIntervalMS = defaultProgressPersistIntervalMS
	}
}

func (c *Config) normalizeLibrary() {
	if c.Library.RefreshConcurrency == 0 {
		c.Library.RefreshConcurrency = defaultRefreshConcurrency
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
