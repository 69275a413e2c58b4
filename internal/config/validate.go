package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := ensurePositiveMap(map[string]int{
		"network.request_timeout_seconds":        c.Network.RequestTimeoutSeconds,
		"downloads.max_concurrent":               c.Downloads.MaxConcurrent,
		"downloads.progress_persist_interval_ms": c.Downloads.ProgressPersistIntervalMS,
		"library.refresh_concurrency":            c.Library.RefreshConcurrency,
	}); err != nil {
		return err
	}
	if c.Downloads.MinFreeSpaceMiB < 0 {
		return errors.New("downloads.min_free_space_mib must be >= 0")
	}
	if c.Library.CacheTTLSeconds < 0 {
		return errors.New("library.cache_ttl_seconds must be >= 0")
	}
	if c.Network.DefaultServerURL != "" {
		parsed, err := url.Parse(c.Network.DefaultServerURL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("network.default_server_url %q is not a valid URL", c.Network.DefaultServerURL)
		}
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if values[key] <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
