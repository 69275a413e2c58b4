package config

const (
	defaultConfigPath                = "~/.config/finch/config.toml"
	defaultStateDir                  = "~/.local/share/finch"
	defaultDownloadDir               = "~/.local/share/finch/downloads"
	defaultLogDir                    = "~/.local/share/finch/logs"
	defaultClientName                = "Finch"
	defaultClientVersion             = "0.1.0"
	defaultDeviceName                = "finch-cli"
	defaultRequestTimeoutSeconds     = 30
	defaultMaxConcurrentDownloads    = 2
	defaultProgressPersistIntervalMS = 500
	defaultMinFreeSpaceMiB           = 256
	defaultRefreshConcurrency        = 4
	defaultLibraryCacheTTLSeconds    = 300
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:    defaultStateDir,
			DownloadDir: defaultDownloadDir,
			LogDir:      defaultLogDir,
		},
		Client: Client{
			Name:       defaultClientName,
			Version:    defaultClientVersion,
			DeviceName: defaultDeviceName,
		},
		Network: Network{
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
		},
		Downloads: Downloads{
			MaxConcurrent:             defaultMaxConcurrentDownloads,
			ProgressPersistIntervalMS: defaultProgressPersistIntervalMS,
			MinFreeSpaceMiB:           defaultMinFreeSpaceMiB,
		},
		Library: Library{
			RefreshConcurrency: defaultRefreshConcurrency,
			CacheTTLSeconds:    defaultLibraryCacheTTLSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
