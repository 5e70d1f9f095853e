package config

import (
	"os"
	"strconv"
)

// FromEnv overlays INKBROKER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("INKBROKER_IDLE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleTimeoutSecs = n
		}
	}
	if v := os.Getenv("INKBROKER_AUTOSAVE_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AutosaveIntervalSecs = n
		}
	}
	if v := os.Getenv("INKBROKER_IDLE_SAVE_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleSaveSecs = n
		}
	}
	if v := os.Getenv("INKBROKER_COMMAND_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CommandTimeoutSecs = n
		}
	}
	if v := os.Getenv("INKBROKER_POLL_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollTimeoutMs = n
		}
	}
	if v := os.Getenv("INKBROKER_STORAGE_WOPI_TOKENDB_PATH"); v != "" {
		cfg.StorageWopiTokenDBPath = v
	}
	if v := os.Getenv("INKBROKER_SSL_ENABLE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.SSLEnable = b
		}
	}
	if v := os.Getenv("INKBROKER_SSL_TERMINATION"); v != "" {
		cfg.SSLTermination = v
	}
	if v := os.Getenv("INKBROKER_TILE_CACHE_PERSISTENT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TileCachePersistent = b
		}
	}
	if v := os.Getenv("INKBROKER_CHILD_ROOT"); v != "" {
		cfg.ChildRoot = v
	}
	if v := os.Getenv("INKBROKER_TILE_CACHE_ROOT"); v != "" {
		cfg.TileCacheRoot = v
	}
	if v := os.Getenv("INKBROKER_CHILD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChildPoolSize = n
		}
	}
	if v := os.Getenv("INKBROKER_CHILD_SPAWN_RETRY_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChildSpawnRetryBackoffMs = n
		}
	}
	if v := os.Getenv("INKBROKER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("INKBROKER_ADMIN_LISTEN_ADDR"); v != "" {
		cfg.AdminListenAddr = v
	}
}
