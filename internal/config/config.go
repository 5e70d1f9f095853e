package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Config is the top-level configuration loaded from file/env. Field names
// and defaults mirror the options named by the coordination engine plus
// the ambient additions needed to run a real process.
type Config struct {
	// per_document.idle_timeout_secs — inactivity threshold after which a
	// broker self-destructs.
	IdleTimeoutSecs int `json:"idleTimeoutSecs"`
	// autosave.autosaving — seconds since the last completed save after
	// which a modified document is autosaved on the next poll tick even
	// if it is not idle. No forced autosave runs on a timer.
	AutosaveIntervalSecs int `json:"autosaveIntervalSecs"`
	// inactivity threshold before a non-forced autosave is allowed to fire.
	IdleSaveSecs int `json:"idleSaveSecs"`
	// per-command deadline bounding saves and child spawn.
	CommandTimeoutSecs int `json:"commandTimeoutSecs"`
	// poll loop wakeup cadence.
	PollTimeoutMs int `json:"pollTimeoutMs"`

	StorageWopiTokenDBPath string `json:"storageWopiTokendbPath"`
	SSLEnable              bool   `json:"sslEnable"`
	SSLTermination         string `json:"sslTermination"`
	TileCachePersistent    bool   `json:"tileCachePersistent"`

	ChildRoot                string `json:"childRoot"`
	TileCacheRoot            string `json:"tileCacheRoot"`
	ChildPoolSize            int    `json:"childPoolSize"`
	ChildSpawnRetryBackoffMs int    `json:"childSpawnRetryBackoffMs"`

	DataDir         string `json:"dataDir"`
	AdminListenAddr string `json:"adminListenAddr"`
}

// Default returns built-in defaults, using a stated value where one is
// given and a conservative fallback otherwise.
func Default() Config {
	return Config{
		IdleTimeoutSecs:          3600,
		AutosaveIntervalSecs:     30,
		IdleSaveSecs:             30,
		CommandTimeoutSecs:       30,
		PollTimeoutMs:            500,
		StorageWopiTokenDBPath:   "",
		SSLEnable:                false,
		SSLTermination:           "",
		TileCachePersistent:      false,
		ChildRoot:                "./data/jails",
		TileCacheRoot:            "./data/tilecache",
		ChildPoolSize:            4,
		ChildSpawnRetryBackoffMs: 200,
		DataDir:                  "",
		AdminListenAddr:          ":8081",
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported yet; use JSON for now")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
