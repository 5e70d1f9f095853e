// Package config provides loading and environment overlay for the
// document broker's runtime configuration. It exposes a Default()
// baseline and helpers to construct an Options struct for the runtime.
//
// Example:
//
//	cfg := config.Default()
//	// Optionally load from file and overlay env vars
//	if fileCfg, err := config.Load("/etc/inkbroker.json"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	// Pass cfg into runtime.Options
//	rt, _ := runtime.Open(runtime.Options{DataDir: "/var/lib/inkbroker", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
package config
