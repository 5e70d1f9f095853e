// Package serverrun exposes a shared Run entrypoint used by the CLI to
// start an inkbroker server process: storage, the broker registry, the
// kit pool, and the admin HTTP surface, handling lifecycle and
// graceful shutdown.
//
// Example:
//
//	opts := serverrun.Options{DataDir: "./data", AdminAddr: ":8081", KitEndpoint: "tcp://*:9981", Fsync: pebblestore.FsyncModeAlways, Config: config.Default()}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
