// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	_ = rt.CheckHealth(context.Background())
//	trail, _ := rt.OpenAuditTrail("/docs/report.odt")
//	_ = trail.RecordDownload(context.Background(), "deadbeef")
package runtime
