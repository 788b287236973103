// Package httpserver exposes the node's HTTP surface: the inbound cluster
// endpoints peers post forwarded subscriptions and relayed updates to, the
// websocket attach point for client sessions, a minimal JSON telemetry
// ingress, and health.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeInterval, Config: config.Default()})
//	s := httpserver.New(rt, mgr, hub, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8090")
package httpserver
