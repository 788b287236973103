// Package serverrun exposes a shared Run entrypoint used by the CLI to start
// a telemux node, handling lifecycle and shutdown.
//
// Example:
//
//	opts := serverrun.Options{Fsync: pebblestore.FsyncModeInterval, Config: config.Default()}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
