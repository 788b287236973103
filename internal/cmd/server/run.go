package serverrun

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/voltaic-io/telemux/internal/cluster"
	cfgpkg "github.com/voltaic-io/telemux/internal/config"
	"github.com/voltaic-io/telemux/internal/runtime"
	httpserver "github.com/voltaic-io/telemux/internal/server/http"
	"github.com/voltaic-io/telemux/internal/server/ws"
	pebblestore "github.com/voltaic-io/telemux/internal/storage/pebble"
	"github.com/voltaic-io/telemux/internal/subscription"
	logpkg "github.com/voltaic-io/telemux/pkg/log"
)

// Options carries everything Run needs; Config is authoritative, the rest
// are CLI-level overrides.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
}

// Run starts the node and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	// Layer a local signal context over the provided one so callers without
	// signal handling still shut down cleanly.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = cfgpkg.DefaultDataDir()
	}
	storeDir := filepath.Join(cfg.DataDir, "store")

	rt, err := runtime.Open(runtime.Options{DataDir: storeDir, Fsync: opts.Fsync, Config: cfg})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger, err := logpkg.ApplyConfig(logpkg.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		procLogger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}

	procLogger.Info("starting telemux node",
		logpkg.Str("node", cfg.NodeID),
		logpkg.Str("bind", cfg.BindAddr),
		logpkg.Str("advertise", cfg.AdvertiseAddr),
		logpkg.Int("peers", len(cfg.Peers)),
		logpkg.Int("shards", cfg.RegistryShards),
		logpkg.Str("data_dir", cfg.DataDir),
	)

	ring := cluster.NewRing(cfg.AdvertiseAddr, cfg.Peers)
	transport := cluster.NewHTTPTransport(cfg.AdvertiseAddr, 5*time.Second)
	hub := ws.NewHub(procLogger.With(logpkg.Component("ws")))
	mgr := subscription.NewManager(ring, rt.Store(), hub, transport,
		procLogger.With(logpkg.Component("subscriptions")),
		subscription.Options{
			Shards:               cfg.RegistryShards,
			ReplayAttributeScope: cfg.ReplayAttributeScope,
		})
	hub.Bind(mgr)

	hsrv := httpserver.New(rt, mgr, hub, procLogger.With(logpkg.Component("http")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.BindAddr); err != nil && sctx.Err() == nil {
			log.Printf("http error: %v", err)
		}
	}()

	<-sctx.Done()
	// Shut the servers down before the runtime so in-flight handlers never
	// touch a closed store.
	hsrv.Close()
	hub.Shutdown()
	wg.Wait()
	mgr.Clear()
	return nil
}
