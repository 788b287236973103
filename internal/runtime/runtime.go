// Package runtime wires storage and config into a single-node instance.
package runtime

import (
	"context"
	"errors"

	cfgpkg "github.com/voltaic-io/telemux/internal/config"
	pebblestore "github.com/voltaic-io/telemux/internal/storage/pebble"
	"github.com/voltaic-io/telemux/internal/telemetry"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	Config  cfgpkg.Config
}

// Runtime owns the open database and the telemetry store built on it.
type Runtime struct {
	db     *pebblestore.DB
	store  *telemetry.Store
	config cfgpkg.Config
}

// Open initializes the underlying storage and returns a Runtime.
func Open(opts Options) (*Runtime, error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync})
	if err != nil {
		return nil, err
	}
	return &Runtime{db: db, store: telemetry.NewStore(db), config: opts.Config}, nil
}

// Close closes underlying resources.
func (r *Runtime) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth performs a simple storage probe.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	return it.Close()
}

// Store returns the telemetry store.
func (r *Runtime) Store() *telemetry.Store { return r.store }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
