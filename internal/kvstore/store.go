// Package kvstore implements the typed key-value store abstraction the
// rest of the engine coordinates through: atomic set-add, list
// push/pop, hash get/set, counters, TTL, and an append/range event
// primitive, all backed by a single embedded Badger database opened via
// badgerhold so typed record storage and raw primitives share one
// database.
package kvstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// Store is the process-local handle onto the shared KV store. Every
// worker invocation opens (or reuses, within one process) a Store backed
// by the same on-disk database, standing in for what would be a managed
// remote KV service (Redis, DynamoDB, etc.) in a true serverless
// deployment. No correctness property of this package depends on any
// in-process state surviving across invocations — Store is purely a
// handle onto durable state.
type Store struct {
	bh     *badgerhold.Store
	db     *badger.DB
	logger arbor.ILogger
}

// Config configures where the database lives on disk.
type Config struct {
	Path           string
	ResetOnStartup bool
}

// Open opens (creating if absent) the Badger database backing the store.
func Open(cfg Config, logger arbor.ILogger) (*Store, error) {
	if cfg.ResetOnStartup {
		if _, err := os.Stat(cfg.Path); err == nil {
			logger.Debug().Str("path", cfg.Path).Msg("kvstore: removing existing database (reset_on_startup)")
			if err := os.RemoveAll(cfg.Path); err != nil {
				logger.Warn().Err(err).Str("path", cfg.Path).Msg("kvstore: failed to remove database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create database directory: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = cfg.Path
	opts.ValueDir = cfg.Path
	opts.Logger = nil

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger database: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("kvstore: database opened")

	return &Store{bh: bh, db: bh.Badger(), logger: logger}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Hold exposes the badgerhold handle for components that want structured,
// indexed records (the job/page record stores) alongside the raw
// primitives below.
func (s *Store) Hold() *badgerhold.Store { return s.bh }
