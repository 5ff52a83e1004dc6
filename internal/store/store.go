// Package store is the indexed event store: an append-only set of primary
// record tables plus secondary index tables evaluated by sorted k-way
// intersection, backed by SQLite in place of the rocks-style column family
// database the design is modeled on (see the module's grounding ledger for
// why). Primary keys are big-endian encoded BLOBs so SQLite's native
// byte-lexicographic BLOB ordering does the work a real column family's
// ordered iteration would otherwise provide.
package store

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a handle to one node's database. It is safe for concurrent use;
// SQLite serializes writes internally the way a rocks-style column family
// would.
type Store struct {
	db *sqlx.DB

	messageCounter atomic.Uint64
	logCounter     atomic.Uint64
}

// Open opens (creating if necessary) the sqlite3 database at path, applies
// any pending migrations, and recovers the message/log id counters by
// scanning the last key on open, mirroring the rocks-backed design's
// AtomicU64 counter recovery.
func Open(path string) (*Store, error) {
	dsn := (&url.URL{
		Path: path,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String()

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA page_size = 8192`); err != nil {
		return nil, fmt.Errorf("store: set page_size: %w", err)
	}

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.MigrateUp(ctx, latestVersion()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	if err := s.recoverCounters(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: recover counters: %w", err)
	}
	return s, nil
}

func (s *Store) recoverCounters() error {
	var maxMsg, maxLog uint64
	if err := s.db.Get(&maxMsg, `SELECT COALESCE(MAX(id), 0) FROM messages`); err != nil {
		return err
	}
	if err := s.db.Get(&maxLog, `SELECT COALESCE(MAX(id), 0) FROM logs`); err != nil {
		return err
	}
	s.messageCounter.Store(maxMsg)
	s.logCounter.Store(maxLog)
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
