// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ManuGH/vodforge/internal/log"
	"github.com/rs/zerolog"
)

// clock abstracts time for lease tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Store wraps the SQL database with the domain operations of the platform.
type Store struct {
	db            *sql.DB
	logger        zerolog.Logger
	clock         clock
	keepCompleted bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.clock = funcClock(now) }
}

// WithKeepCompletedQualities controls checkpoint resume. When enabled
// (the default), variants a failed attempt already uploaded are advertised
// back through the claim envelope so the next attempt skips them. When
// disabled, Fail discards the per-variant progress of a retried job.
func WithKeepCompletedQualities(keep bool) Option {
	return func(s *Store) { s.keepCompleted = keep }
}

type funcClock func() time.Time

func (f funcClock) Now() time.Time { return f() }

// New creates a Store over an opened database. Migrate must have run.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:            db,
		logger:        log.WithComponent("store"),
		clock:         realClock{},
		keepCompleted: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open is the convenience constructor: pool, migration, Store.
func Open(ctx context.Context, dbPath string, opts ...Option) (*Store, error) {
	db, err := OpenSQLite(dbPath, DefaultSQLiteConfig())
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db, opts...), nil
}

// DB exposes the underlying pool for tests and maintenance tasks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies database connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) now() time.Time { return s.clock.Now() }

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
