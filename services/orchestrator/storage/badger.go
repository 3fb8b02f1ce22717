// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the embedded BadgerDB store for Counsel.
//
// # Description
//
// One Store holds every persistent entity: conversation turns, system
// prompt overrides, users, login sessions and knowledge files. Values are
// JSON documents; keys are namespaced by entity type:
//
//	turn/<hex thread>/<be64 id>     conversation turns, ordered by id
//	prompt/global                   global prompt override
//	prompt/d/<domain>/<sub>         domain (sub empty) or sub-feature override
//	user/<id>                       user records
//	username/<lower name>           username index
//	session/<id>                    sessions, expiring via badger TTL
//	file/<id>                       knowledge files
//	filedomain/<domain>/<id>        knowledge file index by domain
//	seq/<name>                      badger sequences
//
// # Thread Safety
//
// Store is safe for concurrent use; BadgerDB transactions provide
// isolation.
package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrUsernameTaken is returned by CreateUser for a duplicate username.
	ErrUsernameTaken = errors.New("storage: username already taken")

	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("storage: closed")
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Store.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Required for persistent databases. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines.
	// If nil, BadgerDB's internal logging is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Set to 0 to disable.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for a persistent store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// =============================================================================
// Logger Adapter
// =============================================================================

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Store
// =============================================================================

// Store is the BadgerDB-backed persistence layer.
type Store struct {
	db       *badger.DB
	gcRunner *gcRunner

	turnSeq *badger.Sequence
	userSeq *badger.Sequence

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) a Store.
//
// # Outputs
//
//   - *Store: Ready store. Caller must Close it.
//   - error: Non-nil if the directory or database cannot be opened.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db}

	if s.turnSeq, err = db.GetSequence([]byte("seq/turn"), 100); err != nil {
		db.Close()
		return nil, fmt.Errorf("open turn sequence: %w", err)
	}
	if s.userSeq, err = db.GetSequence([]byte("seq/user"), 10); err != nil {
		s.turnSeq.Release()
		db.Close()
		return nil, fmt.Errorf("open user sequence: %w", err)
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.gcRunner = newGCRunner(db, cfg.GCInterval, ratio, cfg.Logger)
		s.gcRunner.start()
	}

	return s, nil
}

// OpenInMemory opens an in-memory Store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops garbage collection, releases sequences and closes the
// database. Safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if s.gcRunner != nil {
			s.gcRunner.stop()
		}
		var errs []error
		if err := s.turnSeq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release turn sequence: %w", err))
		}
		if err := s.userSeq.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release user sequence: %w", err))
		}
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close badger: %w", err))
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Ping reports whether the store accepts reads.
func (s *Store) Ping() error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return s.db.View(func(*badger.Txn) error { return nil })
}

// nextID draws the next id from seq. Ids start at 1.
func nextID(seq *badger.Sequence) (uint64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return n + 1, nil
}

// =============================================================================
// Value Log GC
// =============================================================================

// gcRunner runs value log garbage collection periodically.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	// ErrNoRewrite means there was nothing worth collecting.
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) && r.logger != nil {
		r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
	}
}
