// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/webeye/lib/clock"
	"github.com/bureau-foundation/webeye/lib/codec"
	"github.com/bureau-foundation/webeye/lib/record"
	"github.com/bureau-foundation/webeye/lib/sqlitepool"
)

// ErrUnavailable is returned by every operation once the database has
// failed to open or the store has been closed.
var ErrUnavailable = errors.New("store: unavailable")

const (
	defaultName         = "webeye"
	defaultMaxRecords   = 500
	defaultPendingLimit = 200
	defaultReadyRetries = 5
	defaultReadyBackoff = 100 * time.Millisecond
)

const schema = `
	CREATE TABLE IF NOT EXISTS records (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		type        TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		status      TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL,
		timestamp   INTEGER NOT NULL,
		body        BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS records_status ON records(status, seq);
	CREATE INDEX IF NOT EXISTS records_timestamp ON records(timestamp);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Dir is the directory holding the database file <Dir>/<Name>.db.
	// Empty selects a private in-memory database, which loses its
	// contents when the store is closed.
	Dir string

	// Name is the logical store name. Defaults to "webeye".
	Name string

	// MaxRecords bounds the table. Defaults to 500.
	MaxRecords int

	// PendingLimit bounds the records held in memory while the
	// database is opening. The oldest are dropped past the limit.
	// Defaults to 200.
	PendingLimit int

	// ReadyRetries is the number of open attempts. Defaults to 5.
	ReadyRetries int

	// ReadyBackoff is the delay before the second attempt, doubling
	// for each attempt after. Defaults to 100ms.
	ReadyBackoff time.Duration

	// Recover lists statuses moved back to pending when the database
	// opens, before any other operation can see the records. A
	// pipeline passes sending and failed to pick up batches a previous
	// process left mid-send.
	Recover []record.Status

	Clock  clock.Clock
	Logger *slog.Logger
}

// Filter selects records for GetAll. Zero fields do not filter.
type Filter struct {
	Status record.Status
	Limit  int
}

type state int

const (
	stateOpening state = iota
	stateReady
	stateFailed
	stateClosed
)

// Store is the durable record queue. All methods are safe for
// concurrent use.
type Store struct {
	config Config
	path   string
	clock  clock.Clock
	logger *slog.Logger

	cancel context.CancelFunc
	ready  chan struct{}

	mu      sync.Mutex
	state   state
	pool    *sqlitepool.Pool
	openErr error
	held    []record.Record
}

// Open starts opening the store in the background and returns
// immediately. The background attempt stops when ctx is cancelled or
// Close is called.
func Open(ctx context.Context, config Config) *Store {
	if config.Name == "" {
		config.Name = defaultName
	}
	if config.MaxRecords <= 0 {
		config.MaxRecords = defaultMaxRecords
	}
	if config.PendingLimit <= 0 {
		config.PendingLimit = defaultPendingLimit
	}
	if config.ReadyRetries <= 0 {
		config.ReadyRetries = defaultReadyRetries
	}
	if config.ReadyBackoff <= 0 {
		config.ReadyBackoff = defaultReadyBackoff
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	openCtx, cancel := context.WithCancel(ctx)
	path := sqlitepool.MemoryPath(config.Name)
	if config.Dir != "" {
		path = filepath.Join(config.Dir, config.Name+".db")
	}
	s := &Store{
		config: config,
		path:   path,
		clock:  config.Clock,
		logger: logger.With("component", "store", "name", config.Name),
		cancel: cancel,
		ready:  make(chan struct{}),
	}
	go s.open(openCtx)
	return s
}

// Path returns the database file path, or the shared-cache URI of an
// in-memory store.
func (s *Store) Path() string {
	return s.path
}

// Ready returns a channel closed once the open attempt resolves,
// successfully or not.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Err returns the terminal open error, or nil while opening or after a
// successful open.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openErr
}

func (s *Store) open(ctx context.Context) {
	defer close(s.ready)

	delay := s.config.ReadyBackoff
	var lastErr error
	for attempt := 1; attempt <= s.config.ReadyRetries; attempt++ {
		pool, err := s.openPool(ctx)
		if err == nil {
			s.becomeReady(ctx, pool)
			return
		}
		lastErr = err
		s.logger.Warn("store open failed",
			"attempt", attempt,
			"max_attempts", s.config.ReadyRetries,
			"error", err,
		)
		if attempt == s.config.ReadyRetries {
			break
		}
		select {
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		case <-s.clock.After(delay):
			delay *= 2
		}
	}
	s.fail(lastErr)
}

// openPool opens the pool and pings it so that pragma and schema
// errors surface here rather than on first use.
func (s *Store) openPool(ctx context.Context) (*sqlitepool.Pool, error) {
	// Connections to a shared-cache memory database lock each other
	// out at table level rather than waiting on busy_timeout.
	poolSize := 0
	if s.config.Dir == "" {
		poolSize = 1
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     s.Path(),
		PoolSize: poolSize,
		Logger:   s.logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *Store) becomeReady(ctx context.Context, pool *sqlitepool.Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		pool.Close()
		return
	}
	s.pool = pool
	s.state = stateReady

	if len(s.config.Recover) > 0 {
		moved, err := s.resetStatus(ctx, pool, s.config.Recover)
		if err != nil {
			s.logger.Error("recovering records from previous run", "error", err)
		} else if moved > 0 {
			s.logger.Info("recovered records from previous run", "count", moved)
		}
	}

	held := s.held
	s.held = nil
	for _, r := range held {
		if err := s.insert(ctx, r); err != nil {
			s.logger.Error("writing held record", "id", r.ID, "error", err)
		}
	}
	s.logger.Info("store ready", "path", s.Path(), "held_records", len(held))
}

func (s *Store) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return
	}
	s.state = stateFailed
	s.openErr = fmt.Errorf("store: opening %s: %w", s.Path(), err)
	if len(s.held) > 0 {
		s.logger.Error("store unavailable, dropping held records",
			"dropped", len(s.held), "error", err)
	} else {
		s.logger.Error("store unavailable", "error", err)
	}
	s.held = nil
}

// Close stops a pending open and closes the database. Later calls
// return ErrUnavailable.
func (s *Store) Close() error {
	s.cancel()
	<-s.ready

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	s.held = nil
	if s.pool == nil {
		return nil
	}
	err := s.pool.Close()
	s.pool = nil
	return err
}

// acquire waits for the open attempt to resolve and returns the pool.
func (s *Store) acquire(ctx context.Context) (*sqlitepool.Pool, error) {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateReady {
		return nil, ErrUnavailable
	}
	return s.pool, nil
}

// Add stores r as pending. An existing record with the same ID is
// replaced in place, keeping its queue position. Before the database
// is ready the record is held in memory.
func (s *Store) Add(ctx context.Context, r record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateOpening:
		if len(s.held) >= s.config.PendingLimit {
			s.logger.Warn("store not ready, dropping oldest held record", "id", s.held[0].ID)
			s.held = s.held[1:]
		}
		s.held = append(s.held, r)
		return nil
	case stateReady:
		return s.insert(ctx, r)
	default:
		return ErrUnavailable
	}
}

// insert writes r and evicts past MaxRecords. Caller holds s.mu with
// the store ready.
func (s *Store) insert(ctx context.Context, r record.Record) error {
	r = r.Portable()
	body, err := codec.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encoding record %s: %w", r.ID, err)
	}
	return s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return s.upsert(conn, r, body)
	})
}

func (s *Store) upsert(conn *sqlite.Conn, r record.Record, body []byte) error {
	now := clock.Millis(s.clock)
	createdAt := r.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	err := sqlitex.Execute(conn, `
		INSERT INTO records
			(id, type, session_id, status, retry_count, created_at, updated_at, timestamp, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			session_id = excluded.session_id,
			status = excluded.status,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at,
			timestamp = excluded.timestamp,
			body = excluded.body`,
		&sqlitex.ExecOptions{Args: []any{
			r.ID, string(r.Type), r.SessionID, string(record.StatusPending),
			r.RetryCount, createdAt, now, r.Timestamp, body,
		}})
	if err != nil {
		return fmt.Errorf("store: inserting record %s: %w", r.ID, err)
	}

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM records", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: counting records: %w", err)
	}
	if excess := count - s.config.MaxRecords; excess > 0 {
		err = sqlitex.Execute(conn,
			"DELETE FROM records WHERE seq IN (SELECT seq FROM records ORDER BY seq LIMIT ?)",
			&sqlitex.ExecOptions{Args: []any{excess}})
		if err != nil {
			return fmt.Errorf("store: evicting records: %w", err)
		}
		s.logger.Warn("store full, evicted oldest records",
			"evicted", excess, "max_records", s.config.MaxRecords)
	}
	return nil
}

const selectColumns = "id, status, retry_count, created_at, updated_at, body"

func scanRecord(stmt *sqlite.Stmt) (record.Record, error) {
	body := make([]byte, stmt.ColumnLen(5))
	stmt.ColumnBytes(5, body)

	var r record.Record
	if err := codec.Unmarshal(body, &r); err != nil {
		return record.Record{}, fmt.Errorf("store: decoding record %s: %w", stmt.ColumnText(0), err)
	}
	r.ID = stmt.ColumnText(0)
	r.Status = record.Status(stmt.ColumnText(1))
	r.RetryCount = stmt.ColumnInt(2)
	r.CreatedAt = stmt.ColumnInt64(3)
	r.UpdatedAt = stmt.ColumnInt64(4)
	return r, nil
}

// Get returns the record with the given ID.
func (s *Store) Get(ctx context.Context, id string) (record.Record, bool, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return record.Record{}, false, err
	}
	var result record.Record
	var found bool
	err = pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT "+selectColumns+" FROM records WHERE id = ?",
			&sqlitex.ExecOptions{
				Args: []any{id},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					r, err := scanRecord(stmt)
					if err != nil {
						return err
					}
					result, found = r, true
					return nil
				},
			})
	})
	if err != nil {
		return record.Record{}, false, fmt.Errorf("store: get %s: %w", id, err)
	}
	return result, found, nil
}

// GetAll returns records matching filter in queue order. A row whose
// body cannot be decoded can never be delivered: it is logged, deleted
// and replaced by the next matching row.
func (s *Store) GetAll(ctx context.Context, filter Filter) ([]record.Record, error) {
	pool, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + selectColumns + " FROM records"
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	for {
		var results []record.Record
		var broken []string
		err = pool.Read(ctx, func(conn *sqlite.Conn) error {
			return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					r, err := scanRecord(stmt)
					if err != nil {
						s.logger.Error("dropping undecodable record", "error", err)
						broken = append(broken, stmt.ColumnText(0))
						return nil
					}
					results = append(results, r)
					return nil
				},
			})
		})
		if err != nil {
			return nil, fmt.Errorf("store: get all: %w", err)
		}
		if len(broken) == 0 {
			return results, nil
		}
		if err := s.Delete(ctx, broken...); err != nil {
			return nil, err
		}
		if filter.Limit <= 0 {
			return results, nil
		}
	}
}

// Put merges patch into the stored record. A missing ID is a no-op.
func (s *Store) Put(ctx context.Context, id string, patch record.Patch) error {
	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	updatedAt := clock.Millis(s.clock)
	if patch.UpdatedAt != nil {
		updatedAt = *patch.UpdatedAt
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, updatedAt, id)

	pool, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	err = pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"UPDATE records SET "+strings.Join(sets, ", ")+" WHERE id = ?",
			&sqlitex.ExecOptions{Args: args})
	})
	if err != nil {
		return fmt.Errorf("store: put %s: %w", id, err)
	}
	return nil
}

// SetStatus patches the status of every listed record in one
// transaction.
func (s *Store) SetStatus(ctx context.Context, status record.Status, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pool, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	now := clock.Millis(s.clock)
	return pool.Write(ctx, func(conn *sqlite.Conn) error {
		for _, id := range ids {
			err := sqlitex.Execute(conn, "UPDATE records SET status = ?, updated_at = ? WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{string(status), now, id}})
			if err != nil {
				return fmt.Errorf("store: set status %s: %w", id, err)
			}
		}
		return nil
	})
}

// ResetStatus moves every record in one of the from states back to
// pending and returns how many moved.
func (s *Store) ResetStatus(ctx context.Context, from ...record.Status) (int, error) {
	if len(from) == 0 {
		return 0, nil
	}
	pool, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}
	return s.resetStatus(ctx, pool, from)
}

func (s *Store) resetStatus(ctx context.Context, pool *sqlitepool.Pool, from []record.Status) (int, error) {
	args := []any{string(record.StatusPending), clock.Millis(s.clock)}
	for _, status := range from {
		args = append(args, string(status))
	}
	var moved int
	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"UPDATE records SET status = ?, updated_at = ? WHERE status IN ("+placeholders(len(from))+")",
			&sqlitex.ExecOptions{Args: args})
		moved = conn.Changes()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store: reset status: %w", err)
	}
	return moved, nil
}

// Delete removes the listed records. Missing IDs are ignored.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	pool, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	return pool.Write(ctx, func(conn *sqlite.Conn) error {
		// SQLite caps bound parameters per statement.
		const chunk = 500
		for start := 0; start < len(ids); start += chunk {
			end := min(start+chunk, len(ids))
			args := make([]any, 0, end-start)
			for _, id := range ids[start:end] {
				args = append(args, id)
			}
			err := sqlitex.Execute(conn,
				"DELETE FROM records WHERE id IN ("+placeholders(len(args))+")",
				&sqlitex.ExecOptions{Args: args})
			if err != nil {
				return fmt.Errorf("store: delete: %w", err)
			}
		}
		return nil
	})
}

// Count returns the number of stored records. While the database is
// opening it returns the number of held records.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.count(ctx, "")
}

// CountStatus returns the number of records in status. Held records
// count as pending.
func (s *Store) CountStatus(ctx context.Context, status record.Status) (int, error) {
	return s.count(ctx, status)
}

func (s *Store) count(ctx context.Context, status record.Status) (int, error) {
	s.mu.Lock()
	if s.state == stateOpening {
		held := len(s.held)
		s.mu.Unlock()
		if status != "" && status != record.StatusPending {
			return 0, nil
		}
		return held, nil
	}
	s.mu.Unlock()

	pool, err := s.acquire(ctx)
	if err != nil {
		return 0, err
	}

	query := "SELECT COUNT(*) FROM records"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	var count int
	err = pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt(0)
				return nil
			},
		})
	})
	if err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return count, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
