// Package sqlite stores linked outputs in a SQLite database.
//
// Payloads are zstd-compressed. The database is opened in WAL mode so
// that a CLI listing the cache does not block a process writing to it.
// All queries are prepared once when the store is opened.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/frobware/go-nvjitlink/cache"
	"github.com/frobware/go-nvjitlink/logging"
)

//go:embed schema.sql
var schemaSQL string

func msec(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000)
}

// Store is a SQLite-backed linked-output cache.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	stmtGet    *sql.Stmt
	stmtPut    *sql.Stmt
	stmtList   *sql.Stmt
	stmtDelete *sql.Stmt
	stmtPrune  *sql.Stmt
	stmtClear  *sql.Stmt
}

// New opens, creating if necessary, the cache database at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Store, error) {
	logger = logging.OrDiscard(logger).With("component", logging.ComponentCache, "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"busy_timeout", "5000"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	s, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("opened cache", "path", dbPath)
	return s, nil
}

// NewInMemory returns a store backed by a private in-memory database.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*Store, error) {
	logger = logging.OrDiscard(logger).With("component", logging.ComponentCache, "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory cache database: %w", err)
	}
	// Each connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	return open(ctx, db, logger)
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate cache database: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, logger: logger, enc: enc, dec: dec}
	if err := s.prepareStatements(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error

	const sqlGet = `
		SELECT kernel, arch, options, size, stored_size, payload, created_at
		FROM linked_outputs WHERE key = ?`
	if s.stmtGet, err = s.db.PrepareContext(ctx, sqlGet); err != nil {
		return fmt.Errorf("prepare Get: %w", err)
	}

	const sqlPut = `
		INSERT INTO linked_outputs (key, kernel, arch, options, size, stored_size, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		  kernel = excluded.kernel,
		  arch = excluded.arch,
		  options = excluded.options,
		  size = excluded.size,
		  stored_size = excluded.stored_size,
		  payload = excluded.payload,
		  created_at = excluded.created_at`
	if s.stmtPut, err = s.db.PrepareContext(ctx, sqlPut); err != nil {
		return fmt.Errorf("prepare Put: %w", err)
	}

	const sqlList = `
		SELECT key, kernel, arch, options, size, stored_size, created_at
		FROM linked_outputs ORDER BY created_at, key`
	if s.stmtList, err = s.db.PrepareContext(ctx, sqlList); err != nil {
		return fmt.Errorf("prepare List: %w", err)
	}

	if s.stmtDelete, err = s.db.PrepareContext(ctx, "DELETE FROM linked_outputs WHERE key = ?"); err != nil {
		return fmt.Errorf("prepare Delete: %w", err)
	}
	if s.stmtPrune, err = s.db.PrepareContext(ctx, "DELETE FROM linked_outputs WHERE created_at < ?"); err != nil {
		return fmt.Errorf("prepare Prune: %w", err)
	}
	if s.stmtClear, err = s.db.PrepareContext(ctx, "DELETE FROM linked_outputs"); err != nil {
		return fmt.Errorf("prepare Clear: %w", err)
	}
	return nil
}

// Close releases the prepared statements, the codecs and the
// database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtGet, s.stmtPut, s.stmtList, s.stmtDelete, s.stmtPrune, s.stmtClear} {
		if stmt != nil {
			stmt.Close()
		}
	}
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// Get returns the entry for key with its payload decompressed, or
// cache.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (cache.Entry, error) {
	start := time.Now()
	var (
		e         cache.Entry
		options   string
		payload   []byte
		createdAt int64
	)
	err := s.stmtGet.QueryRowContext(ctx, key).Scan(&e.Kernel, &e.Arch, &options, &e.Size, &e.StoredSize, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("sql", "stmt", "Get", "args", []any{key}, "duration_ms", msec(time.Since(start)), "rows", 0)
		return cache.Entry{}, fmt.Errorf("key %s: %w", key, cache.ErrNotFound)
	}
	if err != nil {
		s.logger.Debug("sql", "stmt", "Get", "args", []any{key}, "duration_ms", msec(time.Since(start)), "error", err)
		return cache.Entry{}, err
	}
	s.logger.Debug("sql", "stmt", "Get", "args", []any{key}, "duration_ms", msec(time.Since(start)), "rows", 1)

	if err := json.Unmarshal([]byte(options), &e.Options); err != nil {
		return cache.Entry{}, fmt.Errorf("decode options for %s: %w", key, err)
	}
	e.Data, err = s.dec.DecodeAll(payload, make([]byte, 0, e.Size))
	if err != nil {
		return cache.Entry{}, fmt.Errorf("decompress %s: %w", key, err)
	}
	e.Key = key
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

// Put stores e, replacing any entry with the same key. A zero
// CreatedAt is set to now.
func (s *Store) Put(ctx context.Context, e cache.Entry) error {
	if e.Key == "" {
		return fmt.Errorf("cache entry has no key")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	options, err := json.Marshal(e.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if e.Options == nil {
		options = []byte("[]")
	}
	payload := s.enc.EncodeAll(e.Data, nil)

	start := time.Now()
	_, err = s.stmtPut.ExecContext(ctx, e.Key, e.Kernel, e.Arch, string(options), len(e.Data), len(payload), payload, e.CreatedAt.UnixNano())
	if err != nil {
		s.logger.Debug("sql", "stmt", "Put", "args", []any{e.Key, e.Kernel}, "duration_ms", msec(time.Since(start)), "error", err)
		return fmt.Errorf("store %s: %w", e.Key, err)
	}
	s.logger.Debug("sql", "stmt", "Put", "args", []any{e.Key, e.Kernel}, "duration_ms", msec(time.Since(start)),
		"size", len(e.Data), "stored_size", len(payload))
	return nil
}

// List returns every entry, oldest first, without payloads.
func (s *Store) List(ctx context.Context) ([]cache.Entry, error) {
	start := time.Now()
	rows, err := s.stmtList.QueryContext(ctx)
	if err != nil {
		s.logger.Debug("sql", "stmt", "List", "duration_ms", msec(time.Since(start)), "error", err)
		return nil, err
	}
	defer rows.Close()

	var entries []cache.Entry
	for rows.Next() {
		var (
			e         cache.Entry
			options   string
			createdAt int64
		)
		if err := rows.Scan(&e.Key, &e.Kernel, &e.Arch, &options, &e.Size, &e.StoredSize, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(options), &e.Options); err != nil {
			return nil, fmt.Errorf("decode options for %s: %w", e.Key, err)
		}
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.logger.Debug("sql", "stmt", "List", "duration_ms", msec(time.Since(start)), "rows", len(entries))
	return entries, nil
}

// Delete removes the entry for key, or returns cache.ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.exec(ctx, s.stmtDelete, "Delete", key)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("key %s: %w", key, cache.ErrNotFound)
	}
	return nil
}

// Prune removes entries created before olderThan and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := s.exec(ctx, s.stmtPrune, "Prune", olderThan.UnixNano())
	return int(n), err
}

// Clear removes every entry and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	n, err := s.exec(ctx, s.stmtClear, "Clear")
	return int(n), err
}

func (s *Store) exec(ctx context.Context, stmt *sql.Stmt, name string, args ...any) (int64, error) {
	start := time.Now()
	result, err := stmt.ExecContext(ctx, args...)
	if err != nil {
		s.logger.Debug("sql", "stmt", name, "args", args, "duration_ms", msec(time.Since(start)), "error", err)
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.logger.Debug("sql", "stmt", name, "args", args, "duration_ms", msec(time.Since(start)), "rows_affected", n)
	return n, nil
}
