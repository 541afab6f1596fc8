// Package sqlkv implements kv.Store over database/sql, with SQLite
// (modernc.org/sqlite) and PostgreSQL (pgx stdlib) dialects.
//
// Values live in kv_values, list elements in kv_lists ordered by id. Exec
// runs in one transaction: guards are SELECTs inside it, and the ops follow
// in batch order.
package sqlkv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"github.com/ChuLiYu/marketplace-partner/internal/storage/kv"
)

const (
	defaultSQLitePath  = "data/partner.db"
	defaultPostgresDSN = "postgres://localhost/partner?sslmode=disable"
)

// Dialect captures what differs between the supported databases.
type Dialect struct {
	Name      string
	Driver    string
	DDL       []string
	Isolation sql.IsolationLevel
	// Numbered placeholders ($1, $2, ...) instead of ?.
	Numbered bool
}

// SQLite is the embedded single-file dialect.
var SQLite = Dialect{
	Name:   "sqlite",
	Driver: "sqlite",
	DDL: []string{
		`CREATE TABLE IF NOT EXISTS kv_values (
			kv_key TEXT PRIMARY KEY,
			kv_value BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv_lists (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kv_key TEXT NOT NULL,
			kv_value BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS kv_lists_key ON kv_lists (kv_key, id)`,
	},
	Isolation: sql.LevelDefault,
}

// Postgres is the networked dialect.
var Postgres = Dialect{
	Name:   "postgres",
	Driver: "pgx",
	DDL: []string{
		`CREATE TABLE IF NOT EXISTS kv_values (
			kv_key TEXT PRIMARY KEY,
			kv_value BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS kv_lists (
			id BIGSERIAL PRIMARY KEY,
			kv_key TEXT NOT NULL,
			kv_value BYTEA NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS kv_lists_key ON kv_lists (kv_key, id)`,
	},
	Isolation: sql.LevelSerializable,
	Numbered:  true,
}

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Store implements kv.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect

	qGet, qUpsert, qDelValue, qDelList, qScan, qAppend, qRange string
}

var _ kv.Store = (*Store)(nil)

// OpenSQLite opens (creating if needed) a SQLite database file. Writers are
// serialized through a single connection.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open(SQLite.Driver, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	return newStore(ctx, db, SQLite)
}

// OpenPostgres connects to PostgreSQL using dsn (falls back to a local default).
func OpenPostgres(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultPostgresDSN
	}
	db, err := sql.Open(Postgres.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newStore(ctx, db, Postgres)
}

func newStore(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	for _, stmt := range d.DDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure %s schema: %w", d.Name, err)
		}
	}
	return &Store{
		db:        db,
		dialect:   d,
		qGet:      d.rebind(`SELECT kv_value FROM kv_values WHERE kv_key = ?`),
		qUpsert:   d.rebind(`INSERT INTO kv_values (kv_key, kv_value) VALUES (?, ?) ON CONFLICT (kv_key) DO UPDATE SET kv_value = excluded.kv_value`),
		qDelValue: d.rebind(`DELETE FROM kv_values WHERE kv_key = ?`),
		qDelList:  d.rebind(`DELETE FROM kv_lists WHERE kv_key = ?`),
		qScan:     d.rebind(`SELECT kv_key FROM kv_values WHERE substr(kv_key, 1, ?) = ?`),
		qAppend:   d.rebind(`INSERT INTO kv_lists (kv_key, kv_value) VALUES (?, ?)`),
		qRange:    d.rebind(`SELECT kv_value FROM kv_lists WHERE kv_key = ? ORDER BY id`),
	}, nil
}

// DB exposes the underlying sql.DB for tests.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports which database the store talks to.
func (s *Store) Dialect() string { return s.dialect.Name }

// queryer is the subset of *sql.DB and *sql.Tx the helpers need.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, key string) ([]byte, error) {
	var value []byte
	err := q.QueryRowContext(ctx, s.qGet, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, s.mapErr(err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, s.db, key)
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.Exec(ctx, kv.Batch{Ops: []kv.Op{kv.Set(key, value)}})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.Exec(ctx, kv.Batch{Ops: []kv.Op{kv.Delete(key)}})
}

// Scan compares raw prefixes with substr so LIKE wildcards and SQLite's
// case-insensitive LIKE never come into play. Ordering is done in Go to
// stay independent of the database collation.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.qScan, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, s.mapErr(err))
	}
	defer func() { _ = rows.Close() }()

	keys := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) ListAppend(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	ops := make([]kv.Op, len(values))
	for i, v := range values {
		ops[i] = kv.Append(key, v)
	}
	return s.Exec(ctx, kv.Batch{Ops: ops})
}

func (s *Store) ListRange(ctx context.Context, key string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, s.qRange, key)
	if err != nil {
		return nil, fmt.Errorf("list range %s: %w", key, s.mapErr(err))
	}
	defer func() { _ = rows.Close() }()

	out := make([][]byte, 0)
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("list row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Exec runs the batch in one transaction.
func (s *Store) Exec(ctx context.Context, batch kv.Batch) (retErr error) {
	for _, op := range batch.Ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	if len(batch.Ops) == 0 && len(batch.Conditions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.dialect.Isolation})
	if err != nil {
		return fmt.Errorf("begin: %w", s.mapErr(err))
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, c := range batch.Conditions {
		current, err := s.get(ctx, tx, c.Key)
		exists := true
		if errors.Is(err, kv.ErrNotFound) {
			exists = false
		} else if err != nil {
			return err
		}
		if !c.Holds(current, exists) {
			return kv.ErrConditionFailed
		}
	}

	for _, op := range batch.Ops {
		if err := s.applyOp(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", s.mapErr(err))
	}
	return nil
}

func (s *Store) applyOp(ctx context.Context, tx *sql.Tx, op kv.Op) error {
	value := op.Value
	if value == nil {
		value = []byte{}
	}
	var err error
	switch op.Type {
	case kv.OpSet:
		_, err = tx.ExecContext(ctx, s.qUpsert, op.Key, value)
	case kv.OpDelete:
		if _, err = tx.ExecContext(ctx, s.qDelValue, op.Key); err == nil {
			_, err = tx.ExecContext(ctx, s.qDelList, op.Key)
		}
	case kv.OpAppend:
		_, err = tx.ExecContext(ctx, s.qAppend, op.Key, value)
	}
	if err != nil {
		mapped := s.mapErr(err)
		if errors.Is(mapped, kv.ErrConditionFailed) {
			return mapped
		}
		return fmt.Errorf("%s %s: %w", op.Type, op.Key, mapped)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// mapErr turns serialization failures and unique violations into
// kv.ErrConditionFailed: both mean another writer got there first.
func (s *Store) mapErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "23505":
			return kv.ErrConditionFailed
		}
	}
	return err
}
