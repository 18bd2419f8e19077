package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Dialect selects the SQL flavor used by stores built on database/sql.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DriverName returns the database/sql driver registered for d.
// The drivers themselves are imported for side effects by cmd/.
func (d Dialect) DriverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectSQLite:
		return "sqlite"
	default:
		return ""
	}
}

// PoolConfig controls database/sql pool behavior.
// Keep it config-driven; defaults should be safe and conservative.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	PingTimeout     time.Duration

	// BusyTimeout only applies to sqlite.
	BusyTimeout time.Duration
}

func (c PoolConfig) withDefaults(d Dialect) PoolConfig {
	out := c
	if d == DialectSQLite {
		// SQLite prefers a single writer; the conditional updates rely on it too.
		out.MaxOpenConns = 1
		out.MaxIdleConns = 1
		if out.BusyTimeout <= 0 {
			out.BusyTimeout = 5 * time.Second
		}
	}
	if out.MaxOpenConns <= 0 {
		out.MaxOpenConns = 25
	}
	if out.MaxIdleConns <= 0 {
		out.MaxIdleConns = 25
	}
	if d == DialectSQLite {
		// The PRAGMAs are per connection and a :memory: database dies with
		// its connection, so the single connection is never recycled.
		out.ConnMaxLifetime = 0
		out.ConnMaxIdleTime = 0
	} else {
		if out.ConnMaxLifetime <= 0 {
			out.ConnMaxLifetime = 30 * time.Minute
		}
		if out.ConnMaxIdleTime <= 0 {
			out.ConnMaxIdleTime = 5 * time.Minute
		}
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 5 * time.Second
	}
	return out
}

// OpenDB opens a database for the given dialect.
// For postgres dsn is a libpq-style string and must not be logged; for sqlite it is a file path.
func OpenDB(ctx context.Context, d Dialect, dsn string, pool PoolConfig) (*sql.DB, error) {
	driver := d.DriverName()
	if driver == "" {
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("dsn is required")
	}
	pool = pool.withDefaults(d)

	if d == DialectSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if d == DialectSQLite {
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", pool.BusyTimeout.Milliseconds()))
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")
	}

	if err := HealthCheck(ctx, db, pool.PingTimeout); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// HealthCheck pings the DB with a timeout.
func HealthCheck(ctx context.Context, db *sql.DB, timeout time.Duration) error {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("db ping failed: %w", err)
	}
	return nil
}

// Rebind rewrites '?' placeholders into the dialect's form.
// Queries are written with '?' and must not contain literal question marks.
func Rebind(d Dialect, q string) string {
	if d != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// TxFunc is the unit of work executed inside a transaction.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// WithTx runs fn inside a transaction.
// - If fn returns error: tx is rolled back and the error is returned.
// - If fn panics: tx is rolled back and the panic is re-thrown.
// - If commit fails: commit error is returned.
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn TxFunc) (err error) {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
