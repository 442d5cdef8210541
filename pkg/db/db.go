package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const defaultReadPoolSize = 8

// DB wraps the embedded database. Reads share a bounded connection
// pool; writes are serialized by a single write permit so concurrent
// importers queue instead of churning on the database lock.
type DB struct {
	pool        *sqlx.DB
	writePermit *semaphore.Weighted
	logger      *logrus.Entry
}

// Open opens (creating if necessary) the database at path, applies
// pending migrations and returns a handle ready for use. The embedded
// database runs in write-ahead-logging mode with foreign keys enforced.
func Open(path string, logger *logrus.Entry) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	pool, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database at %s: %w", path, err)
	}
	pool.SetMaxOpenConns(defaultReadPoolSize)
	pool.SetMaxIdleConns(defaultReadPoolSize)
	pool.SetConnMaxLifetime(time.Hour)

	database := &DB{
		pool:        pool,
		writePermit: semaphore.NewWeighted(1),
		logger:      logger,
	}
	if err := database.migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return database, nil
}

// Reader exposes the pooled handle for read-only queries. Callers must
// not issue writes through it; use WithWriteTx.
func (d *DB) Reader() *sqlx.DB {
	return d.pool
}

// WithWriteTx runs fn inside a transaction holding the process-wide
// write permit. The transaction commits when fn returns nil and rolls
// back otherwise; acquisition honors ctx cancellation.
func (d *DB) WithWriteTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := d.writePermit.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.writePermit.Release(1)

	tx, err := d.pool.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			d.logger.WithError(rollbackErr).Error("could not roll back transaction")
		}
		return err
	}
	return tx.Commit()
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.pool.Close()
}
