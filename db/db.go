package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

const (
	txTimeout  = 5 * time.Second
	busyRetry  = 5
	busyPause  = 20 * time.Millisecond
	maxDBConns = 25
)

// DB is the SQLite store for local identities, federated content and the
// durable delivery job table.
type DB struct {
	db          *sql.DB
	localDomain string
	logger      *zap.Logger
}

// Open opens (or creates) the database at path and runs migrations.
// localDomain is the host local actor ids are minted on.
func Open(path, localDomain string, logger *zap.Logger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if path == ":memory:" {
		// every connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(maxDBConns)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	db := &DB{db: sqlDB, localDomain: localDomain, logger: logger}
	db.configure(path)

	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) configure(path string) {
	if path != ":memory:" {
		var journalMode string
		if err := db.db.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			db.logger.Warn("Failed to enable WAL mode", zap.Error(err))
		} else {
			db.logger.Info("Database journal mode", zap.String("mode", journalMode))
		}
	}

	db.db.Exec("PRAGMA synchronous = NORMAL")
	db.db.Exec("PRAGMA cache_size = -64000")
	db.db.Exec("PRAGMA temp_store = MEMORY")
	db.db.Exec("PRAGMA busy_timeout = 5000")
	db.db.Exec("PRAGMA foreign_keys = ON")
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Ping reports whether the database can be reached.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// wrapTransaction runs f within a transaction. A transaction that fails
// with SQLITE_BUSY is rolled back and retried a bounded number of times.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt < busyRetry; attempt++ {
		err = db.runTx(ctx, f)
		if err == nil || !isBusy(err) {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(unavailable(err), ctx.Err())
		case <-time.After(busyPause * time.Duration(attempt+1)):
		}
	}
	if isBusy(err) {
		return unavailable(err)
	}
	return err
}

func (db *DB) runTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.logger.Error("Error starting transaction", zap.Error(err))
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		if !isBusy(err) && !errors.Is(err, sql.ErrNoRows) {
			db.logger.Debug("Error in transaction", zap.Error(err))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		db.logger.Error("Error committing transaction", zap.Error(err))
		return err
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}
