package db

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

const (
	sqlCreateAccountsTable = `CREATE TABLE IF NOT EXISTS accounts (
		id TEXT NOT NULL PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		web_public_key TEXT NOT NULL,
		web_private_key TEXT NOT NULL,
		manually_approves_followers INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotesTable = `CREATE TABLE IF NOT EXISTS notes (
		id TEXT NOT NULL PRIMARY KEY,
		object_uri TEXT UNIQUE NOT NULL,
		object_type TEXT NOT NULL DEFAULT 'Note',
		actor_uri TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		in_reply_to_uri TEXT NOT NULL DEFAULT '',
		sensitive INTEGER NOT NULL DEFAULT 0,
		content_warning TEXT NOT NULL DEFAULT '',
		published TIMESTAMP,
		edited_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateNotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_notes_actor_uri ON notes(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes(created_at DESC);
	`

	sqlCreateFollowsTable = `CREATE TABLE IF NOT EXISTS follows (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		actor_uri TEXT NOT NULL,
		target_uri TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_uri, target_uri)
	)`

	sqlCreateFollowsIndices = `
		CREATE INDEX IF NOT EXISTS idx_follows_target_uri ON follows(target_uri);
	`

	sqlCreateReactionsTable = `CREATE TABLE IF NOT EXISTS reactions (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		activity_uri TEXT UNIQUE NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(kind, actor_uri, object_uri)
	)`

	sqlCreateReactionsIndices = `
		CREATE INDEX IF NOT EXISTS idx_reactions_object_uri ON reactions(object_uri);
		CREATE INDEX IF NOT EXISTS idx_reactions_actor_uri ON reactions(actor_uri);
	`

	// Times are unix milliseconds so the claim query can compare them directly.
	sqlCreateDeliveryJobsTable = `CREATE TABLE IF NOT EXISTS delivery_jobs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		activity_id TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		signing_actor TEXT NOT NULL,
		target_inbox TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`

	sqlCreateDeliveryJobsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_claim ON delivery_jobs(status, next_attempt_at, seq);
		CREATE INDEX IF NOT EXISTS idx_delivery_jobs_inbox ON delivery_jobs(target_inbox, status);
	`
)

// RunMigrations creates the schema if it does not exist yet.
func (db *DB) RunMigrations() error {
	return db.wrapTransaction(context.Background(), func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"accounts", sqlCreateAccountsTable},
			{"notes", sqlCreateNotesTable},
			{"follows", sqlCreateFollowsTable},
			{"reactions", sqlCreateReactionsTable},
			{"delivery_jobs", sqlCreateDeliveryJobsTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(tx, table.sql, table.name); err != nil {
				return err
			}
		}

		indices := map[string]string{
			"notes":         sqlCreateNotesIndices,
			"follows":       sqlCreateFollowsIndices,
			"reactions":     sqlCreateReactionsIndices,
			"delivery_jobs": sqlCreateDeliveryJobsIndices,
		}
		for table, stmt := range indices {
			if _, err := tx.Exec(stmt); err != nil {
				db.logger.Warn("Failed to create indices", zap.String("table", table), zap.Error(err))
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(tx *sql.Tx, createSQL string, tableName string) error {
	if _, err := tx.Exec(createSQL); err != nil {
		db.logger.Error("Error creating table", zap.String("table", tableName), zap.Error(err))
		return err
	}
	db.logger.Debug("Table created or already exists", zap.String("table", tableName))
	return nil
}
