package database

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the SQLite database at dbPath and migrates the schema.
// Transactions are opened with BEGIN IMMEDIATE so read-modify-write
// sequences serialize on the database write lock.
func Open(dbPath string) (*sqlx.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(dbPath string) string {
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "on")
	return "file:" + dbPath + "?" + params.Encode()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		community_id TEXT NOT NULL,
		case_number INTEGER NOT NULL,
		subject_id TEXT,
		actor_id TEXT NOT NULL,
		action_kind TEXT NOT NULL,
		reason TEXT,
		duration_ns INTEGER,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		evidence BLOB,
		UNIQUE (community_id, case_number)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_subject ON cases (community_id, subject_id);`,
	`CREATE INDEX IF NOT EXISTS idx_cases_actor ON cases (community_id, actor_id);`,
	`CREATE TABLE IF NOT EXISTS case_counters (
		community_id TEXT NOT NULL PRIMARY KEY,
		last_case INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS scheduled_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action_kind TEXT NOT NULL,
		community_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		execute_at INTEGER NOT NULL,
		claim_token TEXT,
		claimed_at INTEGER,
		cancelled INTEGER NOT NULL DEFAULT 0,
		UNIQUE (action_kind, community_id, subject_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_actions_due ON scheduled_actions (execute_at);`,
	`CREATE TABLE IF NOT EXISTS community_settings (
		community_id TEXT NOT NULL PRIMARY KEY,
		command_prefix TEXT,
		audit_destination TEXT,
		restricted_role_id TEXT,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS permission_grants (
		community_id TEXT NOT NULL,
		permission_key TEXT NOT NULL,
		grantee_kind TEXT NOT NULL,
		grantee_id TEXT NOT NULL,
		PRIMARY KEY (community_id, permission_key, grantee_kind, grantee_id)
	);`,
}

// Columns added after the first release. Re-running them on an up-to-date
// database fails with "duplicate column name", which is ignored.
var alterStatements = []string{
	`ALTER TABLE scheduled_actions ADD COLUMN claim_token TEXT`,
	`ALTER TABLE scheduled_actions ADD COLUMN claimed_at INTEGER`,
	`ALTER TABLE scheduled_actions ADD COLUMN cancelled INTEGER NOT NULL DEFAULT 0`,
}

// Migrate creates missing tables and columns and seeds the per-community
// case counters from any cases written before counters existed.
func Migrate(db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	for _, stmt := range alterStatements {
		_, err := db.Exec(stmt)
		if err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("failed to execute ALTER statement %s: %w", stmt, err)
		}
	}

	_, err := db.Exec(`INSERT OR IGNORE INTO case_counters (community_id, last_case)
		SELECT community_id, MAX(case_number) FROM cases GROUP BY community_id`)
	if err != nil {
		return fmt.Errorf("failed to seed case counters: %w", err)
	}
	return nil
}
