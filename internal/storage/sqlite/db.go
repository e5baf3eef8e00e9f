// Package sqlite implements the daemon's persistence layer: a single
// embedded database file inside the protected directory, accessed
// through narrow repository types. All multi-row writes are
// transactional.
package sqlite

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/delegate/internal/errs"
	"github.com/zjrosen/delegate/internal/log"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so repositories can run
// inside or outside an explicit transaction.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Store owns the database handle and exposes the repositories.
type Store struct {
	db *sql.DB

	Teams    *TeamRepository
	Agents   *AgentRepository
	Tasks    *TaskRepository
	Messages *MessageRepository
	Reviews  *ReviewRepository
	Events   *EventRepository
	Repos    *RepoRepository
}

// Open opens (creating if necessary) the database at path and applies
// pending migrations per the backup-first protocol. backupsDir receives
// a snapshot of the DB file before any migration runs; on migration
// failure the snapshot is restored and Open returns an error, aborting
// daemon startup.
func Open(path, backupsDir string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer keeps lock contention out of the picture; reads
	// multiplex over it fine for this workload.
	db.SetMaxOpenConns(1)

	if err := migrate(db, path, backupsDir); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewStore(db), nil
}

// OpenInMemory opens a fresh in-memory store with every migration
// applied. Used by tests; there is no file to snapshot so the backup
// protocol is skipped.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema_version: %w", err)
	}
	if err := applyAll(db, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewStore(db), nil
}

// NewStore wraps an already-migrated handle. Used by tests with an
// in-memory database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		Teams:    &TeamRepository{db: db},
		Agents:   &AgentRepository{db: db},
		Tasks:    &TaskRepository{db: db},
		Messages: &MessageRepository{db: db},
		Reviews:  &ReviewRepository{db: db},
		Events:   &EventRepository{db: db},
		Repos:    &RepoRepository{db: db},
	}
}

// DB exposes the raw handle for transactions.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate applies pending migrations using the backup-first protocol:
// snapshot, apply in one transaction, health check, restore on failure.
// When no migrations are pending it touches nothing (restart is a
// no-op: no new backups, schema_version unchanged).
func migrate(db *sql.DB, path, backupsDir string) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}

	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}

	pending := pendingMigrations(applied)
	if len(pending) == 0 {
		return healthCheck(db)
	}

	backup, err := snapshot(path, backupsDir)
	if err != nil {
		return err
	}
	log.Info(log.CatDB, "applying migrations", "pending", len(pending), "backup", backup)

	if err := applyAll(db, pending); err == nil {
		if err := healthCheck(db); err == nil {
			return nil
		} else {
			log.ErrorErr(log.CatDB, "post-migration health check failed", err)
		}
	} else {
		log.ErrorErr(log.CatDB, "migration failed", err)
	}

	// Rollback already happened inside applyAll; restore the snapshot so
	// the file on disk matches the pre-migration state even for partial
	// non-transactional damage.
	if backup != "" {
		if rerr := restore(backup, path); rerr != nil {
			return errs.Invariant(errs.CodeMigrationFailed,
				"migration failed and backup restore failed: %v", rerr)
		}
	}
	return errs.Invariant(errs.CodeMigrationFailed, "database migration failed; backup restored from %s", backup)
}

func appliedVersions(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query(`SELECT version FROM schema_version`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func pendingMigrations(applied map[int]bool) []migration {
	var pending []migration
	for _, m := range migrations {
		if !applied[m.version] {
			pending = append(pending, m)
		}
	}
	return pending
}

// applyAll runs every pending migration inside one transaction so a
// failure partway leaves schema_version untouched.
func applyAll(db *sql.DB, pending []migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	for _, m := range pending {
		if _, err := tx.Exec(m.sql); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		log.Info(log.CatDB, "applied migration", "version", m.version, "name", m.name)
	}
	return tx.Commit()
}

// healthCheck verifies every expected table exists and answers a
// trivial query.
func healthCheck(db *sql.DB) error {
	for _, table := range expectedTables {
		var n int
		if err := db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
			return fmt.Errorf("health check failed for table %s: %w", table, err)
		}
	}
	return nil
}

// snapshot copies the DB file into backupsDir, named by timestamp.
// Returns "" when the DB file does not exist yet (fresh install).
func snapshot(path, backupsDir string) (string, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(backupsDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create backups dir: %w", err)
	}
	name := filepath.Join(backupsDir, time.Now().UTC().Format("20060102T150405")+".db")
	dst, err := os.Create(name)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}
	return name, nil
}

func restore(backup, path string) error {
	src, err := os.Open(backup)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to truncate database: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	return nil
}
