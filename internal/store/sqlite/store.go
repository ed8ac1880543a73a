// Package sqlite implements the agent's local store backed by a SQLite
// database. It persists the key-value settings that override the config file
// (credentials included) and a journal of received commands.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a settings key does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection for all agent persistence.
type Store struct {
	db *sql.DB

	getSettingStmt    *sql.Stmt
	recordCommandStmt *sql.Stmt
	recordStatusStmt  *sql.Stmt
}

const defaultMaxOpenConns = 4

const getSettingQuery = `SELECT value FROM settings WHERE key = ?`
const recordCommandQuery = `
INSERT INTO command_history(uid, action, status, data, received_at)
VALUES(?, ?, '', '', ?)
ON CONFLICT(uid) DO UPDATE SET action = excluded.action, received_at = excluded.received_at`
const recordStatusQuery = `
INSERT INTO command_history(uid, action, status, data, received_at, updated_at)
VALUES(?, '', ?, ?, ?, ?)
ON CONFLICT(uid) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
}

// Open creates or opens the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions creates or opens the SQLite database at path with tunable
// connection pool settings, runs migrations, and enables WAL mode.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=synchronous(normal)")
	if err != nil {
		return nil, err
	}
	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite setup (%s): %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.prepareStatements(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := restrictPermissions(path); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("restrict database permissions: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	stmtErr := s.closePreparedStatements()
	return errors.Join(stmtErr, s.db.Close())
}

// Migrate creates all required tables and indexes if they do not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS command_history (
	uid TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	status TEXT NOT NULL,
	data TEXT NOT NULL,
	received_at DATETIME NOT NULL,
	updated_at DATETIME NULL
);
CREATE INDEX IF NOT EXISTS idx_command_history_received_at ON command_history(received_at DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) prepareStatements(ctx context.Context) error {
	var err error
	if s.getSettingStmt, err = s.db.PrepareContext(ctx, getSettingQuery); err != nil {
		return fmt.Errorf("prepare get setting query: %w", err)
	}
	if s.recordCommandStmt, err = s.db.PrepareContext(ctx, recordCommandQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare record command query: %w", err), closeErr)
	}
	if s.recordStatusStmt, err = s.db.PrepareContext(ctx, recordStatusQuery); err != nil {
		closeErr := s.closePreparedStatements()
		return errors.Join(fmt.Errorf("prepare record status query: %w", err), closeErr)
	}
	return nil
}

func (s *Store) closePreparedStatements() error {
	var err error
	err = errors.Join(err, closeStmt(&s.getSettingStmt))
	err = errors.Join(err, closeStmt(&s.recordCommandStmt))
	err = errors.Join(err, closeStmt(&s.recordStatusStmt))
	return err
}

func closeStmt(stmt **sql.Stmt) error {
	if stmt == nil || *stmt == nil {
		return nil
	}
	err := (*stmt).Close()
	*stmt = nil
	return err
}
