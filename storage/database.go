package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "backupxfer.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 6 * time.Hour
	// DefaultAuditRetention controls audit event pruning.
	DefaultAuditRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS clients (
  client_id    TEXT PRIMARY KEY,
  secret_hash  TEXT NOT NULL,
  permissions  TEXT NOT NULL DEFAULT '[]',
  is_active    INTEGER NOT NULL DEFAULT 1,
  expires_at   INTEGER,
  created_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS auth_tokens (
  token_id     TEXT PRIMARY KEY,
  token_hash   TEXT NOT NULL UNIQUE,
  client_id    TEXT NOT NULL REFERENCES clients(client_id),
  permissions  TEXT NOT NULL DEFAULT '[]',
  issued_at    INTEGER NOT NULL,
  expires_at   INTEGER NOT NULL,
  last_used_at INTEGER NOT NULL,
  revoked_at   INTEGER
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_auth_tokens_client
ON auth_tokens (client_id, expires_at);
`,
	`
CREATE TABLE IF NOT EXISTS resume_tokens (
  token                  TEXT PRIMARY KEY,
  transfer_id            TEXT NOT NULL,
  client_id              TEXT NOT NULL,
  file_name              TEXT NOT NULL,
  total_size             INTEGER NOT NULL CHECK(total_size >= 0),
  chunk_size             INTEGER NOT NULL CHECK(chunk_size > 0),
  checksum_algorithm     TEXT NOT NULL,
  expected_file_checksum TEXT,
  transform_tag          TEXT NOT NULL DEFAULT '',
  temp_path              TEXT NOT NULL DEFAULT '',
  is_completed           INTEGER NOT NULL DEFAULT 0,
  created_at             INTEGER NOT NULL,
  last_activity          INTEGER NOT NULL,
  UNIQUE (file_name, transfer_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS resume_chunks (
  resume_token   TEXT NOT NULL REFERENCES resume_tokens(token) ON DELETE CASCADE,
  chunk_index    INTEGER NOT NULL CHECK(chunk_index >= 0),
  chunk_checksum TEXT NOT NULL,
  completed_at   INTEGER NOT NULL,
  PRIMARY KEY (resume_token, chunk_index)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_resume_tokens_activity
ON resume_tokens (is_completed, last_activity);
`,
	`
CREATE TABLE IF NOT EXISTS audit_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  timestamp    INTEGER NOT NULL,
  client_id    TEXT,
  action       TEXT NOT NULL,
  outcome      TEXT NOT NULL CHECK(outcome IN ('success','failure')),
  failure_kind TEXT,
  remote_addr  TEXT NOT NULL DEFAULT '',
  details      TEXT NOT NULL DEFAULT '{}'
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_events_time
ON audit_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_events_client
ON audit_events (client_id, timestamp DESC, id DESC);
`,
	`
CREATE TABLE IF NOT EXISTS transfer_checkpoints (
  transfer_id   TEXT PRIMARY KEY,
  source_path   TEXT NOT NULL,
  file_name     TEXT NOT NULL,
  total_size    INTEGER NOT NULL,
  chunk_size    INTEGER NOT NULL,
  modified_at   INTEGER NOT NULL,
  file_checksum TEXT NOT NULL,
  resume_token  TEXT NOT NULL DEFAULT '',
  target        TEXT NOT NULL,
  completed     INTEGER NOT NULL DEFAULT 0,
  updated_at    INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfer_checkpoints_source
ON transfer_checkpoints (source_path, target, completed, updated_at DESC);
`,
}

// Store is a thin wrapper around a SQLite connection. It backs the credential,
// token, resume and audit repositories on the receiver and the transfer
// checkpoints on the sender.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	auditRetention        time.Duration
	now                   func() time.Time
	closeOnce             sync.Once
}

// Open opens (or creates) the database under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
// Transactions begin IMMEDIATE so concurrent writers serialize on the write lock
// instead of failing an upgrade from a read lock.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		auditRetention:        DefaultAuditRetention,
		now:                   time.Now,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Checkpoint(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

// Checkpoint truncates the write-ahead log.
func (s *Store) Checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.Checkpoint()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}

// withTx runs fn inside one transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
