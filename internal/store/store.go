// Package store is the SQLite persistence layer: compiled artifacts,
// registry pointers and their history, receipts, evaluation reports,
// datasets, compile-job results and kernel blobs all live in one
// database file. Accessor methods hand out views satisfying the
// consumer-side interfaces.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"promptc/internal/logging"
)

// SQLiteStore owns the database handle. Pointer compare-and-swap locks
// per signature id, so unrelated signatures never contend; the store
// mutex only serializes dataset export read-modify-write. Everything
// else relies on SQLite's own locking.
type SQLiteStore struct {
	db       *sql.DB
	mu       sync.Mutex
	ptrLocks sync.Map // signature id -> *sync.Mutex
	dbPath   string
	log      *zap.SugaredLogger
}

// pointerLock returns the write lock for one signature's pointer row.
func (s *SQLiteStore) pointerLock(signatureID string) *sync.Mutex {
	mu, _ := s.ptrLocks.LoadOrStore(signatureID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Open initializes the SQLite database at the given path, creating
// parent directories and the schema as needed.
func Open(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal_mode: %w", err)
	}

	s := &SQLiteStore{db: db, dbPath: path, log: logging.Get(logging.CategoryStore)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		compiled_id TEXT PRIMARY KEY,
		signature_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_signature ON artifacts(signature_id);

	CREATE TABLE IF NOT EXISTS pointers (
		signature_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pointer_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signature_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		doc TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_signature ON pointer_history(signature_id);

	CREATE TABLE IF NOT EXISTS receipts (
		id TEXT PRIMARY KEY,
		signature_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		doc TEXT NOT NULL,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_receipts_signature ON receipts(signature_id);

	CREATE TABLE IF NOT EXISTS eval_reports (
		cache_key TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS blobs (
		id TEXT PRIMARY KEY,
		mime TEXT,
		size INTEGER NOT NULL,
		data BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS compile_jobs (
		job_hash TEXT NOT NULL,
		dataset_hash TEXT NOT NULL,
		compiled_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (job_hash, dataset_hash)
	);

	CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		doc TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS receipt_exports (
		receipt_id TEXT PRIMARY KEY,
		dataset_id TEXT NOT NULL,
		example_id TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
