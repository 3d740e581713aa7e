package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "history.db"

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS transfers (
  id                TEXT PRIMARY KEY,
  direction         TEXT NOT NULL CHECK(direction IN ('send','receive')),
  file_name         TEXT NOT NULL,
  file_size         INTEGER NOT NULL,
  bytes_transferred INTEGER NOT NULL,
  status            TEXT NOT NULL CHECK(status IN ('completed','rejected','error')),
  peer_ip           TEXT,
  error             TEXT,
  dest_path         TEXT,
  started_at        INTEGER NOT NULL,
  finished_at       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_finished_at
ON transfers (finished_at);
`,
}

// TransferRecord is one terminal transfer outcome.
type TransferRecord struct {
	ID               string
	Direction        string
	FileName         string
	FileSize         int64
	BytesTransferred int64
	Status           string
	PeerIP           string
	Error            string
	DestPath         string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Store persists transfer history in SQLite.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if needed) the history database under dataDir and
// applies migrations. It returns the store and the database path.
func Open(dataDir string) (*Store, string, error) {
	dbPath := filepath.Join(dataDir, DefaultDBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, "", fmt.Errorf("open database: %w", err)
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("apply migration: %w", err)
		}
	}

	return &Store{db: db}, dbPath, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RecordTransfer upserts one terminal transfer record.
func (s *Store) RecordTransfer(record TransferRecord) error {
	if record.ID == "" {
		return errors.New("transfer ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
INSERT INTO transfers
  (id, direction, file_name, file_size, bytes_transferred, status, peer_ip, error, dest_path, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  bytes_transferred = excluded.bytes_transferred,
  status            = excluded.status,
  error             = excluded.error,
  dest_path         = excluded.dest_path,
  finished_at       = excluded.finished_at
`,
		record.ID,
		record.Direction,
		record.FileName,
		record.FileSize,
		record.BytesTransferred,
		record.Status,
		record.PeerIP,
		record.Error,
		record.DestPath,
		record.StartedAt.UnixMilli(),
		record.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transfer: %w", err)
	}
	return nil
}

// GetTransfer returns one transfer record by ID.
func (s *Store) GetTransfer(id string) (TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
SELECT id, direction, file_name, file_size, bytes_transferred, status, peer_ip, error, dest_path, started_at, finished_at
FROM transfers WHERE id = ?
`, id)

	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return TransferRecord{}, fmt.Errorf("get transfer: %w", err)
	}
	return record, nil
}

// ListTransfers returns history newest-first, up to limit records.
func (s *Store) ListTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
SELECT id, direction, file_name, file_size, bytes_transferred, status, peer_ip, error, dest_path, started_at, finished_at
FROM transfers ORDER BY finished_at DESC, id LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (TransferRecord, error) {
	var record TransferRecord
	var startedAt, finishedAt int64

	err := row.Scan(
		&record.ID,
		&record.Direction,
		&record.FileName,
		&record.FileSize,
		&record.BytesTransferred,
		&record.Status,
		&record.PeerIP,
		&record.Error,
		&record.DestPath,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return TransferRecord{}, err
	}

	record.StartedAt = time.UnixMilli(startedAt)
	record.FinishedAt = time.UnixMilli(finishedAt)
	return record, nil
}
