package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/worldmind/worldmind/internal/core"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements Store over a SQLite database. It uses a
// dual-connection pattern: a single write connection
// (SQLite allows one writer) plus a pooled read-only connection so GetLatest
// and List never queue behind a Put.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB
	readDB *sql.DB
	mu     sync.Mutex

	maxRetries    int
	baseRetryWait time.Duration
}

// NewSQLiteStore opens (creating if necessary) a checkpoint database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating checkpoint directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint write database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening checkpoint read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	s := &SQLiteStore{
		dbPath:        dbPath,
		db:            db,
		readDB:        readDB,
		maxRetries:    5,
		baseRetryWait: 100 * time.Millisecond,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("running checkpoint migrations: %w", err)
	}
	return s, nil
}

// Close closes both connections.
func (s *SQLiteStore) Close() error {
	var errs []error
	if err := s.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// retryWrite retries a write operation on SQLITE_BUSY/SQLITE_LOCKED, mirroring
// an exponential backoff schedule (100ms, 200ms, 400ms, 800ms, 1600ms).
func (s *SQLiteStore) retryWrite(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(); err != nil {
			if isSQLiteBusy(err) {
				lastErr = err
				if attempt < s.maxRetries {
					wait := s.baseRetryWait * time.Duration(1<<attempt)
					select {
					case <-ctx.Done():
						return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), lastErr)
					case <-time.After(wait):
						continue
					}
				}
			}
			return err
		}
		return nil
	}
	return fmt.Errorf("%s: max retries exceeded: %w", operation, lastErr)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// Put implements Store. A second Put with the same (thread_id, checkpoint_id)
// overwrites the row via ON CONFLICT, bumping created_at — this is how the
// engine's before/after checkpoints around one node share an id.
func (s *SQLiteStore) Put(ctx context.Context, threadID, checkpointID, nodeName string, state *core.MissionState) error {
	snapshot, err := json.Marshal(state)
	if err != nil {
		return core.ErrState(core.CodeStateCorrupted, fmt.Sprintf("marshaling mission state snapshot: %v", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.retryWrite(ctx, "checkpoint_put", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (thread_id, checkpoint_id, node_name, created_at, snapshot)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(thread_id, checkpoint_id) DO UPDATE SET
				node_name = excluded.node_name,
				created_at = excluded.created_at,
				snapshot = excluded.snapshot
		`, threadID, checkpointID, nodeName, time.Now(), snapshot)
		return err
	})
}

// GetLatest implements Store.
func (s *SQLiteStore) GetLatest(ctx context.Context, threadID string) (*Snapshot, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT checkpoint_id, node_name, created_at, snapshot
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, threadID)
	return scanSnapshot(row, threadID)
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, threadID string) ([]*Snapshot, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT checkpoint_id, node_name, created_at, snapshot
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var checkpointID, nodeName string
		var createdAt time.Time
		var blob []byte
		if err := rows.Scan(&checkpointID, &nodeName, &createdAt, &blob); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		var state core.MissionState
		if err := json.Unmarshal(blob, &state); err != nil {
			return nil, fmt.Errorf("unmarshaling checkpoint snapshot: %w", err)
		}
		out = append(out, &Snapshot{
			ThreadID:     threadID,
			CheckpointID: checkpointID,
			NodeName:     nodeName,
			CreatedAt:    createdAt,
			State:        &state,
		})
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner, threadID string) (*Snapshot, error) {
	var checkpointID, nodeName string
	var createdAt time.Time
	var blob []byte
	err := row.Scan(&checkpointID, &nodeName, &createdAt, &blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest checkpoint: %w", err)
	}
	var state core.MissionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint snapshot: %w", err)
	}
	return &Snapshot{
		ThreadID:     threadID,
		CheckpointID: checkpointID,
		NodeName:     nodeName,
		CreatedAt:    createdAt,
		State:        &state,
	}, nil
}
