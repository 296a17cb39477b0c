package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writes to avoid SQLITE_BUSY
	policy shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed checkpoint repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, policy: shared.DefaultRetryPolicy()}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		pending_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Save stores the checkpoint for its thread.
func (s *SQLiteStore) Save(ctx context.Context, cp *domain.Checkpoint) error {
	if cp == nil || cp.ThreadID == "" {
		return fmt.Errorf("save checkpoint: missing thread id")
	}

	messagesJSON, err := json.Marshal(cp.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	var pendingJSON interface{}
	if cp.Pending != nil {
		raw, err := json.Marshal(cp.Pending)
		if err != nil {
			return fmt.Errorf("marshal pending approval: %w", err)
		}
		pendingJSON = string(raw)
	}

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO checkpoints (thread_id, status, messages_json, pending_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			status = excluded.status,
			messages_json = excluded.messages_json,
			pending_json = excluded.pending_json,
			updated_at = excluded.updated_at`

	s.mu.Lock()
	defer s.mu.Unlock()

	return shared.RetryOnConflict(ctx, s.policy, "save_checkpoint", func() error {
		_, err := s.db.ExecContext(ctx, query,
			cp.ThreadID, string(cp.Status), string(messagesJSON), pendingJSON,
			createdAt.UnixNano(), time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert checkpoint: %w", err)
		}
		return nil
	})
}

// Load returns the checkpoint for a thread.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	query := `
		SELECT thread_id, status, messages_json, pending_json, created_at, updated_at
		FROM checkpoints WHERE thread_id = ?`

	var (
		cp           domain.Checkpoint
		status       string
		messagesJSON string
		pendingJSON  sql.NullString
		createdAt    int64
		updatedAt    int64
	)

	err := s.db.QueryRowContext(ctx, query, threadID).Scan(
		&cp.ThreadID, &status, &messagesJSON, &pendingJSON, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &cp.Messages); err != nil {
		return nil, fmt.Errorf("load %s: messages: %w", threadID, ErrCorrupt)
	}
	if pendingJSON.Valid && pendingJSON.String != "" {
		var pending domain.PendingApproval
		if err := json.Unmarshal([]byte(pendingJSON.String), &pending); err != nil {
			return nil, fmt.Errorf("load %s: pending: %w", threadID, ErrCorrupt)
		}
		cp.Pending = &pending
	}

	cp.Status = domain.RunStatus(status)
	if err := validate(&cp); err != nil {
		return nil, fmt.Errorf("load %s: %w", threadID, err)
	}
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return &cp, nil
}

// ListThreadIDs returns thread ids ordered by most recent update.
func (s *SQLiteStore) ListThreadIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM checkpoints ORDER BY updated_at DESC, thread_id`)
	if err != nil {
		return nil, fmt.Errorf("query thread ids: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close thread id rows", "error", closeErr)
		}
	}()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan thread id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread ids: %w", err)
	}
	return ids, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
