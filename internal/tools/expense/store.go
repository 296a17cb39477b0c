// Package expense implements an SQLite-backed expense tracker and its tools.
package expense

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/toolagent/internal/domain"
	"github.com/ashureev/toolagent/internal/shared"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when deleting an unknown expense.
var ErrNotFound = errors.New("expense not found")

// Store persists expenses in SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	policy shared.RetryPolicy
}

// Open opens (creating if needed) the expense database and its schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create expense directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open expense database: %w", err)
	}
	db.SetMaxOpenConns(4)

	s := &Store{db: db, policy: shared.DefaultRetryPolicy()}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize expense schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS expenses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		amount REAL NOT NULL,
		category TEXT NOT NULL,
		subcategory TEXT DEFAULT '',
		note TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_expenses_date ON expenses(date);
	`)
	return err
}

// Add inserts an expense and returns its id.
func (s *Store) Add(ctx context.Context, e domain.Expense) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := shared.RetryOnConflict(ctx, s.policy, "add_expense", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO expenses (date, amount, category, subcategory, note) VALUES (?, ?, ?, ?, ?)`,
			e.Date, e.Amount, e.Category, e.Subcategory, e.Note)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert expense: %w", err)
	}
	return id, nil
}

// List returns all expenses, newest date first.
func (s *Store) List(ctx context.Context) ([]domain.Expense, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, date, amount, category, subcategory, note FROM expenses ORDER BY date DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query expenses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expense rows", "error", closeErr)
		}
	}()

	var out []domain.Expense
	for rows.Next() {
		var e domain.Expense
		var sub, note sql.NullString
		if err := rows.Scan(&e.ID, &e.Date, &e.Amount, &e.Category, &sub, &note); err != nil {
			return nil, fmt.Errorf("scan expense: %w", err)
		}
		e.Subcategory, e.Note = sub.String, note.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summarize totals expenses by category (largest first) or, for any other
// groupBy value, by date (newest first).
func (s *Store) Summarize(ctx context.Context, groupBy string) ([]domain.ExpenseTotal, error) {
	query := `SELECT date, SUM(amount) AS total FROM expenses GROUP BY date ORDER BY date DESC`
	if groupBy == "category" {
		query = `SELECT category, SUM(amount) AS total FROM expenses GROUP BY category ORDER BY total DESC`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("summarize expenses: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close summary rows", "error", closeErr)
		}
	}()

	var out []domain.ExpenseTotal
	for rows.Next() {
		var t domain.ExpenseTotal
		if err := rows.Scan(&t.Key, &t.Total); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes an expense by id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	err := shared.RetryOnConflict(ctx, s.policy, "delete_expense", func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM expenses WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete expense: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("delete expense %d: %w", id, ErrNotFound)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
