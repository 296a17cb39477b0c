// Package store provides checkpoint persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/toolagent/internal/domain"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a thread.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrCorrupt is returned when a stored checkpoint cannot be decoded.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// Repository persists thread checkpoints keyed by thread id.
// Writes are last-writer-wins per thread.
type Repository interface {
	// Save stores the checkpoint, replacing any previous one for the thread.
	Save(ctx context.Context, cp *domain.Checkpoint) error

	// Load returns the checkpoint for a thread, ErrNotFound or ErrCorrupt.
	Load(ctx context.Context, threadID string) (*domain.Checkpoint, error)

	// ListThreadIDs returns all known thread ids, most recently updated first.
	ListThreadIDs(ctx context.Context) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// validate checks a decoded checkpoint and normalizes nil messages. Both
// backends apply it on Load.
func validate(cp *domain.Checkpoint) error {
	switch cp.Status {
	case domain.StatusRunning, domain.StatusAwaitingApproval, domain.StatusTerminated:
	default:
		return fmt.Errorf("status %q: %w", cp.Status, ErrCorrupt)
	}
	if cp.Status == domain.StatusAwaitingApproval && cp.Pending == nil {
		return fmt.Errorf("awaiting approval without pending call: %w", ErrCorrupt)
	}
	if cp.Messages == nil {
		cp.Messages = []domain.Message{}
	}
	return nil
}
