package store

import (
	"context"
	"errors"
	"sort"

	"github.com/joescharf/advisor/internal/models"
)

var (
	// ErrNotFound is returned when no session exists for an ID.
	ErrNotFound = errors.New("session not found")

	// ErrVersionConflict is returned by CompareAndSwap when the stored version
	// no longer matches the version the caller read.
	ErrVersionConflict = errors.New("session version conflict")
)

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 20

// ListOptions controls session listings.
type ListOptions struct {
	Limit int
}

// Store defines session persistence for the advisor.
//
// CompareAndSwap is the only serialization point between concurrent turns on
// the same session: it replaces the stored session only when its version still
// equals expected, and then sets next.Version to expected+1.
type Store interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	CreateIfAbsent(ctx context.Context, id string) (*models.Session, error)
	CompareAndSwap(ctx context.Context, id string, expected int64, next *models.Session) error

	List(ctx context.Context, opts ListOptions) ([]models.SessionSummary, error)
	Delete(ctx context.Context, id string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultListLimit
	}
	return o.Limit
}

// sortSummaries orders summaries most recently updated first and applies the limit.
func sortSummaries(out []models.SessionSummary, limit int) []models.SessionSummary {
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
