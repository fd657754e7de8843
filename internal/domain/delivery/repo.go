package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an attempt does not exist.
var ErrNotFound = errors.New("delivery attempt not found")

// AttemptRepository persists delivery attempts. Implementations must be safe
// for concurrent use.
type AttemptRepository interface {
	Record(ctx context.Context, a *Attempt) error
	GetByID(ctx context.Context, id uuid.UUID) (*Attempt, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Attempt, int, error)
}
