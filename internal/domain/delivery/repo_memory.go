package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a thread-safe, in-memory AttemptRepository. It keeps at
// most capacity attempts, discarding the oldest first.
type MemoryRepository struct {
	mu       sync.RWMutex
	capacity int
	attempts []*Attempt
}

// DefaultMemoryCapacity bounds the in-memory journal when no database is configured.
const DefaultMemoryCapacity = 10000

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(capacity int) *MemoryRepository {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryRepository{capacity: capacity}
}

func (r *MemoryRepository) Record(_ context.Context, a *Attempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a

	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, &cp)
	if over := len(r.attempts) - r.capacity; over > 0 {
		r.attempts = append([]*Attempt(nil), r.attempts[over:]...)
	}
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Attempt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.attempts {
		if a.ID == id {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// List returns matching attempts, newest first.
func (r *MemoryRepository) List(_ context.Context, f Filter, limit, offset int) ([]*Attempt, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var filtered []*Attempt
	for i := len(r.attempts) - 1; i >= 0; i-- {
		if f.matches(r.attempts[i]) {
			cp := *r.attempts[i]
			filtered = append(filtered, &cp)
		}
	}
	total := len(filtered)
	if offset >= total {
		return []*Attempt{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}
