package reminders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for development and tests
type MemStore struct {
	now func() time.Time

	mu        sync.RWMutex
	reminders []Reminder
}

// NewMemStore creates an empty store. A nil now means time.Now.
func NewMemStore(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{now: now}
}

// Create implements Store
func (s *MemStore) Create(ctx context.Context, in Input) (Reminder, error) {
	if err := ctx.Err(); err != nil {
		return Reminder{}, err
	}
	if err := in.Validate(); err != nil {
		return Reminder{}, err
	}

	r := Reminder{
		ID:         uuid.New().String(),
		Title:      in.Title,
		Priority:   in.Priority,
		Category:   in.Category,
		PeriodID:   in.PeriodID,
		DueDate:    in.DueDate,
		Checklist:  append([]string(nil), in.Checklist...),
		Transcript: in.Transcript,
		Confidence: in.Confidence,
		CreatedAt:  s.now(),
	}

	s.mu.Lock()
	s.reminders = append(s.reminders, r)
	s.mu.Unlock()
	return r, nil
}

// List implements Store
func (s *MemStore) List(ctx context.Context, limit int) ([]Reminder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]Reminder, len(s.reminders))
	copy(out, s.reminders)
	s.mu.RUnlock()

	// Stable on insertion order so equal timestamps list newest-created first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
