package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemStore keeps windows in process memory. Transitions run under a single
// mutex, so they never conflict.
type MemStore struct {
	mu      sync.Mutex
	windows map[string]Window
}

func NewMemStore() *MemStore {
	return &MemStore{
		windows: make(map[string]Window),
	}
}

func (s *MemStore) Apply(ctx context.Context, key string, fn func(cur *Window) (*Window, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur *Window
	if w, ok := s.windows[key]; ok {
		cur = &w
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next != nil {
		s.windows[key] = *next
	}
	return nil
}

func (s *MemStore) DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int, error) {
	deleted := 0
	for {
		n := s.deleteBatch(cutoff, batchSize)
		deleted += n
		if n < batchSize {
			return deleted, nil
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
	}
}

func (s *MemStore) deleteBatch(cutoff time.Time, batchSize int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, w := range s.windows {
		if n >= batchSize {
			break
		}
		if w.WindowEnd.Before(cutoff) {
			delete(s.windows, k)
			n++
		}
	}
	return n
}

func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
