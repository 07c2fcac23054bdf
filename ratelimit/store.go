package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Store.Apply when another writer modified the
// window between read and write. The transition was not applied.
var ErrConflict = errors.New("rate limit window modified concurrently")

type Window struct {
	Subject     string    `json:"userId"`
	Kind        Kind      `json:"type"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// A Store holds window records and can apply a transition atomically.
type Store interface {
	// Apply reads the window stored at key (nil if absent) and passes it to
	// fn. If fn returns a non-nil window it is written back in the same
	// atomic unit. fn must be free of side effects other than capturing its
	// result, as it may be invoked again on retry.
	Apply(ctx context.Context, key string, fn func(cur *Window) (*Window, error)) error
	// DeleteExpired removes windows whose end is before cutoff, committing at
	// most batchSize deletions at a time. Returns the number deleted.
	DeleteExpired(ctx context.Context, cutoff time.Time, batchSize int) (int, error)
}
