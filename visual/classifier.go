package visual

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// A Classifier returns per-category likelihoods for an image.
type Classifier interface {
	Analyze(ctx context.Context, image []byte) (Scores, error)
}

// APIError is returned when the classifier answered but refused the request.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("classifier error (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("classifier error: %s", e.Message)
}

// Retryable reports whether the same request might succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode != 501)
}

// IsRetryable is false only for errors which a repeat of the same call can
// never fix. Transport failures and timeouts are retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// StaticClassifier returns fixed scores, or a fixed error. It counts calls and
// can fail a given number of times before succeeding.
type StaticClassifier struct {
	Scores Scores
	Err    error
	// number of leading calls which fail with Err before Scores is returned; <0 fails forever
	FailFirst int

	mu    sync.Mutex
	calls int
}

func (c *StaticClassifier) Analyze(ctx context.Context, image []byte) (Scores, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.Err != nil && (c.FailFirst < 0 || n <= c.FailFirst) {
		return nil, c.Err
	}
	out := make(Scores, len(c.Scores))
	for k, v := range c.Scores {
		out[k] = v
	}
	return out, nil
}

func (c *StaticClassifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
