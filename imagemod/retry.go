package imagemod

import (
	"context"
	"fmt"
	"time"

	"github.com/amialone/moderation/visual"

	"github.com/cenkalti/backoff/v5"
)

type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// ceiling on total time spent classifying, including backoff
	Deadline time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		Deadline:     60 * time.Second,
	}
}

func (rc RetryConfig) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rc.InitialDelay
	b.MaxInterval = rc.MaxDelay
	b.Multiplier = rc.Multiplier
	b.RandomizationFactor = 0.1
	return b
}

// classify calls the classifier with bounded exponential backoff. Errors the
// classifier marks non-retryable stop immediately. The returned count is the
// number of calls made.
func classify(ctx context.Context, c visual.Classifier, rc RetryConfig, image []byte) (visual.Scores, int, error) {
	if rc.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.Deadline)
		defer cancel()
	}
	attempts := 0
	op := func() (visual.Scores, error) {
		attempts++
		if attempts > 1 {
			classifierRetries.Inc()
		}
		scores, err := c.Analyze(ctx, image)
		if err != nil && !visual.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return scores, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(rc.backOff()),
		backoff.WithMaxTries(uint(max(1, rc.MaxAttempts))),
	}
	if rc.Deadline > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(rc.Deadline))
	}
	scores, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		return nil, attempts, fmt.Errorf("Vision API failed after %d attempts: %w", attempts, err)
	}
	return scores, attempts, nil
}
