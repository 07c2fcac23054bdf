package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/amialone/moderation/fault"
)

type Kind string

const (
	KindImageUpload Kind = "image_upload"
	KindTextMessage Kind = "text_message"
	KindReport      Kind = "report"
)

var AllKinds = []Kind{KindImageUpload, KindTextMessage, KindReport}

func ParseKind(raw string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", fault.Validationf("unknown rate limit type: %s", raw)
}

type Config struct {
	Limit  int
	Window time.Duration
}

func DefaultLimits() map[Kind]Config {
	return map[Kind]Config{
		KindImageUpload: {Limit: 20, Window: time.Hour},
		KindTextMessage: {Limit: 60, Window: time.Minute},
		KindReport:      {Limit: 10, Window: time.Hour},
	}
}

// Result of a single check. ResetAt is always the end of the window which
// was consulted.
type Result struct {
	Allowed     bool      `json:"allowed"`
	Current     int       `json:"current"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"resetAt"`
	WindowStart time.Time `json:"windowStart"`
}

const (
	DefaultTxnAttempts = 5
	DefaultRetention   = 24 * time.Hour
	DefaultBatchSize   = 500
)

type Limiter struct {
	Store  Store
	Limits map[Kind]Config
	Logger *slog.Logger
	// number of times an atomic apply is attempted when concurrent writers conflict
	TxnAttempts int
	BatchSize   int
	Clock       func() time.Time
}

func NewLimiter(store Store, limits map[Kind]Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	merged := DefaultLimits()
	for k, v := range limits {
		merged[k] = v
	}
	return &Limiter{
		Store:       store,
		Limits:      merged,
		Logger:      logger.With("component", "ratelimit"),
		TxnAttempts: DefaultTxnAttempts,
		BatchSize:   DefaultBatchSize,
		Clock:       time.Now,
	}
}

func (l *Limiter) Config(kind Kind) (Config, error) {
	cfg, ok := l.Limits[kind]
	if !ok || cfg.Window < time.Second {
		return Config{}, fault.Validationf("no rate limit configured for type: %s", kind)
	}
	return cfg, nil
}

// WindowFor returns the fixed window of the given length containing t.
func WindowFor(t time.Time, window time.Duration) (start, end time.Time) {
	secs := int64(window / time.Second)
	epoch := t.Unix()
	startUnix := epoch - (epoch % secs)
	start = time.Unix(startUnix, 0).UTC()
	return start, start.Add(time.Duration(secs) * time.Second)
}

func WindowKey(subject string, kind Kind, start time.Time) string {
	return fmt.Sprintf("%s_%s_%d", subject, kind, start.Unix())
}

// Check consults, and when increment is set and the action is allowed,
// advances the counter for the current window. On any error the returned
// Result has Allowed=false: callers which cannot verify must not allow.
func (l *Limiter) Check(ctx context.Context, subject string, kind Kind, increment bool) (Result, error) {
	cfg, err := l.Config(kind)
	if err != nil {
		return Result{}, err
	}
	if subject == "" {
		return Result{}, fault.ValidationError("subject id is required")
	}

	now := l.Clock().UTC()
	start, end := WindowFor(now, cfg.Window)
	key := WindowKey(subject, kind, start)

	var res Result
	transition := func(cur *Window) (*Window, error) {
		count := 0
		if cur != nil {
			count = cur.Count
		}
		res = Result{
			Allowed:     count < cfg.Limit,
			Current:     count,
			Limit:       cfg.Limit,
			ResetAt:     end,
			WindowStart: start,
		}
		if !res.Allowed || !increment {
			res.Remaining = max(0, cfg.Limit-count)
			return nil, nil
		}
		res.Current = count + 1
		res.Remaining = max(0, cfg.Limit-res.Current)
		return &Window{
			Subject:     subject,
			Kind:        kind,
			Count:       count + 1,
			WindowStart: start,
			WindowEnd:   end,
			LastUpdated: now,
		}, nil
	}

	if err := l.apply(ctx, key, transition); err != nil {
		rateLimitErrors.WithLabelValues(string(kind)).Inc()
		l.Logger.Error("rate limit check failed", "subject", subject, "kind", kind, "err", err)
		return Result{Limit: cfg.Limit, ResetAt: end, WindowStart: start}, err
	}

	if increment {
		if res.Allowed {
			rateLimitChecks.WithLabelValues(string(kind), "allowed").Inc()
		} else {
			rateLimitChecks.WithLabelValues(string(kind), "denied").Inc()
			l.Logger.Info("rate limit exceeded", "subject", subject, "kind", kind, "current", res.Current, "limit", res.Limit)
		}
	}
	return res, nil
}

// apply runs a transition with optimistic-concurrency retry.
func (l *Limiter) apply(ctx context.Context, key string, fn func(*Window) (*Window, error)) error {
	attempts := max(1, l.TxnAttempts)
	for i := 0; i < attempts; i++ {
		err := l.Store.Apply(ctx, key, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return fault.Wrap(fault.Fatal, "ratelimit.apply", err)
		}
		rateLimitConflicts.Inc()
		// short randomized pause lets the winning writer commit
		pause := time.Duration(rand.IntN(10*(i+1))+1) * time.Millisecond
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Dependency, "ratelimit.apply", ctx.Err())
		case <-time.After(pause):
		}
	}
	return fault.Wrap(fault.Dependency, "ratelimit.apply", fmt.Errorf("%w: gave up after %d attempts", ErrConflict, attempts))
}

// Status reports the current window of every configured kind without
// changing any counter.
func (l *Limiter) Status(ctx context.Context, subject string) (map[Kind]Result, error) {
	out := make(map[Kind]Result, len(l.Limits))
	for kind := range l.Limits {
		res, err := l.Check(ctx, subject, kind, false)
		if err != nil {
			return nil, err
		}
		out[kind] = res
	}
	return out, nil
}

// Cleanup deletes windows which ended more than olderThan ago. Safe to run
// concurrently with live checks.
func (l *Limiter) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultRetention
	}
	cutoff := l.Clock().UTC().Add(-olderThan)
	batch := l.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	n, err := l.Store.DeleteExpired(ctx, cutoff, batch)
	if err != nil {
		return n, fault.Wrap(fault.Fatal, "ratelimit.cleanup", err)
	}
	rateLimitCleaned.Add(float64(n))
	l.Logger.Info("cleaned up expired rate limit windows", "deleted", n, "cutoff", cutoff)
	return n, nil
}
