// Package textmod decides whether a short text is acceptable, using the
// keyword matcher, and records each decision in the ledger.
package textmod

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/amialone/moderation/fault"
	"github.com/amialone/moderation/keyword"
	"github.com/amialone/moderation/ledger"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/spaolacci/murmur3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("textmod")

const (
	DefaultCacheSize = 10_000
	DefaultCacheTTL  = 10 * time.Minute

	// number of labels quoted in a block reason
	reasonTerms = 3
)

type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// every match, including those past the ones quoted in Reason
	Matches []keyword.Match `json:"-"`
}

func (r Result) Labels() []string {
	return keyword.Labels(r.Matches)
}

type cacheKey struct {
	generation uint64
	hash       uint64
}

type Engine struct {
	Ledger ledger.Ledger
	// persist raw text in audit records
	Verbose bool
	Logger  *slog.Logger
	Clock   func() time.Time

	matcher atomic.Pointer[keyword.Matcher]
	cache   *expirable.LRU[cacheKey, Result]
}

type Config struct {
	Verbose   bool
	CacheSize int
	CacheTTL  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Verbose:   true,
		CacheSize: DefaultCacheSize,
		CacheTTL:  DefaultCacheTTL,
	}
}

func NewEngine(m *keyword.Matcher, lg ledger.Ledger, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = keyword.NewDefaultMatcher()
	}
	e := &Engine{
		Ledger:  lg,
		Verbose: cfg.Verbose,
		Logger:  logger.With("component", "textmod"),
		Clock:   time.Now,
	}
	if cfg.CacheSize > 0 {
		e.cache = expirable.NewLRU[cacheKey, Result](cfg.CacheSize, nil, cfg.CacheTTL)
	}
	e.matcher.Store(m)
	return e
}

func (e *Engine) Matcher() *keyword.Matcher {
	return e.matcher.Load()
}

// Reload swaps in a new matcher. Calls already in progress finish with the
// matcher they started with.
func (e *Engine) Reload(m *keyword.Matcher) {
	old := e.matcher.Swap(m)
	if e.cache != nil {
		e.cache.Purge()
	}
	blocklistReloads.Inc()
	blocklistTerms.Set(float64(m.Len()))
	e.Logger.Info("matcher reloaded", "terms", m.Len(), "generation", m.Generation(), "previous", old.Generation())
}

// ReloadFile rebuilds the matcher from a blocklist file, keeping the default
// patterns. A missing file yields an empty blocklist.
func (e *Engine) ReloadFile(path string) (*keyword.Matcher, error) {
	terms, err := keyword.LoadBlocklistFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "textmod.reload", err)
	}
	m := keyword.NewMatcher(terms, keyword.DefaultPatterns())
	e.Reload(m)
	return m, nil
}

// Moderate is the pure decision. Empty and whitespace-only text is allowed.
func (e *Engine) Moderate(text string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Allowed: true}
	}
	m := e.matcher.Load()

	var key cacheKey
	if e.cache != nil {
		key = cacheKey{generation: m.Generation(), hash: murmur3.Sum64([]byte(keyword.Fold(text)))}
		if res, ok := e.cache.Get(key); ok {
			textCacheHits.Inc()
			return res
		}
	}

	matches := m.Match(text)
	res := Result{Allowed: len(matches) == 0, Matches: matches}
	if !res.Allowed {
		res.Reason = blockReason(keyword.Labels(matches))
	}
	if e.cache != nil {
		e.cache.Add(key, res)
	}
	return res
}

func blockReason(labels []string) string {
	quoted := labels
	if len(quoted) > reasonTerms {
		quoted = quoted[:reasonTerms]
	}
	reason := "Content contains prohibited terms: " + strings.Join(quoted, ", ")
	if len(labels) > reasonTerms {
		reason += "..."
	}
	return reason
}

// Validate moderates text on behalf of subject and records the outcome. A
// blocked text also produces a blocked-content record and a violation.
// Failure to record is Fatal; the decision is not returned in that case.
func (e *Engine) Validate(ctx context.Context, text, subject, contextID string) (Result, error) {
	ctx, span := tracer.Start(ctx, "Validate")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject))

	res := e.Moderate(text)
	if strings.TrimSpace(text) == "" {
		return res, nil
	}

	action := ledger.ActionApproved
	reason := "Content passed moderation"
	if !res.Allowed {
		action = ledger.ActionBlocked
		reason = res.Reason
	}
	textDecisions.WithLabelValues(string(action)).Inc()
	span.SetAttributes(attribute.String("action", string(action)))

	now := e.now()
	d := &ledger.Decision{
		Subject:     subject,
		ContentType: ledger.ContentText,
		Action:      action,
		Reason:      reason,
		Matched:     res.Labels(),
		ContextID:   contextID,
		Timestamp:   now,
	}
	if e.Verbose {
		d.OriginalContent = text
	}
	if err := e.Ledger.RecordDecision(ctx, d); err != nil {
		return Result{}, fault.Wrap(fault.Fatal, "textmod.record", err)
	}
	if res.Allowed {
		return res, nil
	}

	err := e.Ledger.RecordBlocked(ctx, &ledger.BlockedContent{
		Subject:      subject,
		ContentType:  ledger.ContentText,
		OriginalPath: text,
		Reason:       res.Reason,
		Timestamp:    now,
	})
	if err != nil {
		return Result{}, fault.Wrap(fault.Fatal, "textmod.blocked", err)
	}
	count, err := e.Ledger.IncrementViolation(ctx, subject, now)
	if err != nil {
		return Result{}, fault.Wrap(fault.Fatal, "textmod.violation", err)
	}
	e.Logger.Info("text blocked", "subject", subject, "context", contextID, "matches", res.Labels(), "violations", count)
	return res, nil
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock().UTC()
	}
	return time.Now().UTC()
}
