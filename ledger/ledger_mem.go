package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemLedger struct {
	mu         sync.Mutex
	decisions  []Decision
	blocked    []BlockedContent
	violations map[string]Violation
	reports    map[string]*Report
	// creation order, for stable sorting of equal timestamps
	reportSeq map[string]int
	requeues  map[string]int
	Clock     func() time.Time
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		violations: make(map[string]Violation),
		reports:    make(map[string]*Report),
		reportSeq:  make(map[string]int),
		requeues:   make(map[string]int),
		Clock:      time.Now,
	}
}

func (l *MemLedger) RecordDecision(ctx context.Context, d *Decision) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = l.Clock().UTC()
	}
	cp := *d
	cp.Matched = slices.Clone(d.Matched)
	l.decisions = append(l.decisions, cp)
	return nil
}

func (l *MemLedger) ListDecisions(ctx context.Context, subject string, limit int) ([]Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Decision
	for i := len(l.decisions) - 1; i >= 0; i-- {
		if subject != "" && l.decisions[i].Subject != subject {
			continue
		}
		out = append(out, l.decisions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemLedger) RecordBlocked(ctx context.Context, b *BlockedContent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = l.Clock().UTC()
	}
	l.blocked = append(l.blocked, *b)
	return nil
}

// Blocked returns a copy of every blocked-content record, oldest first.
func (l *MemLedger) Blocked() []BlockedContent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.blocked)
}

func (l *MemLedger) IncrementViolation(ctx context.Context, subject string, at time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := l.violations[subject]
	v.Subject = subject
	v.Count++
	v.LastViolation = at.UTC()
	l.violations[subject] = v
	return v.Count, nil
}

func (l *MemLedger) GetViolations(ctx context.Context, subject string) (*Violation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.violations[subject]
	if !ok {
		return &Violation{Subject: subject}, nil
	}
	return &v, nil
}

func (l *MemLedger) CreateReport(ctx context.Context, r *Report) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.Clock().UTC()
	}
	if r.Status == "" {
		r.Status = ReportPending
	}
	if _, ok := l.reports[r.ID]; ok {
		return fmt.Errorf("report %s already exists", r.ID)
	}
	cp := *r
	l.reports[r.ID] = &cp
	l.reportSeq[r.ID] = len(l.reportSeq)
	return nil
}

func (l *MemLedger) GetReport(ctx context.Context, id string) (*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

func (l *MemLedger) ListReports(ctx context.Context, q ReportQuery) ([]Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Report
	for _, r := range l.reports {
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.ContentID != "" && r.ContentID != q.ContentID {
			continue
		}
		if q.ReporterID != "" && r.ReporterID != q.ReporterID {
			continue
		}
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b Report) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = l.reportSeq[a.ID] - l.reportSeq[b.ID]
		}
		if q.Order == NewestFirst {
			return -c
		}
		return c
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (l *MemLedger) MarkReviewed(ctx context.Context, id, notes string, at time.Time) (*Report, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.reports[id]
	if !ok {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	if r.Status == ReportReviewed {
		return nil, ErrAlreadyReviewed
	}
	ts := at.UTC()
	r.Status = ReportReviewed
	r.ReviewedAt = &ts
	if notes != "" {
		r.ReviewerNotes = notes
	}
	cp := *r
	return &cp, nil
}

func (l *MemLedger) ReportStats(ctx context.Context) (*ReportStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	stats := &ReportStats{ByCategory: make(map[string]int)}
	for _, r := range l.reports {
		if r.Status != ReportPending {
			continue
		}
		stats.PendingCount++
		stats.ByCategory[r.Category]++
	}
	return stats, nil
}

func (l *MemLedger) RecordRequeueAttempt(ctx context.Context, path string, at time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requeues[path]++
	return l.requeues[path], nil
}

func (l *MemLedger) ClearRequeueAttempts(ctx context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requeues, path)
	return nil
}

var _ Ledger = (*MemLedger)(nil)
