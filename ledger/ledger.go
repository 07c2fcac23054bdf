// Package ledger records moderation outcomes: the append-only decision audit
// trail, blocked content kept for appeals, per-subject violation counters,
// user reports, and requeue attempt counters for parked images.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/amialone/moderation/fault"
	"github.com/amialone/moderation/visual"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrAlreadyReviewed = fault.ValidationError("report has already been reviewed")
)

type ContentType string

const (
	ContentImage ContentType = "image"
	ContentText  ContentType = "text"
)

type Action string

const (
	ActionApproved Action = "approved"
	ActionBlocked  Action = "blocked"
	ActionQueued   Action = "queued"
)

// Decision is an immutable audit record of one moderation outcome.
type Decision struct {
	ID          string        `json:"id"`
	Subject     string        `json:"userId"`
	ContentType ContentType   `json:"contentType"`
	Action      Action        `json:"action"`
	Reason      string        `json:"reason"`
	Scores      visual.Scores `json:"confidence,omitempty"`
	Matched     []string      `json:"matchedTerms,omitempty"`
	// storage path of an image, or the raw text when verbose logging is on
	OriginalContent string    `json:"originalContent,omitempty"`
	ContextID       string    `json:"contextId,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// BlockedContent is kept for appeals.
type BlockedContent struct {
	ID           string      `json:"id"`
	Subject      string      `json:"userId"`
	ContentType  ContentType `json:"contentType"`
	OriginalPath string      `json:"originalPath"`
	Reason       string      `json:"reason"`
	Timestamp    time.Time   `json:"timestamp"`
}

type Violation struct {
	Subject       string    `json:"userId"`
	Count         int       `json:"violationCount"`
	LastViolation time.Time `json:"lastViolation"`
}

type ReportStatus string

const (
	ReportPending  ReportStatus = "pending"
	ReportReviewed ReportStatus = "reviewed"
)

type Report struct {
	ID            string       `json:"id"`
	ReporterID    string       `json:"reporterId"`
	ContentID     string       `json:"messageId"`
	Category      string       `json:"category"`
	Description   string       `json:"description,omitempty"`
	Status        ReportStatus `json:"status"`
	CreatedAt     time.Time    `json:"timestamp"`
	ReviewedAt    *time.Time   `json:"reviewedAt,omitempty"`
	ReviewerNotes string       `json:"reviewerNotes,omitempty"`
}

type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// ReportQuery filters reports with equality on any non-empty field.
type ReportQuery struct {
	Status     ReportStatus
	ContentID  string
	ReporterID string
	Order      Order
	// 0 means no limit
	Limit int
}

type ReportStats struct {
	PendingCount int            `json:"pendingCount"`
	ByCategory   map[string]int `json:"byCategory"`
}

type Ledger interface {
	// RecordDecision appends an audit record, assigning ID and Timestamp when unset.
	RecordDecision(ctx context.Context, d *Decision) error
	ListDecisions(ctx context.Context, subject string, limit int) ([]Decision, error)
	RecordBlocked(ctx context.Context, b *BlockedContent) error
	// IncrementViolation atomically adds one to the subject's counter and
	// returns the new count. Concurrent increments are never lost.
	IncrementViolation(ctx context.Context, subject string, at time.Time) (int, error)
	// GetViolations returns a zero-count record for subjects with no violations.
	GetViolations(ctx context.Context, subject string) (*Violation, error)

	CreateReport(ctx context.Context, r *Report) error
	GetReport(ctx context.Context, id string) (*Report, error)
	ListReports(ctx context.Context, q ReportQuery) ([]Report, error)
	// MarkReviewed moves a pending report to reviewed. Reviewing twice fails
	// with ErrAlreadyReviewed.
	MarkReviewed(ctx context.Context, id, notes string, at time.Time) (*Report, error)
	// ReportStats counts pending reports, in total and per category.
	ReportStats(ctx context.Context) (*ReportStats, error)

	// RecordRequeueAttempt atomically counts one more re-drive of a parked
	// asset and returns the total so far.
	RecordRequeueAttempt(ctx context.Context, path string, at time.Time) (int, error)
	ClearRequeueAttempts(ctx context.Context, path string) error
}
