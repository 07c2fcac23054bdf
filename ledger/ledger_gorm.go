package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/amialone/moderation/visual"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type decisionRow struct {
	ID              string `gorm:"primaryKey"`
	SubjectID       string `gorm:"index"`
	ContentType     string
	Action          string `gorm:"index"`
	Reason          string
	Confidence      datatypes.JSON
	MatchedTerms    datatypes.JSON
	OriginalContent string
	ContextID       string
	Timestamp       time.Time `gorm:"index"`
}

func (decisionRow) TableName() string { return "moderation_logs" }

type blockedRow struct {
	ID           string `gorm:"primaryKey"`
	SubjectID    string `gorm:"index"`
	ContentType  string
	OriginalPath string
	Reason       string
	Timestamp    time.Time
}

func (blockedRow) TableName() string { return "blocked_content" }

type violationRow struct {
	SubjectID      string `gorm:"primaryKey"`
	ViolationCount int
	LastViolation  time.Time
}

func (violationRow) TableName() string { return "user_violations" }

type reportRow struct {
	ID            string `gorm:"primaryKey"`
	ReporterID    string `gorm:"index"`
	MessageID     string `gorm:"index"`
	Category      string
	Description   string
	Status        string    `gorm:"index"`
	Timestamp     time.Time `gorm:"index"`
	ReviewedAt    *time.Time
	ReviewerNotes string
	// insertion order, breaks timestamp ties
	Seq int64 `gorm:"autoIncrement:false;index"`
}

func (reportRow) TableName() string { return "reports" }

type requeueRow struct {
	Path        string `gorm:"primaryKey"`
	Attempts    int
	LastAttempt time.Time
}

func (requeueRow) TableName() string { return "requeue_attempts" }

// GormLedger persists the ledger in SQL tables named after the document
// collections the service has always used.
type GormLedger struct {
	db    *gorm.DB
	seq   func() int64
	Clock func() time.Time
}

func NewGormLedger(db *gorm.DB) (*GormLedger, error) {
	if err := db.AutoMigrate(&decisionRow{}, &blockedRow{}, &violationRow{}, &reportRow{}, &requeueRow{}); err != nil {
		return nil, fmt.Errorf("migrating ledger tables: %w", err)
	}
	var seq atomic.Int64
	seq.Store(time.Now().UnixNano())
	return &GormLedger{
		db:    db,
		seq:   func() int64 { return seq.Add(1) },
		Clock: time.Now,
	}, nil
}

func (l *GormLedger) RecordDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = l.Clock().UTC()
	}
	row := decisionRow{
		ID:              d.ID,
		SubjectID:       d.Subject,
		ContentType:     string(d.ContentType),
		Action:          string(d.Action),
		Reason:          d.Reason,
		OriginalContent: d.OriginalContent,
		ContextID:       d.ContextID,
		Timestamp:       d.Timestamp,
	}
	if len(d.Scores) > 0 {
		b, err := json.Marshal(d.Scores)
		if err != nil {
			return err
		}
		row.Confidence = datatypes.JSON(b)
	}
	if len(d.Matched) > 0 {
		b, err := json.Marshal(d.Matched)
		if err != nil {
			return err
		}
		row.MatchedTerms = datatypes.JSON(b)
	}
	return l.db.WithContext(ctx).Create(&row).Error
}

func (l *GormLedger) ListDecisions(ctx context.Context, subject string, limit int) ([]Decision, error) {
	q := l.db.WithContext(ctx).Order("timestamp desc")
	if subject != "" {
		q = q.Where("subject_id = ?", subject)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []decisionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Decision, 0, len(rows))
	for _, r := range rows {
		d := Decision{
			ID:              r.ID,
			Subject:         r.SubjectID,
			ContentType:     ContentType(r.ContentType),
			Action:          Action(r.Action),
			Reason:          r.Reason,
			OriginalContent: r.OriginalContent,
			ContextID:       r.ContextID,
			Timestamp:       r.Timestamp.UTC(),
		}
		if len(r.Confidence) > 0 {
			d.Scores = visual.Scores{}
			if err := json.Unmarshal(r.Confidence, &d.Scores); err != nil {
				return nil, fmt.Errorf("decoding scores of %s: %w", r.ID, err)
			}
		}
		if len(r.MatchedTerms) > 0 {
			if err := json.Unmarshal(r.MatchedTerms, &d.Matched); err != nil {
				return nil, fmt.Errorf("decoding matches of %s: %w", r.ID, err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func (l *GormLedger) RecordBlocked(ctx context.Context, b *BlockedContent) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = l.Clock().UTC()
	}
	return l.db.WithContext(ctx).Create(&blockedRow{
		ID:           b.ID,
		SubjectID:    b.Subject,
		ContentType:  string(b.ContentType),
		OriginalPath: b.OriginalPath,
		Reason:       b.Reason,
		Timestamp:    b.Timestamp,
	}).Error
}

func (l *GormLedger) IncrementViolation(ctx context.Context, subject string, at time.Time) (int, error) {
	var count int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "subject_id"}},
			DoUpdates: clause.Assignments(map[string]any{
				"violation_count": gorm.Expr("user_violations.violation_count + 1"),
				"last_violation":  at.UTC(),
			}),
		}).Create(&violationRow{SubjectID: subject, ViolationCount: 1, LastViolation: at.UTC()}).Error
		if err != nil {
			return err
		}
		return tx.Model(&violationRow{}).Where("subject_id = ?", subject).Pluck("violation_count", &count).Error
	})
	return count, err
}

func (l *GormLedger) GetViolations(ctx context.Context, subject string) (*Violation, error) {
	var row violationRow
	res := l.db.WithContext(ctx).Where("subject_id = ?", subject).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return &Violation{Subject: subject}, nil
	}
	return &Violation{Subject: subject, Count: row.ViolationCount, LastViolation: row.LastViolation.UTC()}, nil
}

func (r *reportRow) report() Report {
	out := Report{
		ID:            r.ID,
		ReporterID:    r.ReporterID,
		ContentID:     r.MessageID,
		Category:      r.Category,
		Description:   r.Description,
		Status:        ReportStatus(r.Status),
		CreatedAt:     r.Timestamp.UTC(),
		ReviewerNotes: r.ReviewerNotes,
	}
	if r.ReviewedAt != nil {
		ts := r.ReviewedAt.UTC()
		out.ReviewedAt = &ts
	}
	return out
}

func (l *GormLedger) CreateReport(ctx context.Context, r *Report) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.Clock().UTC()
	}
	if r.Status == "" {
		r.Status = ReportPending
	}
	return l.db.WithContext(ctx).Create(&reportRow{
		ID:          r.ID,
		ReporterID:  r.ReporterID,
		MessageID:   r.ContentID,
		Category:    r.Category,
		Description: r.Description,
		Status:      string(r.Status),
		Timestamp:   r.CreatedAt,
		Seq:         l.seq(),
	}).Error
}

func (l *GormLedger) GetReport(ctx context.Context, id string) (*Report, error) {
	var row reportRow
	err := l.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: report %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r := row.report()
	return &r, nil
}

func (l *GormLedger) ListReports(ctx context.Context, q ReportQuery) ([]Report, error) {
	db := l.db.WithContext(ctx)
	if q.Status != "" {
		db = db.Where("status = ?", string(q.Status))
	}
	if q.ContentID != "" {
		db = db.Where("message_id = ?", q.ContentID)
	}
	if q.ReporterID != "" {
		db = db.Where("reporter_id = ?", q.ReporterID)
	}
	if q.Order == OldestFirst {
		db = db.Order("timestamp asc").Order("seq asc")
	} else {
		db = db.Order("timestamp desc").Order("seq desc")
	}
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	var rows []reportRow
	if err := db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Report, len(rows))
	for i := range rows {
		out[i] = rows[i].report()
	}
	return out, nil
}

func (l *GormLedger) MarkReviewed(ctx context.Context, id, notes string, at time.Time) (*Report, error) {
	var out *Report
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row reportRow
		err := tx.Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: report %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"status":      string(ReportReviewed),
			"reviewed_at": at.UTC(),
		}
		if notes != "" {
			updates["reviewer_notes"] = notes
		}
		// conditional on status so two concurrent reviews cannot both succeed
		res := tx.Model(&reportRow{}).Where("id = ? AND status = ?", id, string(ReportPending)).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyReviewed
		}
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			return err
		}
		r := row.report()
		out = &r
		return nil
	})
	return out, err
}

func (l *GormLedger) ReportStats(ctx context.Context) (*ReportStats, error) {
	var rows []struct {
		Category string
		N        int
	}
	err := l.db.WithContext(ctx).Model(&reportRow{}).
		Select("category, count(*) as n").
		Where("status = ?", string(ReportPending)).
		Group("category").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	stats := &ReportStats{ByCategory: make(map[string]int, len(rows))}
	for _, r := range rows {
		stats.ByCategory[r.Category] = r.N
		stats.PendingCount += r.N
	}
	return stats, nil
}

func (l *GormLedger) RecordRequeueAttempt(ctx context.Context, path string, at time.Time) (int, error) {
	var attempts int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "path"}},
			DoUpdates: clause.Assignments(map[string]any{
				"attempts":     gorm.Expr("requeue_attempts.attempts + 1"),
				"last_attempt": at.UTC(),
			}),
		}).Create(&requeueRow{Path: path, Attempts: 1, LastAttempt: at.UTC()}).Error
		if err != nil {
			return err
		}
		return tx.Model(&requeueRow{}).Where("path = ?", path).Pluck("attempts", &attempts).Error
	})
	return attempts, err
}

func (l *GormLedger) ClearRequeueAttempts(ctx context.Context, path string) error {
	return l.db.WithContext(ctx).Where("path = ?", path).Delete(&requeueRow{}).Error
}

var _ Ledger = (*GormLedger)(nil)
