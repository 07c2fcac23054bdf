package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amialone/moderation/util/dbutil"
	"github.com/amialone/moderation/visual"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLedgers(t *testing.T) map[string]Ledger {
	db, err := dbutil.SetupDatabase("sqlite://:memory:", 1)
	require.NoError(t, err)
	gl, err := NewGormLedger(db)
	require.NoError(t, err)
	return map[string]Ledger{
		"mem":  NewMemLedger(),
		"gorm": gl,
	}
}

func TestDecisions(t *testing.T) {
	for name, l := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			img := &Decision{
				Subject:         "u1",
				ContentType:     ContentImage,
				Action:          ActionBlocked,
				Reason:          "Content flagged for: adult",
				Scores:          visual.Scores{visual.CategoryAdult: visual.Likely, visual.CategoryRacy: visual.VeryUnlikely},
				OriginalContent: "pending/u1/a1.jpg",
				Timestamp:       base,
			}
			require.NoError(t, l.RecordDecision(ctx, img))
			assert.NotEmpty(img.ID)

			txt := &Decision{
				Subject:     "u1",
				ContentType: ContentText,
				Action:      ActionBlocked,
				Matched:     []string{"badword", "regex:threat"},
				Timestamp:   base.Add(time.Minute),
			}
			require.NoError(t, l.RecordDecision(ctx, txt))
			require.NoError(t, l.RecordDecision(ctx, &Decision{Subject: "u2", ContentType: ContentText, Action: ActionApproved, Timestamp: base}))

			got, err := l.ListDecisions(ctx, "u1", 10)
			assert.NoError(err)
			require.Len(t, got, 2)
			assert.Equal(txt.ID, got[0].ID)
			assert.Equal([]string{"badword", "regex:threat"}, got[0].Matched)
			assert.Equal(visual.Likely, got[1].Scores[visual.CategoryAdult])
			assert.Equal("pending/u1/a1.jpg", got[1].OriginalContent)

			got, err = l.ListDecisions(ctx, "u1", 1)
			assert.NoError(err)
			assert.Len(got, 1)

			assert.NoError(l.RecordBlocked(ctx, &BlockedContent{Subject: "u1", ContentType: ContentImage, OriginalPath: "pending/u1/a1.jpg", Reason: "adult"}))
		})
	}
}

func TestViolationsConcurrent(t *testing.T) {
	for name, l := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			v, err := l.GetViolations(ctx, "nobody")
			assert.NoError(err)
			assert.Equal(0, v.Count)

			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := l.IncrementViolation(ctx, "troll", time.Now())
					assert.NoError(err)
				}()
			}
			wg.Wait()

			v, err = l.GetViolations(ctx, "troll")
			assert.NoError(err)
			assert.Equal(25, v.Count)
			assert.False(v.LastViolation.IsZero())

			n, err := l.IncrementViolation(ctx, "troll", time.Now())
			assert.NoError(err)
			assert.Equal(26, n)
		})
	}
}

func TestReports(t *testing.T) {
	for name, l := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			var ids []string
			for i, cat := range []string{"spam", "spam", "harassment", "other"} {
				r := &Report{
					ReporterID: "reporter",
					ContentID:  "msg1",
					Category:   cat,
					CreatedAt:  base.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, l.CreateReport(ctx, r))
				assert.Equal(ReportPending, r.Status)
				ids = append(ids, r.ID)
			}
			require.NoError(t, l.CreateReport(ctx, &Report{ReporterID: "other", ContentID: "msg2", Category: "inappropriate", CreatedAt: base}))

			pending, err := l.ListReports(ctx, ReportQuery{Status: ReportPending, Order: OldestFirst, Limit: 50})
			assert.NoError(err)
			assert.Len(pending, 5)
			assert.Equal(ids[3], pending[4].ID)

			byMsg, err := l.ListReports(ctx, ReportQuery{ContentID: "msg1"})
			assert.NoError(err)
			require.Len(t, byMsg, 4)
			assert.Equal(ids[3], byMsg[0].ID)
			assert.Equal(ids[0], byMsg[3].ID)

			byReporter, err := l.ListReports(ctx, ReportQuery{ReporterID: "reporter", Limit: 2})
			assert.NoError(err)
			assert.Len(byReporter, 2)

			stats, err := l.ReportStats(ctx)
			assert.NoError(err)
			assert.Equal(5, stats.PendingCount)
			assert.Equal(2, stats.ByCategory["spam"])

			reviewed, err := l.MarkReviewed(ctx, ids[0], "looked fine", base.Add(time.Hour))
			assert.NoError(err)
			assert.Equal(ReportReviewed, reviewed.Status)
			assert.Equal("looked fine", reviewed.ReviewerNotes)
			require.NotNil(t, reviewed.ReviewedAt)

			_, err = l.MarkReviewed(ctx, ids[0], "again", base.Add(2*time.Hour))
			assert.ErrorIs(err, ErrAlreadyReviewed)
			_, err = l.MarkReviewed(ctx, "missing", "", base)
			assert.ErrorIs(err, ErrNotFound)
			_, err = l.GetReport(ctx, "missing")
			assert.ErrorIs(err, ErrNotFound)

			got, err := l.GetReport(ctx, ids[0])
			assert.NoError(err)
			assert.Equal(ReportReviewed, got.Status)

			stats, err = l.ReportStats(ctx)
			assert.NoError(err)
			assert.Equal(4, stats.PendingCount)
			assert.Equal(1, stats.ByCategory["spam"])
		})
	}
}

func TestRequeueAttempts(t *testing.T) {
	for name, l := range testLedgers(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			for i := 1; i <= 3; i++ {
				n, err := l.RecordRequeueAttempt(ctx, "queued/u1/a1", time.Now())
				assert.NoError(err)
				assert.Equal(i, n)
			}
			assert.NoError(l.ClearRequeueAttempts(ctx, "queued/u1/a1"))
			n, err := l.RecordRequeueAttempt(ctx, "queued/u1/a1", time.Now())
			assert.NoError(err)
			assert.Equal(1, n)
		})
	}
}
