package reporting

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amialone/moderation/fault"
	"github.com/amialone/moderation/ledger"
	"github.com/amialone/moderation/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

// ticks one second per call, so reports get distinct timestamps
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testService() *Service {
	limiter := ratelimit.NewLimiter(ratelimit.NewMemStore(), nil, nil)
	limiter.Clock = func() time.Time { return epoch }
	s := NewService(ledger.NewMemLedger(), limiter, nil)
	clk := &tickClock{now: epoch}
	s.Clock = clk.Now
	return s
}

func TestSubmit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	s := testService()

	r, err := s.Submit(ctx, "reporter1", "msg1", "SPAM", "  this is spam  ")
	require.NoError(t, err)
	assert.NotEmpty(r.ID)
	assert.Equal("spam", r.Category)
	assert.Equal("this is spam", r.Description)
	assert.Equal(ledger.ReportPending, r.Status)

	stored, err := s.Ledger.GetReport(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal("msg1", stored.ContentID)
	assert.Equal("spam", stored.Category)

	// identical payloads are separate reports
	again, err := s.Submit(ctx, "reporter1", "msg1", "SPAM", "  this is spam  ")
	require.NoError(t, err)
	assert.NotEqual(r.ID, again.ID)
}

func TestSubmitInvalidCategory(t *testing.T) {
	assert := assert.New(t)
	s := testService()

	_, err := s.Submit(context.Background(), "reporter1", "msg1", "bogus", "")
	assert.Equal(fault.Validation, fault.KindOf(err))
	assert.Equal("Invalid category: bogus. Must be one of: spam, harassment, inappropriate, other", fault.Message(err))

	// the limiter was never consulted
	status, err := s.Limiter.Status(context.Background(), "reporter1")
	require.NoError(t, err)
	assert.Equal(0, status[ratelimit.KindReport].Current)
}

func TestSubmitDescriptionTooLong(t *testing.T) {
	assert := assert.New(t)
	s := testService()
	ctx := context.Background()

	_, err := s.Submit(ctx, "reporter1", "msg1", "other", strings.Repeat("x", 1001))
	assert.Equal(fault.Validation, fault.KindOf(err))
	assert.Equal("Description too long. Maximum 1000 characters.", fault.Message(err))

	// exactly at the limit, counted in characters and after trimming
	_, err = s.Submit(ctx, "reporter1", "msg1", "other", "  "+strings.Repeat("é", 1000)+"\n")
	assert.NoError(err)
}

func TestSubmitRateLimited(t *testing.T) {
	assert := assert.New(t)
	s := testService()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := s.Submit(ctx, "reporter1", "msg1", "harassment", "")
		require.NoError(t, err)
	}
	_, err := s.Submit(ctx, "reporter1", "msg1", "harassment", "")
	assert.Equal(fault.Capacity, fault.KindOf(err))
	assert.Equal("Rate limit exceeded. You can submit 10 reports per hour. Try again at 2024-03-01T13:00:00Z", fault.Message(err))

	// other reporters are unaffected
	_, err = s.Submit(ctx, "reporter2", "msg1", "harassment", "")
	assert.NoError(err)
}

func TestQueries(t *testing.T) {
	assert := assert.New(t)
	s := testService()
	ctx := context.Background()

	a, err := s.Submit(ctx, "r1", "m1", "spam", "")
	require.NoError(t, err)
	b, err := s.Submit(ctx, "r2", "m1", "harassment", "")
	require.NoError(t, err)
	c, err := s.Submit(ctx, "r1", "m2", "spam", "")
	require.NoError(t, err)

	pending, err := s.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Equal([]string{a.ID, b.ID, c.ID}, ids(pending))

	forContent, err := s.ForContent(ctx, "m1")
	require.NoError(t, err)
	assert.Equal([]string{b.ID, a.ID}, ids(forContent))

	byReporter, err := s.ByReporter(ctx, "r1", 1)
	require.NoError(t, err)
	assert.Equal([]string{c.ID}, ids(byReporter))

	none, err := s.ForContent(ctx, "unknown")
	require.NoError(t, err)
	assert.NotNil(none)
	assert.Empty(none)

	reviewed, err := s.MarkReviewed(ctx, a.ID, " duplicate ")
	require.NoError(t, err)
	assert.Equal(ledger.ReportReviewed, reviewed.Status)
	assert.Equal("duplicate", reviewed.ReviewerNotes)
	assert.NotNil(reviewed.ReviewedAt)

	_, err = s.MarkReviewed(ctx, a.ID, "")
	assert.ErrorIs(err, ledger.ErrAlreadyReviewed)
	_, err = s.MarkReviewed(ctx, "nope", "")
	assert.ErrorIs(err, ledger.ErrNotFound)

	pending, err = s.Pending(ctx, 0)
	require.NoError(t, err)
	assert.Equal([]string{b.ID, c.ID}, ids(pending))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(2, stats.PendingCount)
	assert.Equal(map[string]int{
		"spam":          1,
		"harassment":    1,
		"inappropriate": 0,
		"other":         0,
	}, stats.ByCategory)
}

func ids(reports []ledger.Report) []string {
	out := make([]string, len(reports))
	for i, r := range reports {
		out[i] = r.ID
	}
	return out
}
