// Package reporting accepts user reports about content and serves the
// review queue built from them.
package reporting

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/amialone/moderation/fault"
	"github.com/amialone/moderation/ledger"
	"github.com/amialone/moderation/ratelimit"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	CategorySpam          = "spam"
	CategoryHarassment    = "harassment"
	CategoryInappropriate = "inappropriate"
	CategoryOther         = "other"

	MaxDescriptionLen = 1000

	DefaultPendingLimit  = 50
	DefaultReporterLimit = 20
)

var Categories = []string{CategorySpam, CategoryHarassment, CategoryInappropriate, CategoryOther}

var reportsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_reports_submitted",
	Help: "Number of report submissions, by outcome",
}, []string{"outcome"})

type Service struct {
	Ledger  ledger.Ledger
	Limiter *ratelimit.Limiter
	Logger  *slog.Logger
	Clock   func() time.Time
}

func NewService(lg ledger.Ledger, limiter *ratelimit.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Ledger:  lg,
		Limiter: limiter,
		Logger:  logger.With("component", "reporting"),
		Clock:   time.Now,
	}
}

// ValidCategory reports whether category names a report category, ignoring case.
func ValidCategory(category string) bool {
	return slices.Contains(Categories, strings.ToLower(category))
}

// Submit files a report. The category is checked first, then the reporter's
// rate limit (which counts the attempt), then the description length.
// Identical submissions produce distinct reports.
func (s *Service) Submit(ctx context.Context, reporter, contentID, category, description string) (*ledger.Report, error) {
	if !ValidCategory(category) {
		reportsSubmitted.WithLabelValues("invalid").Inc()
		return nil, fault.Validationf("Invalid category: %s. Must be one of: %s", category, strings.Join(Categories, ", "))
	}
	if reporter == "" || contentID == "" {
		reportsSubmitted.WithLabelValues("invalid").Inc()
		return nil, fault.ValidationError("reporter and content id are required")
	}

	rl, err := s.Limiter.Check(ctx, reporter, ratelimit.KindReport, true)
	if err != nil {
		reportsSubmitted.WithLabelValues("error").Inc()
		return nil, err
	}
	if !rl.Allowed {
		reportsSubmitted.WithLabelValues("ratelimit").Inc()
		return nil, fault.CapacityError(fmt.Sprintf("Rate limit exceeded. You can submit %d reports per hour. Try again at %s", rl.Limit, rl.ResetAt.Format(time.RFC3339)))
	}

	description = strings.TrimSpace(description)
	if utf8.RuneCountInString(description) > MaxDescriptionLen {
		reportsSubmitted.WithLabelValues("invalid").Inc()
		return nil, fault.ValidationError(fmt.Sprintf("Description too long. Maximum %d characters.", MaxDescriptionLen))
	}

	r := &ledger.Report{
		ReporterID:  reporter,
		ContentID:   contentID,
		Category:    strings.ToLower(category),
		Description: description,
		Status:      ledger.ReportPending,
		CreatedAt:   s.now(),
	}
	if err := s.Ledger.CreateReport(ctx, r); err != nil {
		reportsSubmitted.WithLabelValues("error").Inc()
		return nil, fault.Wrap(fault.Fatal, "reporting.create", err)
	}
	reportsSubmitted.WithLabelValues("created").Inc()
	s.Logger.Info("report submitted", "id", r.ID, "reporter", reporter, "content", contentID, "category", r.Category)
	return r, nil
}

// Pending lists reports awaiting review, oldest first.
func (s *Service) Pending(ctx context.Context, limit int) ([]ledger.Report, error) {
	if limit <= 0 {
		limit = DefaultPendingLimit
	}
	return s.list(ctx, ledger.ReportQuery{Status: ledger.ReportPending, Order: ledger.OldestFirst, Limit: limit})
}

// ForContent lists every report against one piece of content, newest first.
func (s *Service) ForContent(ctx context.Context, contentID string) ([]ledger.Report, error) {
	return s.list(ctx, ledger.ReportQuery{ContentID: contentID, Order: ledger.NewestFirst})
}

func (s *Service) ByReporter(ctx context.Context, reporter string, limit int) ([]ledger.Report, error) {
	if limit <= 0 {
		limit = DefaultReporterLimit
	}
	return s.list(ctx, ledger.ReportQuery{ReporterID: reporter, Order: ledger.NewestFirst, Limit: limit})
}

func (s *Service) list(ctx context.Context, q ledger.ReportQuery) ([]ledger.Report, error) {
	out, err := s.Ledger.ListReports(ctx, q)
	if err != nil {
		return nil, fault.Wrap(fault.Dependency, "reporting.list", err)
	}
	if out == nil {
		out = []ledger.Report{}
	}
	return out, nil
}

func (s *Service) MarkReviewed(ctx context.Context, id, notes string) (*ledger.Report, error) {
	r, err := s.Ledger.MarkReviewed(ctx, id, strings.TrimSpace(notes), s.now())
	if err != nil {
		return nil, err
	}
	s.Logger.Info("report reviewed", "id", id)
	return r, nil
}

// Stats counts pending reports. Every category is present in the breakdown.
func (s *Service) Stats(ctx context.Context) (*ledger.ReportStats, error) {
	st, err := s.Ledger.ReportStats(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Dependency, "reporting.stats", err)
	}
	if st.ByCategory == nil {
		st.ByCategory = map[string]int{}
	}
	for _, c := range Categories {
		if _, ok := st.ByCategory[c]; !ok {
			st.ByCategory[c] = 0
		}
	}
	return st, nil
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}
