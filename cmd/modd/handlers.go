package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amialone/moderation/fault"
	"github.com/amialone/moderation/keyword"
	"github.com/amialone/moderation/ledger"
	"github.com/amialone/moderation/objstore"
	"github.com/amialone/moderation/ratelimit"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

const subjectHeader = "X-Subject-Id"

// prometheus collectors can only be registered once per process
var httpMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("modd")
})

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(httpMetrics())
	e.Use(otelecho.Middleware("modd"))
	e.Use(middleware.BodyLimit("32M"))
	e.HTTPErrorHandler = s.errorHandler

	e.GET("/_health", s.HandleHealthCheck)

	user := s.requireSubject
	e.POST("/v1/moderate/text", s.HandleModerateText, user)
	e.POST("/v1/moderate/image", s.HandleModerateImage, user)
	e.GET("/v1/ratelimit", s.HandleRateLimitStatus, user)
	e.GET("/v1/ratelimit/:kind", s.HandleRateLimitKind, user)
	e.POST("/v1/reports", s.HandleSubmitReport, user)
	e.GET("/v1/reports/mine", s.HandleMyReports, user)

	admin := s.requireAdmin
	e.POST("/v1/events/object", s.HandleObjectEvent, admin)
	e.GET("/v1/reports", s.HandleListReports, admin)
	e.GET("/v1/reports/pending", s.HandlePendingReports, admin)
	e.GET("/v1/reports/stats", s.HandleReportStats, admin)
	e.POST("/v1/reports/:id/review", s.HandleReviewReport, admin)
	e.GET("/v1/admin/violations/:subject", s.HandleViolations, admin)
	e.POST("/v1/admin/blocklist/reload", s.HandleReloadBlocklist, admin)
	e.POST("/v1/admin/sweep", s.HandleSweep, admin)
	e.POST("/v1/admin/cleanup", s.HandleCleanup, admin)
	return e
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, body := errorResponse(err)
	if code >= 500 {
		s.logger.Error("modd-http-internal-error", "path", c.Path(), "err", err)
	}
	if err := c.JSON(code, body); err != nil {
		s.logger.Warn("failed to write error response", "err", err)
	}
}

// errorResponse maps an error to a status code by fault kind. Internal
// details are only exposed for rejections the caller can act on.
func errorResponse(err error) (int, ErrorBody) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, ErrorBody{Error: strings.ToLower(http.StatusText(he.Code)), Message: fmt.Sprint(he.Message)}
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return http.StatusNotFound, ErrorBody{Error: "not_found", Message: "record not found"}
	}
	kind := fault.KindOf(err)
	switch kind {
	case fault.Validation:
		return http.StatusBadRequest, ErrorBody{Error: kind.String(), Message: fault.Message(err)}
	case fault.Capacity:
		return http.StatusTooManyRequests, ErrorBody{Error: kind.String(), Message: fault.Message(err)}
	case fault.Dependency:
		return http.StatusServiceUnavailable, ErrorBody{Error: kind.String(), Message: "a backing service is unavailable, try again later"}
	default:
		return http.StatusInternalServerError, ErrorBody{Error: fault.Fatal.String(), Message: "internal error"}
	}
}

func (s *Server) requireSubject(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		subject := strings.TrimSpace(c.Request().Header.Get(subjectHeader))
		if subject == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Authentication required")
		}
		if objstore.ValidSegment(subject) != nil {
			return fault.ValidationError("invalid subject id")
		}
		c.Set("subject", subject)
		return next(c)
	}
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.adminToken == "" {
			return next(c)
		}
		hdr := c.Request().Header.Get(echo.HeaderAuthorization)
		if subtle.ConstantTimeCompare([]byte(hdr), []byte("Bearer "+s.adminToken)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "admin authentication required")
		}
		return next(c)
	}
}

func subjectOf(c echo.Context) string {
	subject, _ := c.Get("subject").(string)
	return subject
}

func queryLimit(c echo.Context) (int, error) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fault.Validationf("invalid limit: %s", raw)
	}
	return n, nil
}

func (s *Server) HandleHealthCheck(c echo.Context) error {
	if s.db != nil {
		if err := s.db.WithContext(c.Request().Context()).Exec("SELECT 1").Error; err != nil {
			s.logger.Error("healthcheck can't connect to database", "err", err)
			return c.JSON(http.StatusInternalServerError, GenericStatus{Status: "error", Daemon: "modd", Message: "can't connect to database"})
		}
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "modd"})
}

type TextRequest struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

type TextResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) HandleModerateText(c echo.Context) error {
	ctx := c.Request().Context()
	subject := subjectOf(c)

	var req TextRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.Text == "" {
		return c.JSON(http.StatusOK, TextResponse{Allowed: true})
	}

	rl, err := s.limiter.Check(ctx, subject, ratelimit.KindTextMessage, true)
	if err != nil {
		return err
	}
	if !rl.Allowed {
		return fault.CapacityError("Rate limit exceeded. Try again at " + rl.ResetAt.Format(time.RFC3339))
	}

	res, err := s.text.Validate(ctx, req.Text, subject, req.Context)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TextResponse{Allowed: res.Allowed, Reason: res.Reason})
}

// HandleModerateImage stores the request body as a pending upload and runs
// it through the upload pipeline.
func (s *Server) HandleModerateImage(c echo.Context) error {
	ctx := c.Request().Context()
	subject := subjectOf(c)

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(contentType, "image/") {
		return fault.Validationf("not an image: %s", contentType)
	}
	asset := c.QueryParam("asset")
	if asset == "" {
		asset = uuid.NewString()
	}
	if objstore.ValidSegment(asset) != nil {
		return fault.ValidationError("invalid asset id")
	}
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if len(data) == 0 {
		return fault.ValidationError("image body is required")
	}

	path := objstore.BuildPath(objstore.StagePending, subject, asset, "")
	if err := s.store.Put(ctx, path, data, contentType); err != nil {
		return fault.Wrap(fault.Dependency, "modd.upload", err)
	}
	res, err := s.images.ProcessUpload(ctx, path, contentType)
	if res == nil {
		return err
	}
	if err != nil {
		s.logger.Warn("image moderated with storage errors", "path", path, "err", err)
	}
	return c.JSON(http.StatusOK, res)
}

type ObjectEvent struct {
	Path        string `json:"path"`
	ContentType string `json:"contentType"`
}

type EventResponse struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// HandleObjectEvent is the storage trigger. Objects which are not pending
// images are acknowledged and skipped.
func (s *Server) HandleObjectEvent(c echo.Context) error {
	var ev ObjectEvent
	if err := c.Bind(&ev); err != nil {
		return err
	}
	res, err := s.images.ProcessUpload(c.Request().Context(), ev.Path, ev.ContentType)
	if res == nil {
		if fault.Is(err, fault.Validation) {
			return c.JSON(http.StatusOK, EventResponse{Skipped: true, Reason: fault.Message(err)})
		}
		return err
	}
	if err != nil {
		s.logger.Warn("image moderated with storage errors", "path", ev.Path, "err", err)
	}
	return c.JSON(http.StatusOK, EventResponse{Result: res})
}

func (s *Server) HandleRateLimitStatus(c echo.Context) error {
	status, err := s.limiter.Status(c.Request().Context(), subjectOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) HandleRateLimitKind(c echo.Context) error {
	kind, err := ratelimit.ParseKind(c.Param("kind"))
	if err != nil {
		return err
	}
	res, err := s.limiter.Check(c.Request().Context(), subjectOf(c), kind, false)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type ReportRequest struct {
	MessageID   string `json:"messageId"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
}

type ReportResponse struct {
	Success  bool   `json:"success"`
	ReportID string `json:"reportId"`
}

func (s *Server) HandleSubmitReport(c echo.Context) error {
	var req ReportRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if req.MessageID == "" {
		return fault.ValidationError("messageId is required")
	}
	if req.Category == "" {
		return fault.ValidationError("category is required")
	}
	r, err := s.reports.Submit(c.Request().Context(), subjectOf(c), req.MessageID, req.Category, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReportResponse{Success: true, ReportID: r.ID})
}

type ReportList struct {
	Reports []ledger.Report `json:"reports"`
}

func (s *Server) HandleMyReports(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	out, err := s.reports.ByReporter(c.Request().Context(), subjectOf(c), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReportList{Reports: out})
}

func (s *Server) HandleListReports(c echo.Context) error {
	ctx := c.Request().Context()
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	var out []ledger.Report
	switch {
	case c.QueryParam("messageId") != "":
		out, err = s.reports.ForContent(ctx, c.QueryParam("messageId"))
	case c.QueryParam("reporterId") != "":
		out, err = s.reports.ByReporter(ctx, c.QueryParam("reporterId"), limit)
	default:
		return fault.ValidationError("messageId or reporterId is required")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReportList{Reports: out})
}

func (s *Server) HandlePendingReports(c echo.Context) error {
	limit, err := queryLimit(c)
	if err != nil {
		return err
	}
	out, err := s.reports.Pending(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ReportList{Reports: out})
}

func (s *Server) HandleReportStats(c echo.Context) error {
	st, err := s.reports.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

type ReviewRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (s *Server) HandleReviewReport(c echo.Context) error {
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	r, err := s.reports.MarkReviewed(c.Request().Context(), c.Param("id"), req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) HandleViolations(c echo.Context) error {
	v, err := s.ledger.GetViolations(c.Request().Context(), c.Param("subject"))
	if err != nil {
		return fault.Wrap(fault.Dependency, "modd.violations", err)
	}
	return c.JSON(http.StatusOK, v)
}

type ReloadResponse struct {
	Terms      int    `json:"terms"`
	Generation uint64 `json:"generation"`
}

// HandleReloadBlocklist re-reads the configured blocklist file, or restores
// the built-in list when none is configured.
func (s *Server) HandleReloadBlocklist(c echo.Context) error {
	var m *keyword.Matcher
	if s.blocklistFile != "" {
		var err error
		m, err = s.text.ReloadFile(s.blocklistFile)
		if err != nil {
			return err
		}
	} else {
		m = keyword.NewDefaultMatcher()
		s.text.Reload(m)
	}
	return c.JSON(http.StatusOK, ReloadResponse{Terms: m.Len(), Generation: m.Generation()})
}

func (s *Server) HandleSweep(c echo.Context) error {
	stats, err := s.sweeper.SweepOnce(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

type CleanupResponse struct {
	Deleted int `json:"deleted"`
}

func (s *Server) HandleCleanup(c echo.Context) error {
	olderThan := ratelimit.DefaultRetention
	if raw := c.QueryParam("olderThan"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			return fault.Validationf("invalid duration: %s", raw)
		}
		olderThan = d
	}
	n, err := s.limiter.Cleanup(c.Request().Context(), olderThan)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CleanupResponse{Deleted: n})
}
