package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/amialone/moderation/imagemod"
	"github.com/amialone/moderation/keyword"
	"github.com/amialone/moderation/ledger"
	"github.com/amialone/moderation/objstore"
	"github.com/amialone/moderation/ratelimit"
	"github.com/amialone/moderation/reporting"
	"github.com/amialone/moderation/textmod"
	"github.com/amialone/moderation/util/dbutil"
	"github.com/amialone/moderation/visual"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Config struct {
	Logger *slog.Logger

	DatabaseURL      string
	MaxDBConnections int
	RedisURL         string
	S3Bucket         string
	S3Region         string

	Classifier      string
	VisionAPIKey    string
	VisionRateLimit float64
	Retry           imagemod.RetryConfig
	Threshold       visual.Likelihood

	Verbose       bool
	BlocklistFile string
	Limits        map[ratelimit.Kind]ratelimit.Config

	AdminToken       string
	SweepInterval    time.Duration
	SweepMaxAttempts int
	SweepMax         int
	CleanupInterval  time.Duration
}

type Server struct {
	logger  *slog.Logger
	echo    *echo.Echo
	httpd   *http.Server
	db      *gorm.DB
	limiter *ratelimit.Limiter
	ledger  ledger.Ledger
	store   objstore.Store
	text    *textmod.Engine
	images  *imagemod.Pipeline
	sweeper *imagemod.Sweeper
	reports *reporting.Service

	adminToken      string
	blocklistFile   string
	sweepInterval   time.Duration
	cleanupInterval time.Duration
}

func NewServer(ctx context.Context, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var db *gorm.DB
	var lg ledger.Ledger
	if config.DatabaseURL != "" {
		var err error
		db, err = dbutil.SetupDatabase(config.DatabaseURL, config.MaxDBConnections)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		glg, err := ledger.NewGormLedger(db)
		if err != nil {
			return nil, fmt.Errorf("failed to set up ledger: %w", err)
		}
		lg = glg
	} else {
		logger.Warn("no database configured, moderation ledger is in-memory only")
		lg = ledger.NewMemLedger()
	}

	var windows ratelimit.Store
	switch {
	case config.RedisURL != "":
		rs, err := ratelimit.NewRedisStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		windows = rs
	case db != nil:
		gs, err := ratelimit.NewGormStore(db)
		if err != nil {
			return nil, fmt.Errorf("failed to set up rate limit table: %w", err)
		}
		windows = gs
	default:
		windows = ratelimit.NewMemStore()
	}
	limiter := ratelimit.NewLimiter(windows, config.Limits, logger)

	var store objstore.Store
	if config.S3Bucket != "" {
		s3s, err := objstore.NewS3Store(ctx, config.S3Bucket, config.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to configure object store: %w", err)
		}
		store = s3s
	} else {
		logger.Warn("no bucket configured, images are held in memory")
		store = objstore.NewMemStore()
	}

	classifier, err := newClassifier(config, logger)
	if err != nil {
		return nil, err
	}

	terms := keyword.DefaultBlocklist()
	if config.BlocklistFile != "" {
		terms, err = keyword.LoadBlocklistFile(config.BlocklistFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load blocklist: %w", err)
		}
	}
	tcfg := textmod.DefaultConfig()
	tcfg.Verbose = config.Verbose
	text := textmod.NewEngine(keyword.NewMatcher(terms, keyword.DefaultPatterns()), lg, tcfg, logger)

	images := imagemod.NewPipeline(classifier, store, lg, limiter, logger)
	if config.Threshold != visual.Unknown {
		images.Policy = imagemod.Policy{Threshold: config.Threshold}
	}
	if config.Retry.MaxAttempts > 0 {
		images.Retry = config.Retry
	}

	sweeper := imagemod.NewSweeper(images)
	sweeper.MaxAttempts = config.SweepMaxAttempts
	if config.SweepMax > 0 {
		sweeper.MaxPerRun = config.SweepMax
	}
	if config.SweepInterval > 0 {
		sweeper.Interval = config.SweepInterval
	}

	s := &Server{
		logger:          logger,
		db:              db,
		limiter:         limiter,
		ledger:          lg,
		store:           store,
		text:            text,
		images:          images,
		sweeper:         sweeper,
		reports:         reporting.NewService(lg, limiter, logger),
		adminToken:      config.AdminToken,
		blocklistFile:   config.BlocklistFile,
		sweepInterval:   config.SweepInterval,
		cleanupInterval: config.CleanupInterval,
	}
	s.echo = s.newEcho()
	return s, nil
}

func newClassifier(config Config, logger *slog.Logger) (visual.Classifier, error) {
	switch config.Classifier {
	case "static":
		logger.Warn("using static image classifier, every image will be approved")
		return &visual.StaticClassifier{Scores: visual.Uniform(visual.VeryUnlikely)}, nil
	case "vision", "":
		if config.VisionAPIKey == "" {
			return nil, fmt.Errorf("vision classifier requires an API key")
		}
		vc := visual.NewVisionClient(config.VisionAPIKey, config.VisionRateLimit)
		vc.Logger = logger.With("component", "vision")
		return vc, nil
	default:
		return nil, fmt.Errorf("unknown classifier: %s", config.Classifier)
	}
}

// Run serves HTTP and runs the background loops until ctx is cancelled or
// one of them fails.
// writeTimeout must outlast a full image moderation: classification with
// retries, then the detached storage transition.
func (s *Server) writeTimeout() time.Duration {
	classify := s.images.Retry.Deadline
	if classify <= 0 {
		classify = time.Duration(max(1, s.images.Retry.MaxAttempts)) * s.images.Retry.MaxDelay
	}
	relocate := s.images.RelocateTimeout
	if relocate <= 0 {
		relocate = imagemod.DefaultRelocateTimeout
	}
	return max(time.Minute, classify+relocate+15*time.Second)
}

func (s *Server) Run(ctx context.Context, bind string) error {
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)
	s.httpd = &http.Server{
		Handler:        s.echo,
		Addr:           bind,
		WriteTimeout:   s.writeTimeout(),
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting HTTP server", "bind", bind)
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server shutting down unexpectedly: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpd.Shutdown(sctx)
	})
	if s.sweepInterval > 0 {
		g.Go(func() error {
			return s.sweeper.Run(ctx)
		})
	}
	if s.cleanupInterval > 0 {
		g.Go(func() error {
			return s.RunCleanup(ctx, s.cleanupInterval)
		})
	}
	return g.Wait()
}

// RunCleanup deletes expired rate limit windows every interval.
func (s *Server) RunCleanup(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.limiter.Cleanup(ctx, ratelimit.DefaultRetention)
			if err != nil {
				s.logger.Error("rate limit cleanup failed", "err", err)
				continue
			}
			s.logger.Info("rate limit cleanup complete", "deleted", n)
		}
	}
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}
