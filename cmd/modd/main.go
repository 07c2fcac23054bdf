package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amialone/moderation/imagemod"
	"github.com/amialone/moderation/ratelimit"
	"github.com/amialone/moderation/util/svcutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "modd",
		Usage:   "content moderation daemon",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "info",
			EnvVars: []string{"MODD_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "sqlite or postgres URL for the moderation ledger; in-memory when empty",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			EnvVars: []string{"MAX_DB_CONNECTIONS"},
			Value:   20,
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis URL for rate limit windows; falls back to the database, then memory",
			EnvVars: []string{"REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "s3-bucket",
			Usage:   "bucket holding uploaded images; in-memory when empty",
			EnvVars: []string{"S3_BUCKET"},
		},
		&cli.StringFlag{
			Name:    "s3-region",
			EnvVars: []string{"S3_REGION", "AWS_REGION"},
		},
		&cli.StringFlag{
			Name:    "classifier",
			Usage:   "image classifier: 'vision' (Google Cloud Vision) or 'static' (approves everything, for development)",
			Value:   "vision",
			EnvVars: []string{"MODD_CLASSIFIER"},
		},
		&cli.StringFlag{
			Name:    "vision-api-key",
			Usage:   "API key for Google Cloud Vision",
			EnvVars: []string{"VISION_API_KEY", "GOOGLE_API_KEY"},
		},
		&cli.Float64Flag{
			Name:    "vision-rate-limit",
			Usage:   "max classifier requests per second",
			Value:   10,
			EnvVars: []string{"VISION_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "vision-max-retries",
			Usage:   "classifier attempts per image before it is queued",
			Value:   3,
			EnvVars: []string{"VISION_MAX_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "vision-retry-initial-delay",
			Value:   time.Second,
			EnvVars: []string{"VISION_RETRY_INITIAL_DELAY"},
		},
		&cli.DurationFlag{
			Name:    "vision-retry-max-delay",
			Value:   30 * time.Second,
			EnvVars: []string{"VISION_RETRY_MAX_DELAY"},
		},
		&cli.DurationFlag{
			Name:    "vision-deadline",
			Usage:   "total time budget for classifying one image, retries included",
			Value:   60 * time.Second,
			EnvVars: []string{"VISION_DEADLINE"},
		},
		&cli.StringFlag{
			Name:    "image-threshold",
			Usage:   "likelihood at or above which an image category is blocked",
			Value:   "LIKELY",
			EnvVars: []string{"IMAGE_MODERATION_THRESHOLD"},
		},
		&cli.BoolFlag{
			Name:    "verbose-logging",
			Usage:   "persist raw text in moderation audit records",
			Value:   true,
			EnvVars: []string{"VERBOSE_LOGGING"},
		},
		&cli.StringFlag{
			Name:    "blocklist-file",
			Usage:   "path to blocklist file; the built-in list is used when empty",
			EnvVars: []string{"BLOCKLIST_PATH"},
		},
		&cli.IntFlag{
			Name:    "images-per-hour",
			Value:   20,
			EnvVars: []string{"RATE_LIMIT_IMAGES_PER_HOUR"},
		},
		&cli.IntFlag{
			Name:    "texts-per-minute",
			Value:   60,
			EnvVars: []string{"RATE_LIMIT_TEXTS_PER_MINUTE"},
		},
		&cli.IntFlag{
			Name:    "reports-per-hour",
			Value:   10,
			EnvVars: []string{"RATE_LIMIT_REPORTS_PER_HOUR"},
		},
		&cli.DurationFlag{
			Name:    "image-window",
			Value:   time.Hour,
			EnvVars: []string{"RATE_LIMIT_IMAGE_WINDOW"},
		},
		&cli.DurationFlag{
			Name:    "text-window",
			Value:   time.Minute,
			EnvVars: []string{"RATE_LIMIT_TEXT_WINDOW"},
		},
		&cli.DurationFlag{
			Name:    "report-window",
			Value:   time.Hour,
			EnvVars: []string{"RATE_LIMIT_REPORT_WINDOW"},
		},
		&cli.IntFlag{
			Name:    "sweep-max-attempts",
			Usage:   "re-drives of a queued image before it is dead-lettered (0 for unlimited)",
			Value:   imagemod.DefaultSweepMaxAttempts,
			EnvVars: []string{"SWEEP_MAX_ATTEMPTS"},
		},
		&cli.IntFlag{
			Name:    "sweep-max",
			Usage:   "queued images attempted per sweep",
			Value:   imagemod.DefaultSweepMax,
			EnvVars: []string{"SWEEP_MAX"},
		},
	}

	app.Commands = []*cli.Command{
		runCmd,
		sweepCmd,
		cleanupCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3999",
			EnvVars: []string{"MODD_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3998",
			EnvVars: []string{"MODD_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token required on admin and review endpoints; unauthenticated when empty",
			EnvVars: []string{"MODD_ADMIN_TOKEN"},
		},
		&cli.DurationFlag{
			Name:    "sweep-interval",
			Usage:   "how often queued images are re-driven (0 disables)",
			Value:   imagemod.DefaultSweepInterval,
			EnvVars: []string{"SWEEP_INTERVAL"},
		},
		&cli.DurationFlag{
			Name:    "cleanup-interval",
			Usage:   "how often expired rate limit windows are deleted (0 disables)",
			Value:   24 * time.Hour,
			EnvVars: []string{"RATE_LIMIT_CLEANUP_INTERVAL"},
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := svcutil.ConfigLogger(cctx, os.Stdout)
		shutdownTracing := configOTEL(ctx, "modd")
		defer shutdownTracing()

		config := configFromCLI(cctx, logger)
		config.AdminToken = cctx.String("admin-token")
		config.SweepInterval = cctx.Duration("sweep-interval")
		config.CleanupInterval = cctx.Duration("cleanup-interval")

		srv, err := NewServer(ctx, config)
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		if err := srv.Run(ctx, cctx.String("bind")); err != nil {
			return fmt.Errorf("failed to run moderation service: %w", err)
		}
		return nil
	},
}

var sweepCmd = &cli.Command{
	Name:  "sweep",
	Usage: "re-drive queued images once, then exit",
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		logger := svcutil.ConfigLogger(cctx, os.Stderr)
		srv, err := NewServer(ctx, configFromCLI(cctx, logger))
		if err != nil {
			return err
		}
		stats, err := srv.sweeper.SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("listed=%d processed=%d queued=%d deadletter=%d failed=%d\n",
			stats.Listed, stats.Processed, stats.StillQueued, stats.DeadLettered, stats.Failed)
		return nil
	},
}

var cleanupCmd = &cli.Command{
	Name:  "cleanup",
	Usage: "delete expired rate limit windows once, then exit",
	Flags: []cli.Flag{
		&cli.DurationFlag{
			Name:  "older-than",
			Value: ratelimit.DefaultRetention,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx := cctx.Context
		logger := svcutil.ConfigLogger(cctx, os.Stderr)
		srv, err := NewServer(ctx, configFromCLI(cctx, logger))
		if err != nil {
			return err
		}
		n, err := srv.limiter.Cleanup(ctx, cctx.Duration("older-than"))
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d expired windows\n", n)
		return nil
	},
}

func configFromCLI(cctx *cli.Context, logger *slog.Logger) Config {
	return Config{
		Logger:           logger,
		DatabaseURL:      cctx.String("database-url"),
		MaxDBConnections: cctx.Int("max-db-connections"),
		RedisURL:         cctx.String("redis-url"),
		S3Bucket:         cctx.String("s3-bucket"),
		S3Region:         cctx.String("s3-region"),
		Classifier:       cctx.String("classifier"),
		VisionAPIKey:     cctx.String("vision-api-key"),
		VisionRateLimit:  cctx.Float64("vision-rate-limit"),
		Retry: imagemod.RetryConfig{
			MaxAttempts:  cctx.Int("vision-max-retries"),
			InitialDelay: cctx.Duration("vision-retry-initial-delay"),
			MaxDelay:     cctx.Duration("vision-retry-max-delay"),
			Multiplier:   2,
			Deadline:     cctx.Duration("vision-deadline"),
		},
		Threshold:     imagemod.ParseThreshold(cctx.String("image-threshold")),
		Verbose:       cctx.Bool("verbose-logging"),
		BlocklistFile: cctx.String("blocklist-file"),
		Limits: map[ratelimit.Kind]ratelimit.Config{
			ratelimit.KindImageUpload: {Limit: cctx.Int("images-per-hour"), Window: cctx.Duration("image-window")},
			ratelimit.KindTextMessage: {Limit: cctx.Int("texts-per-minute"), Window: cctx.Duration("text-window")},
			ratelimit.KindReport:      {Limit: cctx.Int("reports-per-hour"), Window: cctx.Duration("report-window")},
		},
		SweepMaxAttempts: cctx.Int("sweep-max-attempts"),
		SweepMax:         cctx.Int("sweep-max"),
	}
}
