package imagemod

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/amialone/moderation/fault"
	"github.com/amialone/moderation/ledger"
	"github.com/amialone/moderation/objstore"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultSweepMax      = 50
	// one day of retries at the default interval
	DefaultSweepMaxAttempts = 288
)

// Sweeper periodically re-drives queued images through the pipeline.
type Sweeper struct {
	Pipeline *Pipeline
	Interval time.Duration
	// cap on assets attempted per run
	MaxPerRun int
	// re-drives allowed per asset before it is moved to the dead-letter
	// stage; 0 retries forever
	MaxAttempts int
	Concurrency int
	Logger      *slog.Logger
}

func NewSweeper(p *Pipeline) *Sweeper {
	return &Sweeper{
		Pipeline:    p,
		Interval:    DefaultSweepInterval,
		MaxPerRun:   DefaultSweepMax,
		MaxAttempts: DefaultSweepMaxAttempts,
		Concurrency: 4,
		Logger:      p.Logger.With("component", "sweeper"),
	}
}

type SweepStats struct {
	Listed int `json:"listed"`
	// reached approved or blocked
	Processed    int `json:"processed"`
	StillQueued  int `json:"stillQueued"`
	DeadLettered int `json:"deadLettered"`
	Failed       int `json:"failed"`
}

// SweepOnce runs a single pass. Failures on individual assets are logged and
// counted; only a failure to list the queued stage aborts the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepStats, error) {
	ctx, span := tracer.Start(ctx, "SweepOnce")
	defer span.End()

	store := s.Pipeline.Store
	all, err := store.List(ctx, objstore.StageQueued.Prefix())
	if err != nil {
		return nil, fault.Wrap(fault.Dependency, "sweeper.list", err)
	}

	limit := s.MaxPerRun
	if limit <= 0 {
		limit = DefaultSweepMax
	}
	var paths []string
	for _, p := range all {
		// directory markers
		if strings.HasSuffix(p, "/") {
			continue
		}
		paths = append(paths, p)
		if len(paths) >= limit {
			break
		}
	}

	stats := &SweepStats{Listed: len(paths)}
	var mu sync.Mutex
	record := func(outcome string, f func(*SweepStats)) {
		sweepAssets.WithLabelValues(outcome).Inc()
		mu.Lock()
		f(stats)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(max(1, s.Concurrency))
	for _, path := range paths {
		g.Go(func() error {
			outcome, err := s.sweepOne(ctx, path)
			if err != nil {
				s.Logger.Error("failed to re-drive queued image", "path", path, "err", err)
			}
			switch outcome {
			case "processed":
				record(outcome, func(st *SweepStats) { st.Processed++ })
			case "queued":
				record(outcome, func(st *SweepStats) { st.StillQueued++ })
			case "deadletter":
				record(outcome, func(st *SweepStats) { st.DeadLettered++ })
			default:
				record("failed", func(st *SweepStats) { st.Failed++ })
			}
			return nil
		})
	}
	g.Wait()

	s.Logger.Info("sweep complete", "listed", stats.Listed, "processed", stats.Processed,
		"still_queued", stats.StillQueued, "dead_lettered", stats.DeadLettered, "failed", stats.Failed)
	return stats, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, path string) (string, error) {
	p := s.Pipeline
	ref, err := objstore.ParsePath(path)
	if err != nil {
		return "failed", err
	}

	attempts, err := p.Ledger.RecordRequeueAttempt(ctx, path, p.now())
	if err != nil {
		return "failed", err
	}
	if s.MaxAttempts > 0 && attempts > s.MaxAttempts {
		return s.deadLetter(ctx, ref, path, attempts-1)
	}

	data, err := p.Store.Get(ctx, path)
	if err != nil {
		return "failed", err
	}
	res, err := p.Moderate(ctx, data, ref.Subject, path, ref.AssetID)
	if res == nil {
		return "failed", err
	}
	if res.Action == ledger.ActionQueued {
		return "queued", err
	}
	if cerr := p.Ledger.ClearRequeueAttempts(ctx, path); cerr != nil {
		s.Logger.Warn("failed to clear requeue attempts", "path", path, "err", cerr)
	}
	if err != nil {
		return "failed", err
	}
	return "processed", nil
}

// deadLetter parks an asset which kept failing classification where the
// sweeper no longer looks. It is never approved.
func (s *Sweeper) deadLetter(ctx context.Context, ref objstore.Ref, path string, attempts int) (string, error) {
	p := s.Pipeline
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.relocateTimeout())
	defer cancel()

	err := p.Ledger.RecordDecision(dctx, &ledger.Decision{
		Subject:         ref.Subject,
		ContentType:     ledger.ContentImage,
		Action:          ledger.ActionQueued,
		Reason:          fmt.Sprintf("requeue attempts exhausted after %d attempts", attempts),
		OriginalContent: path,
		Timestamp:       p.now(),
	})
	if err != nil {
		return "failed", err
	}
	dst := objstore.BuildPath(objstore.StageDeadLetter, ref.Subject, ref.AssetID, "")
	if err := objstore.Move(dctx, p.Store, path, dst); err != nil {
		relocationErrors.WithLabelValues("deadletter").Inc()
		return "failed", err
	}
	if err := p.Ledger.ClearRequeueAttempts(dctx, path); err != nil {
		s.Logger.Warn("failed to clear requeue attempts", "path", path, "err", err)
	}
	s.Logger.Warn("image moved to dead-letter stage", "path", path, "dst", dst, "attempts", attempts)
	return "deadletter", nil
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.Logger.Error("sweep failed", "err", err)
			}
		}
	}
}
