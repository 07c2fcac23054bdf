// Package imagemod drives uploaded images through moderation.
//
// An image starts in the pending stage. The pipeline classifies it (with
// bounded retry), applies the policy, records the decision, and then moves
// the asset: approved images are transformed and published, blocked images
// are deleted, and images which could not be classified are parked in the
// queued stage for the Sweeper to retry. An image which was not classified
// is never approved.
package imagemod

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/amialone/moderation/fault"
	"github.com/amialone/moderation/imageproc"
	"github.com/amialone/moderation/ledger"
	"github.com/amialone/moderation/objstore"
	"github.com/amialone/moderation/ratelimit"
	"github.com/amialone/moderation/visual"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("imagemod")

const DefaultRelocateTimeout = 30 * time.Second

type Result struct {
	Allowed bool              `json:"allowed"`
	Action  ledger.Action     `json:"action"`
	Reason  string            `json:"reason"`
	Scores  visual.Scores     `json:"scores,omitempty"`
	Flagged []visual.Category `json:"flaggedCategories"`
	// where the asset (or its published rendition) ended up; empty once deleted
	Location  string `json:"location,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

type Pipeline struct {
	Classifier  visual.Classifier
	Store       objstore.Store
	Ledger      ledger.Ledger
	Transformer imageproc.Transformer
	Limiter     *ratelimit.Limiter
	Policy      Policy
	Retry       RetryConfig
	// storage transitions run detached from the caller's context, bounded by this
	RelocateTimeout time.Duration
	Logger          *slog.Logger
	Clock           func() time.Time
}

func NewPipeline(classifier visual.Classifier, store objstore.Store, lg ledger.Ledger, limiter *ratelimit.Limiter, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		Classifier:      classifier,
		Store:           store,
		Ledger:          lg,
		Transformer:     imageproc.NewProcessor(imageproc.DefaultConfig()),
		Limiter:         limiter,
		Policy:          DefaultPolicy(),
		Retry:           DefaultRetryConfig(),
		RelocateTimeout: DefaultRelocateTimeout,
		Logger:          logger.With("component", "imagemod"),
		Clock:           time.Now,
	}
}

// Moderate classifies image bytes stored at path and carries out the
// resulting storage transition. Dependency failures are absorbed: the result
// is queued (classifier) or the error is returned alongside the result
// (storage) with kind Dependency. A nil result is returned only with a Fatal
// error, when the decision could not be recorded.
func (p *Pipeline) Moderate(ctx context.Context, data []byte, subject, path, assetID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Moderate")
	defer span.End()
	span.SetAttributes(attribute.String("subject", subject), attribute.String("path", path))

	start := time.Now()
	defer func() {
		imageModerateDuration.Observe(time.Since(start).Seconds())
	}()
	logger := p.Logger.With("subject", subject, "path", path)

	var res *Result
	scores, attempts, err := classify(ctx, p.Classifier, p.Retry, data)
	if err != nil {
		logger.Warn("image classification failed, queueing", "attempts", attempts, "err", err)
		res = &Result{Action: ledger.ActionQueued, Reason: err.Error(), Flagged: []visual.Category{}}
	} else {
		dec := p.Policy.Evaluate(scores)
		res = &Result{
			Allowed: dec.Action == ledger.ActionApproved,
			Action:  dec.Action,
			Reason:  dec.Reason,
			Scores:  scores,
			Flagged: dec.Flagged,
		}
	}
	span.SetAttributes(attribute.String("action", string(res.Action)))

	// once a decision exists, the transition must finish even if the caller
	// has gone away
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.relocateTimeout())
	defer cancel()

	now := p.now()
	err = p.Ledger.RecordDecision(rctx, &ledger.Decision{
		Subject:         subject,
		ContentType:     ledger.ContentImage,
		Action:          res.Action,
		Reason:          res.Reason,
		Scores:          res.Scores,
		OriginalContent: path,
		Timestamp:       now,
	})
	if err != nil {
		logger.Error("failed to record image decision", "err", err)
		if !isStage(path, objstore.StageQueued) {
			if qerr := p.park(rctx, subject, path, assetID); qerr != nil {
				logger.Error("failed to park unrecorded image", "err", qerr)
			}
		}
		return nil, fault.Wrap(fault.Fatal, "imagemod.record", err)
	}
	imageDecisions.WithLabelValues(string(res.Action)).Inc()

	switch res.Action {
	case ledger.ActionBlocked:
		err = p.block(rctx, res, subject, path, now)
	case ledger.ActionApproved:
		err = p.approve(rctx, res, data, subject, path, assetID)
	default:
		err = p.queue(rctx, res, subject, path, assetID)
	}
	if err != nil {
		if fault.IsFatal(err) {
			return nil, err
		}
		logger.Error("image storage transition failed", "action", res.Action, "err", err)
		return res, err
	}
	logger.Info("image moderated", "action", res.Action, "reason", res.Reason)
	return res, nil
}

// block records the violation and removes the pending object. The object is
// deleted even when the ledger writes fail, so blocked content never stays
// reachable; the ledger failure is still reported as Fatal.
func (p *Pipeline) block(ctx context.Context, res *Result, subject, path string, now time.Time) error {
	var recErr error
	if _, err := p.Ledger.IncrementViolation(ctx, subject, now); err != nil {
		recErr = fault.Wrap(fault.Fatal, "imagemod.violation", err)
	}
	err := p.Ledger.RecordBlocked(ctx, &ledger.BlockedContent{
		Subject:      subject,
		ContentType:  ledger.ContentImage,
		OriginalPath: path,
		Reason:       res.Reason,
		Timestamp:    now,
	})
	if err != nil && recErr == nil {
		recErr = fault.Wrap(fault.Fatal, "imagemod.blocked", err)
	}
	if err := p.Store.Delete(ctx, path); err != nil {
		relocationErrors.WithLabelValues("deleted").Inc()
		res.Location = path
		if recErr != nil {
			return recErr
		}
		return fault.Wrap(fault.Dependency, "imagemod.delete", err)
	}
	return recErr
}

// approve publishes the transformed renditions, then removes the source. If
// the transform or its upload fails the untransformed original is published
// instead.
func (p *Pipeline) approve(ctx context.Context, res *Result, data []byte, subject, path, assetID string) error {
	base := objstore.BaseName(assetID)
	if p.Transformer != nil {
		out, err := p.Transformer.Transform(data)
		if err == nil {
			approvedPath := objstore.BuildPath(objstore.StageApproved, subject, base, out.Format.Ext())
			thumbPath := objstore.BuildPath(objstore.StageThumbnails, subject, base, imageproc.FormatJPEG.Ext())
			err = p.Store.Put(ctx, approvedPath, out.Compressed, out.Format.ContentType())
			if err == nil {
				err = p.Store.Put(ctx, thumbPath, out.Thumbnail, imageproc.FormatJPEG.ContentType())
			}
			if err == nil {
				res.Location = approvedPath
				res.Thumbnail = thumbPath
				if err := p.Store.Delete(ctx, path); err != nil {
					relocationErrors.WithLabelValues("approved").Inc()
					return fault.Wrap(fault.Dependency, "imagemod.delete", err)
				}
				return nil
			}
			p.Logger.Warn("failed to upload processed image, publishing original", "path", path, "err", err)
		} else {
			p.Logger.Warn("image processing failed, publishing original", "path", path, "err", err)
		}
	}

	dst := objstore.BuildPath(objstore.StageApproved, subject, assetID, "")
	if err := objstore.Move(ctx, p.Store, path, dst); err != nil {
		relocationErrors.WithLabelValues("approved").Inc()
		res.Location = path
		return fault.Wrap(fault.Dependency, "imagemod.approve", err)
	}
	res.Location = dst
	return nil
}

func (p *Pipeline) queue(ctx context.Context, res *Result, subject, path, assetID string) error {
	if isStage(path, objstore.StageQueued) {
		res.Location = path
		return nil
	}
	if err := p.park(ctx, subject, path, assetID); err != nil {
		res.Location = path
		return err
	}
	res.Location = objstore.BuildPath(objstore.StageQueued, subject, assetID, "")
	return nil
}

func (p *Pipeline) park(ctx context.Context, subject, path, assetID string) error {
	dst := objstore.BuildPath(objstore.StageQueued, subject, assetID, "")
	if err := objstore.Move(ctx, p.Store, path, dst); err != nil {
		relocationErrors.WithLabelValues("queued").Inc()
		return fault.Wrap(fault.Dependency, "imagemod.queue", err)
	}
	return nil
}

// ProcessUpload handles a newly stored object. Only images in the pending
// stage are moderated. The subject's upload rate limit is checked first; an
// upload over the limit (or whose limit cannot be verified) is deleted
// without moderation.
func (p *Pipeline) ProcessUpload(ctx context.Context, path, contentType string) (*Result, error) {
	ref, err := objstore.ParsePath(path)
	if err != nil {
		return nil, err
	}
	if ref.Stage != objstore.StagePending {
		return nil, fault.Validationf("not a pending upload: %s", path)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fault.Validationf("not an image: %s", contentType)
	}
	logger := p.Logger.With("subject", ref.Subject, "path", path)

	rl, err := p.Limiter.Check(ctx, ref.Subject, ratelimit.KindImageUpload, true)
	if err != nil || !rl.Allowed {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.relocateTimeout())
		defer cancel()
		if derr := p.Store.Delete(dctx, path); derr != nil {
			logger.Error("failed to delete rejected upload", "err", derr)
		}
		if err != nil {
			uploadRejections.WithLabelValues("unverified").Inc()
			logger.Error("could not verify upload rate limit, rejecting", "err", err)
			return nil, err
		}
		uploadRejections.WithLabelValues("ratelimit").Inc()
		logger.Info("upload rate limit exceeded, deleted upload", "reset_at", rl.ResetAt)
		return nil, fault.CapacityError(fmt.Sprintf("Rate limit exceeded. You can upload %d images per window. Try again at %s", rl.Limit, rl.ResetAt.Format(time.RFC3339)))
	}

	data, err := p.Store.Get(ctx, path)
	if err != nil {
		return nil, fault.Wrap(fault.Dependency, "imagemod.get", err)
	}
	return p.Moderate(ctx, data, ref.Subject, path, ref.AssetID)
}

func (p *Pipeline) relocateTimeout() time.Duration {
	if p.RelocateTimeout > 0 {
		return p.RelocateTimeout
	}
	return DefaultRelocateTimeout
}

func (p *Pipeline) now() time.Time {
	if p.Clock != nil {
		return p.Clock().UTC()
	}
	return time.Now().UTC()
}

func isStage(path string, stage objstore.Stage) bool {
	return strings.HasPrefix(strings.TrimPrefix(path, "/"), stage.Prefix())
}
