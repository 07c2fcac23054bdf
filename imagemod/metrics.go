package imagemod

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var imageDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_image_decisions",
	Help: "Number of image moderation outcomes, by action",
}, []string{"action"})

var imageModerateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "moderation_image_moderate_duration_sec",
	Help:    "Duration of image moderation, including classifier retries and relocation",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})

var classifierRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_image_classifier_retries",
	Help: "Number of classifier calls which were retries of an earlier failure",
})

var relocationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_image_relocation_errors",
	Help: "Number of failed storage transitions, by target stage",
}, []string{"stage"})

var uploadRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_image_upload_rejections",
	Help: "Number of uploads deleted before moderation, by reason",
}, []string{"reason"})

var sweepAssets = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_sweeper_assets",
	Help: "Number of queued assets handled by the requeue sweeper, by outcome",
}, []string{"outcome"})
