package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_ratelimit_checks",
	Help: "Number of incrementing rate limit checks, by kind and outcome",
}, []string{"kind", "outcome"})

var rateLimitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_ratelimit_errors",
	Help: "Number of rate limit checks which could not be verified (failed closed)",
}, []string{"kind"})

var rateLimitConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_ratelimit_txn_conflicts",
	Help: "Number of optimistic transaction conflicts retried",
})

var rateLimitCleaned = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_ratelimit_windows_cleaned",
	Help: "Number of expired rate limit windows deleted",
})
