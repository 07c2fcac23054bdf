package textmod

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var textDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "moderation_text_decisions",
	Help: "Number of recorded text moderation decisions, by action",
}, []string{"action"})

var textCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_text_cache_hits",
	Help: "Number of text decisions served from the decision cache",
})

var blocklistReloads = promauto.NewCounter(prometheus.CounterOpts{
	Name: "moderation_blocklist_reloads",
	Help: "Number of times the matcher was replaced",
})

var blocklistTerms = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "moderation_blocklist_terms",
	Help: "Number of terms in the active blocklist",
})
