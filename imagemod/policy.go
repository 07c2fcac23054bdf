package imagemod

import (
	"log/slog"
	"strings"

	"github.com/amialone/moderation/ledger"
	"github.com/amialone/moderation/visual"
)

// GatingCategories are the only categories which can block an image. Medical
// and spoof scores are recorded for reviewers but never gate.
var GatingCategories = []visual.Category{
	visual.CategoryAdult,
	visual.CategoryViolence,
	visual.CategoryRacy,
}

const DefaultThreshold = visual.Likely

type Policy struct {
	// categories scoring at or above this level are flagged
	Threshold visual.Likelihood
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold}
}

// ParseThreshold resolves a configured threshold name, falling back to the
// default (with a warning) when it is not a recognized level.
func ParseThreshold(raw string) visual.Likelihood {
	if strings.TrimSpace(raw) == "" {
		return DefaultThreshold
	}
	l, err := visual.ParseLikelihood(raw)
	if err != nil {
		slog.Warn("invalid moderation threshold, using default", "value", raw, "default", DefaultThreshold.String())
		return DefaultThreshold
	}
	return l
}

type Decision struct {
	Action  ledger.Action
	Flagged []visual.Category
	Reason  string
}

func (p Policy) Evaluate(scores visual.Scores) Decision {
	flagged := []visual.Category{}
	for _, c := range GatingCategories {
		if scores.Get(c) >= p.Threshold {
			flagged = append(flagged, c)
		}
	}
	if len(flagged) == 0 {
		return Decision{Action: ledger.ActionApproved, Flagged: flagged, Reason: "Content passed moderation"}
	}
	names := make([]string, len(flagged))
	for i, c := range flagged {
		names[i] = string(c)
	}
	return Decision{
		Action:  ledger.ActionBlocked,
		Flagged: flagged,
		Reason:  "Content flagged for: " + strings.Join(names, ", "),
	}
}
