package keyword

import (
	"regexp"
)

const (
	CategoryProfanity = "profanity"
	CategorySelfHarm  = "self-harm encouragement"
	CategoryThreat    = "threat"
)

// A Pattern is a regular expression targeting an evasion technique, with a
// category label used in match reports.
type Pattern struct {
	Category string
	Expr     *regexp.Regexp
}

// zero or more separator characters between obfuscated letters
const sep = `[\s[:punct:]]*`

// spaced matches letters with repeats and separators between them. A leading
// word boundary is added only when bounded is set.
func spaced(letters string, bounded bool) string {
	out := ""
	if bounded {
		out = `\b`
	}
	for i, c := range letters {
		if i > 0 {
			out += sep
		}
		out += string(c) + "+"
	}
	return out
}

// DefaultPatterns returns the built-in evasion patterns. Patterns run against
// folded (lower-case) text.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// letters separated by whitespace or punctuation ("f u c k", "s.h.i.t"),
		// matched inside words too ("motherf u c k e r")
		{Category: CategoryProfanity, Expr: regexp.MustCompile(spaced("fuck", false))},
		// bounded: "this hit" and "wash it" would match otherwise
		{Category: CategoryProfanity, Expr: regexp.MustCompile(spaced("shit", true))},
		// bounded: "glass hole"
		{Category: CategoryProfanity, Expr: regexp.MustCompile(spaced("asshole", true))},
		// character substitution, unanchored
		{Category: CategoryProfanity, Expr: regexp.MustCompile(`f+[u@*v]+c+k`)},
		{Category: CategoryProfanity, Expr: regexp.MustCompile(`sh+[i1!]+t`)},
		// bounded on both sides: "class", "pass", "assessment"
		{Category: CategoryProfanity, Expr: regexp.MustCompile(`(?:^|[^\pL\pN])[a@][s$][s$](?:$|[^\pL\pN])`)},
		// bounded: "kyst", "skys"
		{Category: CategorySelfHarm, Expr: regexp.MustCompile(`\bk+\s*y+\s*s+\b`)},
		{Category: CategoryThreat, Expr: regexp.MustCompile(`\b(?:i['’]?ll?|i will|i['’]?m|ima?|going to|gonna)\s+(?:kill|murder|hurt|stab|shoot)\s+(?:you|u)\b`)},
	}
}
