package keyword

import (
	"regexp"
	"strings"
	"sync/atomic"
)

type Source string

const (
	SourceBlocklist Source = "blocklist"
	SourcePattern   Source = "pattern"
)

type Match struct {
	Source Source `json:"source"`
	// blocklist term, when Source is SourceBlocklist
	Term string `json:"term,omitempty"`
	// pattern category, when Source is SourcePattern
	Category string `json:"category,omitempty"`
}

// Label renders a match the way it appears in reasons and audit records:
// the term itself, or "regex:<category>".
func (m Match) Label() string {
	if m.Source == SourcePattern {
		return "regex:" + m.Category
	}
	return m.Term
}

func Labels(matches []Match) []string {
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.Label()
	}
	return out
}

var generations atomic.Uint64

// Matcher checks text against a blocklist and a set of patterns. It is
// immutable after construction and safe for concurrent use; reloading the
// blocklist means building a new Matcher.
type Matcher struct {
	generation uint64
	// single-word terms which are plain letters and digits, matched against tokens
	words map[string]bool
	// sorted order of all terms, for deterministic reporting
	terms []string
	// single-word terms containing punctuation, matched with boundary regexes
	boundary map[string]*regexp.Regexp
	phrases  map[string]bool
	patterns []Pattern
}

func NewMatcher(terms []string, patterns []Pattern) *Matcher {
	m := &Matcher{
		generation: generations.Add(1),
		words:      make(map[string]bool),
		boundary:   make(map[string]*regexp.Regexp),
		phrases:    make(map[string]bool),
		patterns:   patterns,
	}
	seen := make(map[string]bool, len(terms))
	for _, raw := range terms {
		term := normalizeSpace(Fold(raw))
		if term == "" || seen[term] {
			continue
		}
		seen[term] = true
		m.terms = append(m.terms, term)
		switch {
		case strings.Contains(term, " "):
			m.phrases[term] = true
		case Slugify(term) == term:
			m.words[term] = true
		default:
			m.boundary[term] = regexp.MustCompile(`(?:^|[^\pL\pN])` + regexp.QuoteMeta(term) + `(?:$|[^\pL\pN])`)
		}
	}
	return m
}

// NewDefaultMatcher is a matcher over the compiled-in blocklist and patterns.
func NewDefaultMatcher() *Matcher {
	return NewMatcher(DefaultBlocklist(), DefaultPatterns())
}

// Generation uniquely identifies this matcher instance within the process.
func (m *Matcher) Generation() uint64 {
	return m.generation
}

func (m *Matcher) Terms() []string {
	return append([]string(nil), m.terms...)
}

func (m *Matcher) Len() int {
	return len(m.terms)
}

// Match returns every blocklist term and pattern found in text: blocklist
// terms first in sorted order, then patterns in definition order. Each
// pattern category is reported at most once.
func (m *Matcher) Match(text string) []Match {
	folded := Fold(text)
	if strings.TrimSpace(folded) == "" {
		return nil
	}
	spaced := normalizeSpace(folded)

	var tokens map[string]bool
	if len(m.words) > 0 {
		toks := strings.Fields(nonTokenChars.ReplaceAllString(folded, " "))
		tokens = make(map[string]bool, len(toks))
		for _, tok := range toks {
			tokens[tok] = true
		}
	}

	var out []Match
	for _, term := range m.terms {
		hit := false
		switch {
		case m.phrases[term]:
			hit = strings.Contains(spaced, term)
		case m.words[term]:
			hit = tokens[term]
		default:
			hit = m.boundary[term].MatchString(folded)
		}
		if hit {
			out = append(out, Match{Source: SourceBlocklist, Term: term})
		}
	}

	reported := make(map[string]bool)
	for _, p := range m.patterns {
		if reported[p.Category] {
			continue
		}
		if p.Expr.MatchString(folded) {
			reported[p.Category] = true
			out = append(out, Match{Source: SourcePattern, Category: p.Category})
		}
	}
	return out
}
