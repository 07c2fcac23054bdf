package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)
	nonSlugChars  = regexp.MustCompile(`[^\pL\pN]+`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// Fold lower-cases text and strips combining marks (so "Gdańsk" becomes
// "gdansk"), leaving punctuation and spacing in place.
func Fold(text string) string {
	// this function needs to be re-defined in every function call to prevent a race condition
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	lower := strings.ToLower(text)
	folded, _, err := transform.String(normFunc, lower)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		return lower
	}
	return folded
}

// Splits free-form text in to tokens, including lower-case, unicode normalization, and some unicode folding.
//
// Any run of characters which are not letters, digits or whitespace acts as a separator, so tokens are the "words" used for word-boundary matching.
func TokenizeText(text string) []string {
	return strings.Fields(nonTokenChars.ReplaceAllString(Fold(text), " "))
}

// Takes an arbitrary string and returns a version with all non-letter, non-digit characters removed, and all lower-case
func Slugify(orig string) string {
	return nonSlugChars.ReplaceAllString(Fold(orig), "")
}

// collapses runs of whitespace to a single space and trims the ends
func normalizeSpace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
