package keyword

import (
	"bufio"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
)

//go:embed blocklist_default.txt
var defaultBlocklist string

// DefaultBlocklist returns the terms compiled in to the binary. Deployments
// normally supply their own list file instead.
func DefaultBlocklist() []string {
	terms, _ := ParseBlocklist(strings.NewReader(defaultBlocklist))
	return terms
}

// ParseBlocklist reads one term per line. Blank lines and lines starting with
// '#' are skipped. Terms are folded to lower case with inner whitespace
// collapsed, and returned sorted without duplicates.
func ParseBlocklist(r io.Reader) ([]string, error) {
	var terms []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, normalizeSpace(Fold(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading blocklist: %w", err)
	}
	slices.Sort(terms)
	return slices.Compact(terms), nil
}

// LoadBlocklistFile parses a blocklist from disk. A missing file is not an
// error: it results in an empty list and a warning.
func LoadBlocklistFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("blocklist file not found, continuing with empty blocklist", "path", path)
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	terms, err := ParseBlocklist(f)
	if err != nil {
		return nil, err
	}
	slog.Info("loaded blocklist", "path", path, "terms", len(terms))
	return terms, nil
}
