package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Ignorer matches relative paths against glob patterns. A pattern without a
// slash is matched against every path segment; a pattern with a slash is
// matched against the whole relative path.
type Ignorer struct {
	patterns []string
}

func NewIgnorer(patterns []string) *Ignorer {
	valid := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = filepath.ToSlash(strings.TrimSpace(p))
		if p == "" || !doublestar.ValidatePattern(p) {
			continue
		}
		valid = append(valid, p)
	}

	return &Ignorer{patterns: valid}
}

func (i *Ignorer) ShouldIgnore(relPath string) bool {
	if i == nil || len(i.patterns) == 0 {
		return false
	}

	rel := filepath.ToSlash(relPath)
	parts := strings.Split(rel, "/")

	for _, pattern := range i.patterns {
		if strings.Contains(pattern, "/") {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return true
			}
			continue
		}

		for _, part := range parts {
			if ok, _ := doublestar.Match(pattern, part); ok {
				return true
			}
		}
	}

	return false
}
