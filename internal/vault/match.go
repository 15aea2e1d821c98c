package vault

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// Default include and exclude patterns for a vault.
var (
	DefaultInclude = []string{"**/*.md"}
	DefaultExclude = []string{".git/**", ".obsidian/**", ".trash/**"}
)

// Matcher decides which vault-relative paths are watched.
type Matcher struct {
	include []string
	exclude []string
}

// NewMatcher validates the glob patterns. An empty include list means DefaultInclude.
func NewMatcher(include, exclude []string) (*Matcher, error) {
	if len(include) == 0 {
		include = DefaultInclude
	}
	for _, p := range append(append([]string(nil), include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	return &Matcher{include: include, exclude: exclude}, nil
}

// Match reports whether a slash-separated relative file path is watched.
func (m *Matcher) Match(rel string) bool {
	if m.excluded(rel) {
		return false
	}
	for _, p := range m.include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// SkipDir reports whether a whole directory is excluded.
func (m *Matcher) SkipDir(rel string) bool {
	return m.excluded(rel) || m.excluded(rel+"/x")
}

func (m *Matcher) excluded(rel string) bool {
	for _, p := range m.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
