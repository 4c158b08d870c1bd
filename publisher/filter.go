package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters write events using glob patterns
type GlobFilter struct {
	databaseGlobs  []glob.Glob
	operationGlobs []glob.Glob
}

// NewGlobFilter creates a glob-based filter. Empty pattern lists match
// everything.
func NewGlobFilter(dbPatterns, opPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		databaseGlobs:  make([]glob.Glob, 0, len(dbPatterns)),
		operationGlobs: make([]glob.Glob, 0, len(opPatterns)),
	}

	for _, pattern := range dbPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid database pattern %q: %w", pattern, err)
		}
		filter.databaseGlobs = append(filter.databaseGlobs, g)
	}

	for _, pattern := range opPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid operation pattern %q: %w", pattern, err)
		}
		filter.operationGlobs = append(filter.operationGlobs, g)
	}

	return filter, nil
}

// Match returns true if the database and operation match the configured
// patterns. Both dimensions must match; an empty dimension matches all.
func (f *GlobFilter) Match(database, operation string) bool {
	dbMatch := len(f.databaseGlobs) == 0
	for _, g := range f.databaseGlobs {
		if g.Match(database) {
			dbMatch = true
			break
		}
	}
	if !dbMatch {
		return false
	}

	opMatch := len(f.operationGlobs) == 0
	for _, g := range f.operationGlobs {
		if g.Match(operation) {
			opMatch = true
			break
		}
	}
	return opMatch
}
