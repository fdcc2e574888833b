package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters events by cluster name using glob patterns.
// Empty patterns match everything.
type GlobFilter struct {
	clusterGlobs []glob.Glob
}

// NewGlobFilter compiles the given patterns.
func NewGlobFilter(clusterPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		clusterGlobs: make([]glob.Glob, 0, len(clusterPatterns)),
	}

	for _, pattern := range clusterPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid cluster pattern %q: %w", pattern, err)
		}
		filter.clusterGlobs = append(filter.clusterGlobs, g)
	}

	return filter, nil
}

// Match returns true if the cluster name matches the configured patterns.
// If no patterns are configured, all events match.
func (f *GlobFilter) Match(cluster string) bool {
	if len(f.clusterGlobs) == 0 {
		return true
	}
	for _, g := range f.clusterGlobs {
		if g.Match(cluster) {
			return true
		}
	}
	return false
}
