// Package computer derives the "computer" attribution field for a Node from
// a session file's path: the registered spoke name if the path lies under a
// spoke root, otherwise the local hostname.
package computer

import (
	"os"
	"strings"
)

// Spoke names a synced directory root and the short name attributed to
// sessions found under it.
type Spoke struct {
	Root string
	Name string
}

// Resolver derives the computer attribution for session paths.
type Resolver struct {
	spokes   []Spoke
	hostname string
}

// NewResolver builds a Resolver. hostname is resolved via os.Hostname if
// empty.
func NewResolver(spokes []Spoke, hostname string) (*Resolver, error) {
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, err
		}
		hostname = h
	}
	return &Resolver{spokes: spokes, hostname: hostname}, nil
}

// FromPath returns the spoke name for the longest-prefix-matching registered
// spoke root, or the local hostname if no spoke root applies. This mirrors
// the source behavior referenced in the spec's open question: longest-prefix
// spoke match wins, hostname only when no spoke prefix applies.
func (r *Resolver) FromPath(path string) string {
	best := Spoke{}
	for _, s := range r.spokes {
		if strings.HasPrefix(path, s.Root) && len(s.Root) > len(best.Root) {
			best = s
		}
	}
	if best.Root != "" {
		return best.Name
	}
	return r.hostname
}
