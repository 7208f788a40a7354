// Package policy decides which permission a request needs. Entries live in the
// policy store; the engine serves lookups from an immutable in-memory snapshot
// that a background refresher swaps atomically, so request-path matching never
// takes a lock or touches the database.
package policy

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	gateway "github.com/openvanguard/vanguard/internal"
	"github.com/openvanguard/vanguard/internal/storage"
)

// Engine matches requests against the current policy snapshot.
type Engine struct {
	store storage.PolicyStore
	snap  atomic.Pointer[snapshot]
}

type snapshot struct {
	entries  []*compiledEntry
	version  int64
	loadedAt time.Time
}

type compiledEntry struct {
	entry         *gateway.PolicyEntry
	segments      []string
	literalPrefix int // length of the pattern before the first wildcard
}

// NewEngine creates an engine with an empty snapshot. Call Reload before
// serving traffic.
func NewEngine(store storage.PolicyStore) *Engine {
	e := &Engine{store: store}
	e.snap.Store(&snapshot{loadedAt: time.Now()})
	return e
}

// Reload rebuilds the snapshot from the store and swaps it in. On error the
// previous snapshot stays active.
func (e *Engine) Reload(ctx context.Context) error {
	entries, err := e.store.ListPolicies(ctx)
	if err != nil {
		return err
	}
	version, err := e.store.PolicyVersion(ctx)
	if err != nil {
		return err
	}

	compiled := make([]*compiledEntry, 0, len(entries))
	for _, p := range entries {
		compiled = append(compiled, compile(p))
	}
	// Higher priority wins; among equals the more specific pattern (longer
	// literal prefix) wins. First match in this order decides.
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].entry.Priority != compiled[j].entry.Priority {
			return compiled[i].entry.Priority > compiled[j].entry.Priority
		}
		return compiled[i].literalPrefix > compiled[j].literalPrefix
	})

	e.snap.Store(&snapshot{entries: compiled, version: version, loadedAt: time.Now()})
	return nil
}

// Match returns the policy entry governing method+path, or ok=false when no
// pattern applies. Callers decide what an unmapped path means.
func (e *Engine) Match(method, path string) (*gateway.PolicyEntry, bool) {
	snap := e.snap.Load()
	parts := splitPath(path)
	for _, ce := range snap.entries {
		if ce.entry.Method != "*" && !strings.EqualFold(ce.entry.Method, method) {
			continue
		}
		if matchSegments(ce.segments, parts) {
			return ce.entry, true
		}
	}
	return nil, false
}

// Version reports the version of the active snapshot.
func (e *Engine) Version() int64 {
	return e.snap.Load().version
}

// LoadedAt reports when the active snapshot was built.
func (e *Engine) LoadedAt() time.Time {
	return e.snap.Load().loadedAt
}

// Len reports the number of entries in the active snapshot.
func (e *Engine) Len() int {
	return len(e.snap.Load().entries)
}

func compile(p *gateway.PolicyEntry) *compiledEntry {
	prefix := len(p.PathPattern)
	if i := strings.IndexByte(p.PathPattern, '*'); i >= 0 {
		prefix = i
	}
	return &compiledEntry{
		entry:         p,
		segments:      splitPath(p.PathPattern),
		literalPrefix: prefix,
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchSegments implements ant-style matching: "*" matches exactly one
// segment, "**" matches zero or more, and a segment with an embedded "*"
// matches by prefix+suffix.
func matchSegments(pattern, parts []string) bool {
	if len(pattern) == 0 {
		return len(parts) == 0
	}
	head := pattern[0]
	if head == "**" {
		// Try consuming zero, one, ... path segments.
		for skip := 0; skip <= len(parts); skip++ {
			if matchSegments(pattern[1:], parts[skip:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	if !matchSegment(head, parts[0]) {
		return false
	}
	return matchSegments(pattern[1:], parts[1:])
}

func matchSegment(pattern, seg string) bool {
	if pattern == "*" {
		return true
	}
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern == seg
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	return len(seg) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(seg, prefix) && strings.HasSuffix(seg, suffix)
}
