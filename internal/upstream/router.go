package upstream

import (
	"sort"
	"strings"
	"sync/atomic"

	gateway "github.com/openvanguard/vanguard/internal"
)

// Router maps request paths to upstream routes by longest matching prefix.
// The route table is swapped atomically so lookups never block.
type Router struct {
	routes atomic.Pointer[[]*gateway.RouteDescriptor]
}

// NewRouter creates a Router over the given routes.
func NewRouter(routes []*gateway.RouteDescriptor) *Router {
	rt := &Router{}
	rt.Swap(routes)
	return rt
}

// Swap replaces the route table.
func (rt *Router) Swap(routes []*gateway.RouteDescriptor) {
	sorted := make([]*gateway.RouteDescriptor, len(routes))
	copy(sorted, routes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
	})
	rt.routes.Store(&sorted)
}

// Match returns the route whose prefix matches the path on a segment
// boundary, preferring the longest prefix.
func (rt *Router) Match(path string) (*gateway.RouteDescriptor, bool) {
	for _, r := range *rt.routes.Load() {
		if prefixMatches(r.PathPrefix, path) {
			return r, true
		}
	}
	return nil, false
}

// Routes returns the active table, longest prefix first.
func (rt *Router) Routes() []*gateway.RouteDescriptor {
	return *rt.routes.Load()
}

func prefixMatches(prefix, path string) bool {
	if prefix == "" || prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// RewritePath removes the first route.StripPrefix segments from path before
// forwarding. Stripping more segments than the path has yields "/".
func RewritePath(route *gateway.RouteDescriptor, path string) string {
	if route.StripPrefix <= 0 {
		return path
	}
	trimmed := strings.TrimPrefix(path, "/")
	for i := 0; i < route.StripPrefix; i++ {
		idx := strings.IndexByte(trimmed, '/')
		if idx < 0 {
			return "/"
		}
		trimmed = trimmed[idx+1:]
	}
	return "/" + trimmed
}
