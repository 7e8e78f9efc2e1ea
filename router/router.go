// Package router implements the bounded routing table described in
// spec.md §4.3: exact and longest-prefix URI dispatch, per-route protect
// callbacks, and a single optional global protect callback.
//
// It plays the role the teacher's mux.ServeMux plays for badu-http (both
// resolve a URI against a table of registered patterns, longest match
// wins), generalized to the spec's djb2-signature lookup and explicit
// route-id lifecycle (add/remove/reuse) instead of ServeMux's plain
// string-keyed map.
package router

import (
	"errors"
	"strings"
	"sync"

	"github.com/arnebrasseur/ember/protocol"
)

// MatchMode is the dispatch mode a route was registered with.
type MatchMode int

const (
	Exact MatchMode = iota
	Prefix
)

// ErrTableFull is returned by RouteExact and RoutePrefix when the table is
// already holding its configured capacity of routes.
var ErrTableFull = errors.New("router: route table full")

// ErrNotFound is returned by RouteRemove when no route matches uri, and by
// RouteAsync and ProtectRoute for an unknown route id.
var ErrNotFound = errors.New("router: no such route")

type route struct {
	uri     string
	sig     uint32
	mode    MatchMode
	handler protocol.Handler
	async   protocol.AsyncHandler
	protect protocol.ProtectFunc
	next    int // next index in this bucket's collision chain, -1 if none
	live    bool
}

const buckets = 131

// Router is a bounded routing table. The zero value is not usable;
// construct with New.
type Router struct {
	mu       sync.RWMutex
	capacity int
	routes   []route
	free     []int
	head     [buckets]int
	global   protocol.ProtectFunc
}

// New returns an empty Router that holds at most capacity routes.
func New(capacity int) *Router {
	r := &Router{capacity: capacity, routes: make([]route, 0, capacity)}
	for i := range r.head {
		r.head[i] = -1
	}
	return r
}

func signature(uri string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(uri); i++ {
		c := uri[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		h = ((h << 5) + h) + uint32(c)
	}
	return h
}

func (r *Router) bucket(sig uint32) int { return int(sig % buckets) }

// add inserts uri with mode and handler, returning a 1-based route id
// (0 is reserved to mean "the global protect callback" per protect_route's
// id=0 convention). New additions prefer reusing a slot freed by Remove.
func (r *Router) add(uri string, mode MatchMode, handler protocol.Handler) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.alloc()
	if err != nil {
		return 0, err
	}
	sig := signature(uri)
	b := r.bucket(sig)
	r.routes[idx] = route{uri: uri, sig: sig, mode: mode, handler: handler, next: r.head[b], live: true}
	r.head[b] = idx
	return idx + 1, nil
}

func (r *Router) alloc() (int, error) {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		return idx, nil
	}
	if len(r.routes) >= r.capacity {
		return 0, ErrTableFull
	}
	r.routes = append(r.routes, route{})
	return len(r.routes) - 1, nil
}

// RouteExact registers an exact-match route, mirroring echttp_route on
// the server side (spec.md §4.3 route_exact).
func (r *Router) RouteExact(uri string, handler protocol.Handler) (int, error) {
	return r.add(uri, Exact, handler)
}

// RoutePrefix registers a route matching uri and every descendant path
// under it (spec.md §4.3 route_prefix).
func (r *Router) RoutePrefix(uri string, handler protocol.Handler) (int, error) {
	return r.add(uri, Prefix, handler)
}

// RouteAsync marks an existing route as capable of receiving its body in
// streaming mode (spec.md §4.3 route_async).
func (r *Router) RouteAsync(id int, async protocol.AsyncHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := id - 1
	if idx < 0 || idx >= len(r.routes) || !r.routes[idx].live {
		return ErrNotFound
	}
	r.routes[idx].async = async
	return nil
}

// ProtectRoute installs a protect callback. id=0 installs the single
// global protect callback (spec.md §4.3 protect_route).
func (r *Router) ProtectRoute(id int, cb protocol.ProtectFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == 0 {
		r.global = cb
		return nil
	}
	idx := id - 1
	if idx < 0 || idx >= len(r.routes) || !r.routes[idx].live {
		return ErrNotFound
	}
	r.routes[idx].protect = cb
	return nil
}

// RouteFindID returns the route id for uri (spec.md §4.3 route_find),
// applying the same lookup order as Find, or -1 if nothing matches.
func (r *Router) RouteFindID(uri string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.lookup(uri)
	if idx == -1 {
		return -1
	}
	return idx + 1
}

// RouteRemove unlinks the route registered under uri, freeing its slot for
// reuse (spec.md §4.3 route_remove). It looks only for an exact string
// match on the registered URI, not a routing-order lookup.
func (r *Router) RouteRemove(uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sig := signature(uri)
	b := r.bucket(sig)
	prev := -1
	for i := r.head[b]; i != -1; i = r.routes[i].next {
		if r.routes[i].live && r.routes[i].sig == sig && r.routes[i].uri == uri {
			if prev == -1 {
				r.head[b] = r.routes[i].next
			} else {
				r.routes[prev].next = r.routes[i].next
			}
			r.routes[i] = route{}
			r.free = append(r.free, i)
			return nil
		}
		prev = i
	}
	return ErrNotFound
}

// lookup performs the algorithm in spec.md §4.2 step 5 / §4.3 "Lookup
// order": exact string match on the full URI first regardless of mode,
// then the longest registered-prefix ancestor, then "/" as a last resort.
// Caller must hold r.mu.
func (r *Router) lookup(uri string) int {
	if idx := r.findExactString(uri); idx != -1 {
		return idx
	}
	for ancestor := parentPath(uri); ancestor != ""; ancestor = parentPath(ancestor) {
		if idx := r.findPrefixString(ancestor); idx != -1 {
			return idx
		}
	}
	return r.findPrefixString("/")
}

func (r *Router) findExactString(uri string) int {
	sig := signature(uri)
	for i := r.head[r.bucket(sig)]; i != -1; i = r.routes[i].next {
		if r.routes[i].live && r.routes[i].sig == sig && r.routes[i].uri == uri {
			return i
		}
	}
	return -1
}

func (r *Router) findPrefixString(uri string) int {
	sig := signature(uri)
	for i := r.head[r.bucket(sig)]; i != -1; i = r.routes[i].next {
		if r.routes[i].live && r.routes[i].mode == Prefix && r.routes[i].sig == sig && r.routes[i].uri == uri {
			return i
		}
	}
	return -1
}

// parentPath strips the last "/segment" from uri, e.g. "/a/b/c" -> "/a/b",
// "/a" -> "", "/" -> "". Returning "" signals "no further ancestor";
// callers still try "/" separately in lookup.
func parentPath(uri string) string {
	trimmed := strings.TrimSuffix(uri, "/")
	idx := strings.LastIndexByte(trimmed, '/')
	if idx <= 0 {
		return ""
	}
	return trimmed[:idx]
}

// Find implements protocol.Router.
func (r *Router) Find(uri string) (id int, h protocol.Handler, ah protocol.AsyncHandler, protect protocol.ProtectFunc, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.lookup(uri)
	if idx == -1 {
		return 0, nil, nil, nil, false
	}
	rt := r.routes[idx]
	return idx + 1, rt.handler, rt.async, rt.protect, true
}

// GlobalProtect implements protocol.Router.
func (r *Router) GlobalProtect() (protocol.ProtectFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.global == nil {
		return nil, false
	}
	return r.global, true
}
