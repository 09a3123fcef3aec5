// Package upstream implements the weighted upstream selector used by
// the reverse proxy and L4 load-balancer paths (spec.md §3 Upstream
// group, §4.3). Selection is a single weighted-random pick over the
// currently healthy servers in a group, grounded on the teacher's
// AddressPool.PickBest pattern (RWMutex-guarded pick from a live
// candidate set) but simplified to the spec's weighted-random rule
// rather than the teacher's latency-ranked top-N pick.
package upstream

import (
	"math/rand"
	"sync"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/health"
)

// Server is one weighted backend candidate.
type Server struct {
	Addr   string
	Weight int
}

// Selector picks a backend from a fixed group of weighted servers,
// skipping any the health registry marks falldown unless every server
// in the group is down, in which case it falls back to a weighted
// pick across the whole group (spec.md §4.3 "all falldown" rule).
type Selector struct {
	registry *health.Registry

	mu      sync.RWMutex
	servers []Server
}

// NewSelector builds a Selector from an upstream group's configured
// servers.
func NewSelector(group config.UpstreamGroup, registry *health.Registry) *Selector {
	servers := make([]Server, 0, len(group.Servers))
	for _, s := range group.Servers {
		// spec.md §3: "Weights ≥0" — a 0-weight server is a valid
		// configuration (it gets no share of traffic except in the
		// all-falldown fallback); only a negative weight is invalid
		// input, clamped to 0 rather than silently boosted to 1.
		w := s.Weight
		if w < 0 {
			w = 0
		}
		servers = append(servers, Server{Addr: s.Addr, Weight: w})
	}
	return &Selector{registry: registry, servers: servers}
}

// Pick returns a weighted-random backend address, preferring healthy
// servers. It reports false when the group is empty.
func (s *Selector) Pick() (string, bool) {
	s.mu.RLock()
	servers := s.servers
	s.mu.RUnlock()

	if len(servers) == 0 {
		return "", false
	}

	healthy := make([]Server, 0, len(servers))
	for _, srv := range servers {
		if s.registry == nil || !s.registry.IsFalldown(srv.Addr) {
			healthy = append(healthy, srv)
		}
	}
	if len(healthy) == 0 {
		// Every server in the group is falldown: fall back to a
		// weighted pick across all of them rather than refusing to
		// serve traffic (spec.md §4.3).
		healthy = servers
	}
	return weightedPick(healthy), true
}

// Servers returns a snapshot of the configured backends.
func (s *Selector) Servers() []Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Server, len(s.servers))
	copy(out, s.servers)
	return out
}

func weightedPick(servers []Server) string {
	total := 0
	for _, s := range servers {
		total += s.Weight
	}
	if total <= 0 {
		// Every candidate carries weight 0: there's no weighted share to
		// draw from, so fall back to the first by iteration order
		// (spec.md §3 "Ties are broken by the iteration order of
		// servers") rather than picking uniformly at random, which
		// would give 0-weight servers a share they were configured not
		// to have.
		return servers[0].Addr
	}
	target := rand.Intn(total)
	for _, s := range servers {
		if target < s.Weight {
			return s.Addr
		}
		target -= s.Weight
	}
	return servers[len(servers)-1].Addr
}
