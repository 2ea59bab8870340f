package route

import (
	"context"
	"sync"
	"time"

	"github.com/corehttp/engine/pkg/errors"
)

// maxFailedRoutes bounds the planner's failed-route memory (SPEC_FULL.md
// §4.3 "The set is bounded").
const maxFailedRoutes = 64

// Planner enumerates an ordered list of Routes to attempt for an Address
// (Plan resolves every proxy and endpoint up front; the list is not produced
// lazily), tracking routes that failed during the life of its owning Client
// so they are tried last on the next call (SPEC_FULL.md §4.3).
type Planner struct {
	resolver Resolver

	mu      sync.Mutex
	failed  map[string]time.Time // route key -> time of failure
	order   []string             // insertion order, for bounded eviction
}

// NewPlanner creates a Planner that resolves addresses via resolver.
func NewPlanner(resolver Resolver) *Planner {
	if resolver == nil {
		resolver = SystemResolver{}
	}
	return &Planner{resolver: resolver, failed: make(map[string]time.Time)}
}

// Plan returns the ordered list of Routes to attempt for addr, proxies
// enumerated first via addr.ProxySelector (or DirectProxySelector if unset),
// then for each proxy every resolved InetEndpoint, preferring previously
// successful (non-failed) routes first.
func (p *Planner) Plan(ctx context.Context, addr *Address) ([]*Route, error) {
	selector := addr.ProxySelector
	if selector == nil {
		selector = DirectProxySelector{}
	}
	proxies, err := selector.Select(ctx, addr)
	if err != nil {
		return nil, errors.NewConnectionError(addr.Host, addr.Port, err)
	}

	var routes []*Route
	for _, proxy := range proxies {
		dialHost, dialPort := addr.Host, addr.Port
		if proxy.Type != ProxyDirect {
			dialHost, dialPort = proxy.Host, proxy.Port
		}

		ips, err := p.resolver.Resolve(ctx, dialHost)
		if err != nil {
			return nil, errors.NewDNSError(dialHost, err)
		}
		for _, ip := range ips {
			routes = append(routes, &Route{
				Address:  addr,
				Proxy:    proxy,
				Endpoint: InetEndpoint{IP: ip, Port: dialPort},
			})
		}
	}

	p.orderByFailureHistory(routes)
	return routes, nil
}

// orderByFailureHistory stable-sorts routes so that any route recorded as
// failed is moved to the end, preserving relative order otherwise (SPEC_FULL
// §4.3 "A failed route is tried last").
func (p *Planner) orderByFailureHistory(routes []*Route) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fresh := routes[:0:0]
	var stale []*Route
	for _, r := range routes {
		if _, bad := p.failed[r.Key()]; bad {
			stale = append(stale, r)
		} else {
			fresh = append(fresh, r)
		}
	}
	copy(routes, append(fresh, stale...))
}

// MarkFailed records that r failed to connect, so future Plan calls try it
// last. The memory is bounded; the oldest entry is evicted when full.
func (p *Planner) MarkFailed(r *Route) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := r.Key()
	if _, exists := p.failed[key]; !exists {
		if len(p.order) >= maxFailedRoutes {
			oldest := p.order[0]
			p.order = p.order[1:]
			delete(p.failed, oldest)
		}
		p.order = append(p.order, key)
	}
	p.failed[key] = time.Now()
}

// MarkSucceeded clears r's failure record, if any (SPEC_FULL §4.3 "entries
// expire on successful use of the same route").
func (p *Planner) MarkSucceeded(r *Route) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := r.Key()
	if _, exists := p.failed[key]; exists {
		delete(p.failed, key)
		for i, k := range p.order {
			if k == key {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
}
