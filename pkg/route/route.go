package route

import (
	"context"
	"fmt"
	"net"
)

// InetEndpoint is a single resolved dial target: an IP address and port.
type InetEndpoint struct {
	IP   net.IP
	Port int
}

func (e InetEndpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprintf("%d", e.Port))
}

// Equal reports whether two endpoints are the same IP and port.
func (e InetEndpoint) Equal(o InetEndpoint) bool {
	return e.IP.Equal(o.IP) && e.Port == o.Port
}

// Route is the concrete triple (Address, Proxy, InetEndpoint) that fully
// describes one dialing plan (SPEC_FULL.md §3 "Route"). Two routes are equal
// iff all three components are equal; equality drives pool-matching.
type Route struct {
	Address  *Address
	Proxy    Proxy
	Endpoint InetEndpoint
}

// Key returns a string that is equal for two Routes iff Equal would return
// true, suitable for use as a map key in the connection pool.
func (r *Route) Key() string {
	return r.Address.Key() + "|" + r.Proxy.String() + "|" + r.Endpoint.String()
}

// Equal reports whether two routes describe the same dialing plan.
func (r *Route) Equal(o *Route) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Address.Key() == o.Address.Key() &&
		r.Proxy.Equal(o.Proxy) &&
		r.Endpoint.Equal(o.Endpoint)
}

// Resolver is the externally-consumed DNS abstraction (SPEC_FULL.md §6):
// hostname -> list of IP endpoints.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// SystemResolver is the default Resolver backed by net.DefaultResolver.
type SystemResolver struct{}

func (SystemResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}
