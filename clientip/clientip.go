// Package clientip resolves the "real" client IP for a request behind zero
// or more trusted reverse proxies, generalizing the teacher's connectivity
// error pattern-matching discipline to header trust rather than error
// classification: a forwarded-for header is only honored from an immediate
// peer inside the configured trust set, and only the hop a fixed distance
// back from the end of the chain is trusted, so an untrusted client can't
// spoof its way past the trust boundary by prepending fake entries.
package clientip

import (
	"net"
	"strings"
)

// Resolver extracts a client IP from a request's immediate remote address
// and (if trusted) its X-Forwarded-For-style header.
type Resolver struct {
	trustedHops int
	trustedNets []*net.IPNet
}

// Option configures a Resolver under construction via NewResolver.
type Option func(*Resolver)

// WithTrustedHops sets how many hops back from the end of the forwarded
// chain the real client is assumed to sit. Defaults to 1 (the immediate
// proxy appended its own observed peer as the last entry).
func WithTrustedHops(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.trustedHops = n
		}
	}
}

// WithTrustedCIDR adds a CIDR block (e.g. a load balancer subnet) whose
// immediate connections are trusted to supply a forwarded-for header.
func WithTrustedCIDR(cidr string) Option {
	return func(r *Resolver) {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			r.trustedNets = append(r.trustedNets, n)
		}
	}
}

var defaultTrustedCIDRs = []string{"127.0.0.0/8", "::1/128"}

// NewResolver builds a Resolver. With no options, only loopback immediate
// peers are trusted and one hop back is read from the forwarded header.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{trustedHops: 1}
	for _, cidr := range defaultTrustedCIDRs {
		WithTrustedCIDR(cidr)(r)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the client IP to use as an admission key, given the raw
// remote address ("host:port" or a bare IP) and a comma-separated
// X-Forwarded-For-style header value (possibly empty).
func (r *Resolver) Resolve(remoteAddr, forwardedFor string) string {
	immediate := stripPort(remoteAddr)

	if !r.isTrusted(immediate) || forwardedFor == "" {
		return immediate
	}

	chain := parseForwardedChain(forwardedFor)
	if len(chain) == 0 {
		return immediate
	}

	idx := len(chain) - r.trustedHops
	if idx < 0 {
		idx = 0
	}
	return chain[idx]
}

func (r *Resolver) isTrusted(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range r.trustedNets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// parseForwardedChain splits a forwarded-for header into validated IPs,
// in client-to-proxy order, silently dropping malformed entries rather
// than failing the whole header.
func parseForwardedChain(header string) []string {
	parts := strings.Split(header, ",")
	chain := make([]string, 0, len(parts))
	for _, p := range parts {
		candidate := strings.TrimSpace(p)
		if candidate == "" || len(candidate) > 45 {
			continue
		}
		if net.ParseIP(candidate) == nil {
			continue
		}
		chain = append(chain, candidate)
	}
	return chain
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
