// Package keyresolver provides ready-made admitcore.KeyResolver
// implementations for the common cases: client IP, a single header value,
// and the authenticated principal, so most callers never need to write
// their own resolver.
package keyresolver

import (
	"context"
	"errors"

	"github.com/corvid-systems/admitcore"
	"github.com/corvid-systems/admitcore/clientip"
)

// IP resolves the key to the request's client IP via an embedded
// clientip.Resolver, honoring trusted-proxy forwarding.
type IP struct {
	resolver *clientip.Resolver
}

func NewIP(resolver *clientip.Resolver) *IP {
	if resolver == nil {
		resolver = clientip.NewResolver()
	}
	return &IP{resolver: resolver}
}

func (k *IP) ResolveKey(_ context.Context, rc admitcore.Context) (string, error) {
	ip := k.resolver.Resolve(rc.RemoteAddress(), rc.ForwardedFor())
	if ip == "" {
		return "", errors.New("keyresolver: empty client ip")
	}
	return ip, nil
}

// Header resolves the key to the first value of a named request header.
type Header struct {
	name string
}

func NewHeader(name string) *Header {
	return &Header{name: name}
}

func (k *Header) ResolveKey(_ context.Context, rc admitcore.Context) (string, error) {
	values := rc.Header(k.name)
	if len(values) == 0 || values[0] == "" {
		return "", errors.New("keyresolver: header " + k.name + " missing or empty")
	}
	return values[0], nil
}

// Principal resolves the key to the authenticated principal attached to
// the Context, falling back to an error (which the engine treats as an
// anonymous key) when none is set.
type Principal struct{}

func NewPrincipal() Principal { return Principal{} }

func (Principal) ResolveKey(_ context.Context, rc admitcore.Context) (string, error) {
	if rc.Principal() == "" {
		return "", errors.New("keyresolver: no principal on context")
	}
	return rc.Principal(), nil
}
