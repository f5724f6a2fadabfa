package clientip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_UntrustedImmediatePeerIgnoresForwardedHeader(t *testing.T) {
	r := NewResolver()
	got := r.Resolve("203.0.113.5:443", "198.51.100.1")
	assert.Equal(t, "203.0.113.5", got, "non-loopback peer is not trusted by default")
}

func TestResolve_TrustedProxyHonorsForwardedHeader(t *testing.T) {
	r := NewResolver()
	got := r.Resolve("127.0.0.1:443", "198.51.100.1")
	assert.Equal(t, "198.51.100.1", got)
}

func TestResolve_TakesHopFromEndOfChain(t *testing.T) {
	r := NewResolver(WithTrustedHops(2))
	got := r.Resolve("127.0.0.1:443", "198.51.100.1, 10.0.0.2, 10.0.0.3")
	assert.Equal(t, "10.0.0.2", got)
}

func TestResolve_CustomTrustedCIDR(t *testing.T) {
	r := NewResolver(WithTrustedCIDR("10.0.0.0/8"))
	got := r.Resolve("10.1.2.3:0", "198.51.100.1")
	assert.Equal(t, "198.51.100.1", got)
}

func TestResolve_MalformedForwardedEntriesAreSkipped(t *testing.T) {
	r := NewResolver()
	got := r.Resolve("127.0.0.1:443", "not-an-ip, 198.51.100.1")
	assert.Equal(t, "198.51.100.1", got)
}

func TestResolve_EmptyForwardedHeaderFallsBackToImmediatePeer(t *testing.T) {
	r := NewResolver()
	got := r.Resolve("127.0.0.1:443", "")
	assert.Equal(t, "127.0.0.1", got)
}

func TestResolve_HopIndexClampsAtChainStart(t *testing.T) {
	r := NewResolver(WithTrustedHops(5))
	got := r.Resolve("127.0.0.1:443", "198.51.100.1, 10.0.0.2")
	assert.Equal(t, "198.51.100.1", got)
}

func TestResolve_BareIPWithoutPort(t *testing.T) {
	r := NewResolver()
	got := r.Resolve("203.0.113.5", "")
	assert.Equal(t, "203.0.113.5", got)
}
