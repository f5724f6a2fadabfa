package keyresolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-systems/admitcore"
	"github.com/corvid-systems/admitcore/clientip"
)

func TestIP_ResolvesDirectPeerWithNoTrustedProxy(t *testing.T) {
	k := NewIP(nil)
	rc := admitcore.NewContext(admitcore.WithRemoteAddress("203.0.113.5:443"))

	key, err := k.ResolveKey(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", key)
}

func TestIP_HonorsTrustedProxyForwardedHeader(t *testing.T) {
	resolver := clientip.NewResolver(clientip.WithTrustedCIDR("10.0.0.0/8"))
	k := NewIP(resolver)
	rc := admitcore.NewContext(
		admitcore.WithRemoteAddress("10.1.2.3:0"),
		admitcore.WithForwardedFor("198.51.100.1"),
	)

	key, err := k.ResolveKey(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.1", key)
}

func TestIP_DefaultsToStandaloneResolverWhenNilGiven(t *testing.T) {
	k := NewIP(nil)
	rc := admitcore.NewContext(admitcore.WithRemoteAddress("not-an-address"))

	key, err := k.ResolveKey(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "not-an-address", key)
}

func TestHeader_ResolvesFirstValue(t *testing.T) {
	k := NewHeader("X-API-Key")
	rc := admitcore.NewContext(admitcore.WithHeaders(map[string][]string{
		"x-api-key": {"abc123", "ignored"},
	}))

	key, err := k.ResolveKey(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "abc123", key)
}

func TestHeader_ErrorsWhenMissing(t *testing.T) {
	k := NewHeader("X-API-Key")
	rc := admitcore.NewContext()

	_, err := k.ResolveKey(context.Background(), rc)
	assert.Error(t, err)
}

func TestHeader_ErrorsWhenEmptyValue(t *testing.T) {
	k := NewHeader("X-API-Key")
	rc := admitcore.NewContext(admitcore.WithHeaders(map[string][]string{
		"x-api-key": {""},
	}))

	_, err := k.ResolveKey(context.Background(), rc)
	assert.Error(t, err)
}

func TestPrincipal_ResolvesAuthenticatedCaller(t *testing.T) {
	k := NewPrincipal()
	rc := admitcore.NewContext(admitcore.WithPrincipal("user-42"))

	key, err := k.ResolveKey(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, "user-42", key)
}

func TestPrincipal_ErrorsWhenAnonymous(t *testing.T) {
	k := NewPrincipal()
	rc := admitcore.NewContext()

	_, err := k.ResolveKey(context.Background(), rc)
	assert.Error(t, err)
}
