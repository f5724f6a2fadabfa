package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-systems/admitcore"
)

func TestRingSink_RetainsEventsInOrder(t *testing.T) {
	r := NewRingSink(10)
	ctx := context.Background()

	r.EmitEnforcement(ctx, admitcore.EnforcementEvent{PolicyName: "p1", Allowed: true, At: time.Unix(1, 0)})
	r.EmitEnforcement(ctx, admitcore.EnforcementEvent{PolicyName: "p2", Allowed: false, At: time.Unix(2, 0)})

	events := r.Recent()
	require.Len(t, events, 2)
	assert.Equal(t, "p1", events[0].Enforcement.PolicyName)
	assert.Equal(t, "p2", events[1].Enforcement.PolicyName)
}

func TestRingSink_OverwritesOldestWhenFull(t *testing.T) {
	r := NewRingSink(2)
	ctx := context.Background()

	r.EmitEnforcement(ctx, admitcore.EnforcementEvent{PolicyName: "p1"})
	r.EmitEnforcement(ctx, admitcore.EnforcementEvent{PolicyName: "p2"})
	r.EmitEnforcement(ctx, admitcore.EnforcementEvent{PolicyName: "p3"})

	events := r.Recent()
	require.Len(t, events, 2)
	assert.Equal(t, "p2", events[0].Enforcement.PolicyName)
	assert.Equal(t, "p3", events[1].Enforcement.PolicyName)
}

func TestRingSink_HandlesAllThreeEventKinds(t *testing.T) {
	r := NewRingSink(10)
	ctx := context.Background()

	r.EmitConfigChange(ctx, admitcore.ConfigChangeEvent{PolicyName: "p1"})
	r.EmitSystemFailure(ctx, admitcore.SystemFailureEvent{PolicyName: "p1"})

	events := r.Recent()
	require.Len(t, events, 2)
	assert.Equal(t, "config_change", events[0].Kind)
	assert.Equal(t, "system_failure", events[1].Kind)
}
