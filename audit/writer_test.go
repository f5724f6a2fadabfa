package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-systems/admitcore"
)

func TestWriterSink_EmitsLineDelimitedJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	s.EmitEnforcement(context.Background(), admitcore.EnforcementEvent{PolicyName: "p1", Allowed: true})

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "enforcement", decoded["kind"])
}

func TestWriterSink_MultipleEventsAreNewlineSeparated(t *testing.T) {
	var buf bytes.Buffer
	s := NewWriterSink(&buf)

	s.EmitEnforcement(context.Background(), admitcore.EnforcementEvent{PolicyName: "p1"})
	s.EmitEnforcement(context.Background(), admitcore.EnforcementEvent{PolicyName: "p2"})

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	assert.Len(t, lines, 2)
}
