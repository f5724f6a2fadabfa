package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/corvid-systems/admitcore"
)

// WriterSink line-delimits each event as JSON to an io.Writer. Writes are
// best-effort: a write error is silently dropped rather than propagated,
// matching the AuditSink contract that emission never blocks or fails the
// caller's admission path.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) writeLine(kind string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	line := struct {
		Kind    string `json:"kind"`
		Payload any    `json:"payload"`
	}{Kind: kind, Payload: payload}

	enc := json.NewEncoder(s.w)
	_ = enc.Encode(line)
}

func (s *WriterSink) EmitConfigChange(_ context.Context, e admitcore.ConfigChangeEvent) {
	s.writeLine("config_change", e)
}

func (s *WriterSink) EmitEnforcement(_ context.Context, e admitcore.EnforcementEvent) {
	s.writeLine("enforcement", e)
}

func (s *WriterSink) EmitSystemFailure(_ context.Context, e admitcore.SystemFailureEvent) {
	s.writeLine("system_failure", e)
}

var _ admitcore.AuditSink = (*WriterSink)(nil)
