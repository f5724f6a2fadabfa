package metrics

import (
	"time"

	"github.com/corvid-systems/admitcore"
)

// Noop discards every observation. Useful as an engine default and in
// tests that don't care about metrics wiring.
type Noop struct{}

func (Noop) RecordAllow(string)                       {}
func (Noop) RecordDeny(string)                         {}
func (Noop) RecordError(string, error)                 {}
func (Noop) RecordLatency(string, time.Duration)       {}
func (Noop) RecordFallback(string, string)             {}
func (Noop) RecordBreakerStateChange(string, string)   {}
func (Noop) RecordUsage(string, int64, int64)          {}

var _ admitcore.MetricsSink = Noop{}
