// Package throttle implements the adaptive delay calculator: a function
// from current usage and a soft/hard limit pair to a recommended admission
// delay, used by engine.Engine to slow callers down before an outright deny
// becomes necessary.
package throttle

// Curve selects how delay scales between SoftLimit and HardLimit.
type Curve int

const (
	Linear Curve = iota
	Exponential
)

// Config bounds an adaptive throttle: below SoftLimit, no delay is applied;
// at or above HardLimit, the maximum delay is applied; between the two,
// delay grows per Curve.
type Config struct {
	SoftLimit  int64
	HardLimit  int64
	MaxDelayMs int64
	Curve      Curve
}

// Calculate returns the delay, in milliseconds, to apply for a request
// observed at currentUsage. It is a pure function of currentUsage and cfg.
func Calculate(currentUsage int64, cfg Config) int64 {
	if cfg.HardLimit <= cfg.SoftLimit || cfg.MaxDelayMs <= 0 {
		return 0
	}

	ratio := float64(currentUsage-cfg.SoftLimit) / float64(cfg.HardLimit-cfg.SoftLimit)
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	switch cfg.Curve {
	case Exponential:
		return int64(ratio * ratio * float64(cfg.MaxDelayMs))
	default:
		return int64(ratio * float64(cfg.MaxDelayMs))
	}
}

// ShouldThrottle reports whether currentUsage falls in the graduated zone
// between SoftLimit and HardLimit, where a caller should be slowed rather
// than admitted at full speed or denied outright.
func ShouldThrottle(currentUsage int64, cfg Config) bool {
	return currentUsage > cfg.SoftLimit && currentUsage < cfg.HardLimit
}

// ShouldBlock reports whether currentUsage has reached HardLimit, where the
// adaptive throttle gives way to an outright deny.
func ShouldBlock(currentUsage int64, cfg Config) bool {
	return currentUsage >= cfg.HardLimit
}
