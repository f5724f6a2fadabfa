package kernel

// SlidingWindowState is the persisted state of one sliding-window-counter
// key: the request counts for the current fixed sub-window and the one
// immediately before it.
type SlidingWindowState struct {
	CurrentStart  int64 // unix millis, start of the current sub-window
	CurrentCount  int64
	PreviousStart int64
	PreviousCount int64
}

// SlidingWindowTransition estimates the request rate over a sliding window
// of width windowMillis as a weighted blend of the previous sub-window's
// count and the current one, per the standard sliding-window-counter
// approximation. A request is admitted only if the estimate, before counting
// the request itself, is below limit.
func SlidingWindowTransition(old *SlidingWindowState, limit int64, windowMillis int64, nowMillis int64) (next SlidingWindowState, allowed bool) {
	currentStart := floorToWindow(nowMillis, windowMillis)
	previousStart := currentStart - windowMillis

	var s SlidingWindowState
	switch {
	case old == nil:
		s = SlidingWindowState{CurrentStart: currentStart}
	case old.CurrentStart == currentStart:
		s = *old
	case old.CurrentStart == previousStart:
		// Roll the old current sub-window into previous.
		s = SlidingWindowState{
			CurrentStart:  currentStart,
			PreviousStart: old.CurrentStart,
			PreviousCount: old.CurrentCount,
		}
	default:
		// Gap larger than one window: previous sub-window is stale.
		s = SlidingWindowState{CurrentStart: currentStart}
	}
	s.PreviousStart = previousStart

	elapsedIntoCurrent := nowMillis - currentStart
	overlap := float64(windowMillis-elapsedIntoCurrent) / float64(windowMillis)
	if overlap < 0 {
		overlap = 0
	}
	if overlap > 1 {
		overlap = 1
	}

	estimate := float64(s.PreviousCount)*overlap + float64(s.CurrentCount)

	if estimate < float64(limit) {
		s.CurrentCount++
		return s, true
	}

	return s, false
}

func floorToWindow(nowMillis, windowMillis int64) int64 {
	if windowMillis <= 0 {
		return nowMillis
	}
	return (nowMillis / windowMillis) * windowMillis
}
