package kernel

// FixedWindowState is the persisted state of one fixed-window key.
type FixedWindowState struct {
	WindowNumber int64
	Count        int64
}

// FixedWindowTransition buckets nowMillis into a window of width
// windowMillis, resetting the counter whenever the window number changes,
// then admits the request if the (possibly just-reset) count stays under
// limit.
func FixedWindowTransition(old *FixedWindowState, limit int64, windowMillis int64, nowMillis int64) (next FixedWindowState, allowed bool) {
	windowNumber := floorToWindow(nowMillis, windowMillis) / windowMillis

	var s FixedWindowState
	if old != nil && old.WindowNumber == windowNumber {
		s = *old
	} else {
		s = FixedWindowState{WindowNumber: windowNumber}
	}

	if s.Count < limit {
		s.Count++
		return s, true
	}

	return s, false
}
