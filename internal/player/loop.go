package player

import "sync"

// LoopBounds is a loop region in samples of the current set, [Start, End).
type LoopBounds struct {
	Start int
	End   int
}

// LoopController holds loop state shared between the control context and
// the pull path. Bounds are stored as fractions of the track so they stay
// meaningful across tempo changes. The mutex guards only field copies.
type LoopController struct {
	mu        sync.Mutex
	enabled   bool
	startFrac float64
	endFrac   float64
}

// NewLoopController returns a disabled controller spanning the full track.
func NewLoopController() *LoopController {
	return &LoopController{endFrac: 1.0}
}

// Enabled reports whether looping is active.
func (l *LoopController) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetEnabled turns looping on or off.
func (l *LoopController) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Toggle flips the enabled flag and returns the new state.
func (l *LoopController) Toggle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = !l.enabled
	return l.enabled
}

// ResetBounds restores the loop markers to the full track.
func (l *LoopController) ResetBounds() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startFrac = 0
	l.endFrac = 1
}

// SetStart places the loop start, given a position and the track duration in
// seconds. Returns false if the start would not precede the current end.
func (l *LoopController) SetStart(positionSeconds, durationSeconds float64) bool {
	if durationSeconds <= 0 {
		return false
	}
	frac := clampFraction(positionSeconds / durationSeconds)

	l.mu.Lock()
	defer l.mu.Unlock()
	if frac >= l.endFrac {
		return false
	}
	l.startFrac = frac
	return true
}

// SetEnd places the loop end, given a position and the track duration in
// seconds. Returns false if the end would not follow the current start.
func (l *LoopController) SetEnd(positionSeconds, durationSeconds float64) bool {
	if durationSeconds <= 0 {
		return false
	}
	frac := clampFraction(positionSeconds / durationSeconds)

	l.mu.Lock()
	defer l.mu.Unlock()
	if frac <= l.startFrac {
		return false
	}
	l.endFrac = frac
	return true
}

// BoundsSeconds returns the loop region in seconds for the given duration.
func (l *LoopController) BoundsSeconds(durationSeconds float64) (start, end float64) {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startFrac * durationSeconds, l.endFrac * durationSeconds
}

// BoundsSamples maps the loop region into sample indices of a set with
// totalFrames frames. Returns false when the region is empty.
func (l *LoopController) BoundsSamples(totalFrames int) (LoopBounds, bool) {
	if totalFrames <= 0 {
		return LoopBounds{}, false
	}

	l.mu.Lock()
	startFrac, endFrac := l.startFrac, l.endFrac
	l.mu.Unlock()

	start := int(startFrac * float64(totalFrames))
	end := int(endFrac * float64(totalFrames))

	if start < 0 {
		start = 0
	}
	if start > totalFrames-1 {
		start = totalFrames - 1
	}
	if end > totalFrames {
		end = totalFrames
	}
	if end < start+1 {
		end = start + 1
	}
	if start >= end {
		return LoopBounds{}, false
	}
	return LoopBounds{Start: start, End: end}, true
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
