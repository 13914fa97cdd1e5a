// Package clock maps media timestamps to wall-clock presentation deadlines.
package clock

import (
	"sync"
	"time"
)

// Deadline returns the wall-clock time at which a frame with presentation
// timestamp pts should be shown, given that firstPTS was shown at start.
func Deadline(start time.Time, firstPTS, pts time.Duration) time.Time {
	return start.Add(pts - firstPTS)
}

// Clock holds the anchor used by Deadline. It is anchored by the first frame
// observed after construction, Reset, a seek or a loop restart. Pausing and
// resuming shifts the anchor so relative timing is preserved.
type Clock struct {
	mu       sync.Mutex
	anchored bool
	firstPTS time.Duration
	start    time.Time
	paused   bool
	pauseAt  time.Time
}

// New returns an unanchored clock.
func New() *Clock {
	return &Clock{}
}

// Anchored reports whether an anchor is set.
func (c *Clock) Anchored() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchored
}

// Anchor sets firstPTS as shown at now. A no-op when already anchored.
func (c *Clock) Anchor(firstPTS time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.anchored {
		return
	}
	c.anchored = true
	c.firstPTS = firstPTS
	c.start = now
	if c.paused {
		c.pauseAt = now
	}
}

// Deadline returns the presentation deadline for pts. ok is false while the
// clock is unanchored.
func (c *Clock) Deadline(pts time.Duration) (deadline time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.anchored {
		return time.Time{}, false
	}
	return Deadline(c.start, c.firstPTS, pts), true
}

// Pause records the moment playback stopped.
func (c *Clock) Pause(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.pauseAt = now
}

// Resume advances the anchor by the time spent paused.
func (c *Clock) Resume(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	if c.anchored {
		c.start = c.start.Add(now.Sub(c.pauseAt))
	}
}

// Reset clears the anchor. The paused state is kept.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchored = false
	c.firstPTS = 0
	c.start = time.Time{}
}
