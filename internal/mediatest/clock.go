package mediatest

import (
	"sync"
	"time"

	"github.com/zsiec/reframe/media"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock set to start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Recorder is a draw sink remembering the PTS and color of every frame drawn.
type Recorder struct {
	mu     sync.Mutex
	pts    []int64
	colors [][4]byte
}

var _ media.DrawSink = (*Recorder)(nil)

func (r *Recorder) Draw(f *media.Frame) {
	var c [4]byte
	if len(f.Pix) >= 4 {
		copy(c[:], f.Pix[:4])
	}
	r.mu.Lock()
	r.pts = append(r.pts, f.PTS)
	r.colors = append(r.colors, c)
	r.mu.Unlock()
}

// PTS returns the PTS of every drawn frame, in draw order.
func (r *Recorder) PTS() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.pts...)
}

// Last returns the PTS of the most recently drawn frame.
func (r *Recorder) Last() (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pts) == 0 {
		return 0, false
	}
	return r.pts[len(r.pts)-1], true
}

// Count returns how many frames were drawn.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pts)
}

// Colors returns the first pixel of every drawn frame.
func (r *Recorder) Colors() [][4]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][4]byte(nil), r.colors...)
}

// Reset forgets every recorded frame.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.pts, r.colors = nil, nil
	r.mu.Unlock()
}
