// Package playback presents one video stream's frame buffer to a draw sink
// at the moments given by a presentation clock.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reframe/internal/clock"
	"github.com/zsiec/reframe/internal/framebuf"
	"github.com/zsiec/reframe/media"
)

// Stats counts presentation activity.
type Stats struct {
	Drawn   int64 `json:"drawn"`
	Early   int64 `json:"early"`
	Starved int64 `json:"starved"`
	LastPTS int64 `json:"lastPts"`
}

// Loop owns play/pause state for one stream. Tick is driven by the caller's
// presentation cadence, typically a display refresh ticker.
type Loop struct {
	log   *slog.Logger
	buf   *framebuf.Buffer
	clock *clock.Clock
	sink  media.DrawSink
	now   func() time.Time

	mu      sync.Mutex
	playing bool

	drawn   atomic.Int64
	early   atomic.Int64
	starved atomic.Int64
	lastPTS atomic.Int64
}

// Option configures a Loop.
type Option func(*Loop)

// WithNow replaces the wall-clock source.
func WithNow(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// New returns a paused Loop presenting buf to sink.
func New(buf *framebuf.Buffer, sink media.DrawSink, opts ...Option) *Loop {
	l := &Loop{
		log:   slog.Default(),
		buf:   buf,
		clock: clock.New(),
		sink:  sink,
		now:   time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("component", "playback")
	l.clock.Pause(l.now())
	buf.SetPaused(true)
	return l
}

// Tick presents at most one frame. It returns true if a frame was drawn.
func (l *Loop) Tick(now time.Time) bool {
	if !l.Playing() {
		return false
	}
	f, ok := l.buf.Peek()
	if !ok {
		l.starved.Add(1)
		return false
	}
	if !l.clock.Anchored() {
		l.clock.Anchor(f.PTSTime(), now)
	}
	deadline, ok := l.clock.Deadline(f.PTSTime())
	if !ok || now.Before(deadline) {
		l.early.Add(1)
		return false
	}

	f, ok = l.buf.Consume()
	if !ok {
		return false
	}
	l.sink.Draw(f)
	l.drawn.Add(1)
	l.lastPTS.Store(f.PTS)
	f.Release()
	return true
}

// Run calls Tick for every value received from ticks until ctx is done or
// ticks is closed.
func (l *Loop) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			l.Tick(l.now())
		}
	}
}

// Play starts or resumes presentation. The clock anchor is shifted by the
// time spent paused.
func (l *Loop) Play() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.playing {
		return
	}
	l.playing = true
	l.clock.Resume(l.now())
	l.buf.SetPaused(false)
	l.log.Debug("play")
}

// Pause stops presentation; buffered frames are kept.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.playing {
		return
	}
	l.playing = false
	l.clock.Pause(l.now())
	l.buf.SetPaused(true)
	l.log.Debug("pause")
}

// Playing reports whether the loop is presenting.
func (l *Loop) Playing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.playing
}

// ResetClock clears the presentation anchor; the next frame presented
// re-anchors it. Called after a seek and on loop restart.
func (l *Loop) ResetClock() {
	l.clock.Reset()
}

// Stats returns presentation counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Drawn:   l.drawn.Load(),
		Early:   l.early.Load(),
		Starved: l.starved.Load(),
		LastPTS: l.lastPTS.Load(),
	}
}
