// Package framebuf implements the adaptive frame buffer that decouples decode
// throughput from presentation cadence. Frames are kept sorted by PTS and
// bounded by a frame-count cap; draining starts only after a low watermark
// of buffered frames or buffered duration has accumulated.
package framebuf

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zsiec/reframe/media"
)

// Config bounds a Buffer. Zero watermark fields disable that watermark; if
// both are zero the buffer drains as soon as it holds a frame.
type Config struct {
	MaxFrames            int
	MaxDuration          time.Duration
	LowWatermarkFrames   int
	LowWatermarkDuration time.Duration
}

// DefaultConfig returns bounds suited to ~30fps preview.
func DefaultConfig() Config {
	return Config{
		MaxFrames:            media.DefaultFrameBufferSize,
		MaxDuration:          2 * time.Second,
		LowWatermarkFrames:   3,
		LowWatermarkDuration: 100 * time.Millisecond,
	}
}

// evictWarnEvery controls how often eviction is surfaced as a quality warning.
const evictWarnEvery = 30

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Buffered  int   `json:"buffered"`
	Enqueued  int64 `json:"enqueued"`
	Consumed  int64 `json:"consumed"`
	Evicted   int64 `json:"evicted"`
	Buffering int64 `json:"bufferedDurationUs"`
	// OldestAge is how long the oldest buffered frame has waited since it
	// arrived from the decoder.
	OldestAge int64 `json:"oldestAgeUs"`
}

type entry struct {
	frame   *media.Frame
	arrival time.Time
}

// Buffer is a PTS-ordered frame queue with one producer (the ingest stage)
// and one consumer (a playback loop).
type Buffer struct {
	log *slog.Logger
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	entries []entry
	primed  bool
	paused  bool
	eos     bool

	enqueued int64
	consumed int64
	evicted  int64
}

// New creates a Buffer. If log is nil, slog.Default() is used.
func New(cfg Config, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = media.DefaultFrameBufferSize
	}
	return &Buffer{
		log: log.With("component", "framebuf"),
		cfg: cfg,
		now: time.Now,
	}
}

// Config returns the bounds the buffer was built with.
func (b *Buffer) Config() Config {
	return b.cfg
}

// Push enqueues f. It satisfies media.FrameSink.
func (b *Buffer) Push(f *media.Frame) {
	b.Enqueue(f)
}

// Enqueue inserts f in PTS order after any frames with an equal PTS. If the
// frame-count cap is exceeded the oldest frame is evicted and released.
func (b *Buffer) Enqueue(f *media.Frame) {
	if f == nil {
		return
	}
	b.mu.Lock()
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].frame.PTS > f.PTS
	})
	b.entries = append(b.entries, entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = entry{frame: f, arrival: b.now()}
	b.enqueued++

	var victims []*media.Frame
	for len(b.entries) > b.cfg.MaxFrames {
		victims = append(victims, b.entries[0].frame)
		b.entries[0] = entry{}
		b.entries = b.entries[1:]
		b.evicted++
	}
	evicted := b.evicted
	b.mu.Unlock()

	for _, v := range victims {
		v.Release()
	}
	if len(victims) > 0 && evicted%evictWarnEvery == 1 {
		b.log.Warn("frame buffer over capacity, evicting oldest frames",
			"evicted", evicted, "cap", b.cfg.MaxFrames)
	}
}

// Peek returns the oldest frame without removing it. It reports nothing while
// paused or before the low watermark has been reached, under the same rules
// as Consume, so a consumer never evaluates a frame it could not take.
func (b *Buffer) Peek() (*media.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.readyLocked() {
		return nil, false
	}
	return b.entries[0].frame, true
}

// Consume removes and returns the oldest frame. It never blocks: it reports
// nothing when paused, empty, or still under the low watermark since the last
// Clear. Ownership of the frame moves to the caller.
func (b *Buffer) Consume() (*media.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.readyLocked() {
		return nil, false
	}
	f := b.entries[0].frame
	b.entries[0] = entry{}
	b.entries = b.entries[1:]
	b.consumed++
	return f, true
}

func (b *Buffer) readyLocked() bool {
	if b.paused || len(b.entries) == 0 {
		return false
	}
	if !b.primed {
		if !b.eos && !b.watermarkLocked() {
			return false
		}
		b.primed = true
	}
	return true
}

func (b *Buffer) watermarkLocked() bool {
	if b.cfg.LowWatermarkFrames <= 0 && b.cfg.LowWatermarkDuration <= 0 {
		return true
	}
	if b.cfg.LowWatermarkFrames > 0 && len(b.entries) >= b.cfg.LowWatermarkFrames {
		return true
	}
	return b.cfg.LowWatermarkDuration > 0 && b.spanLocked() >= b.cfg.LowWatermarkDuration
}

// spanLocked is the buffered duration: newest PTS minus oldest PTS.
func (b *Buffer) spanLocked() time.Duration {
	if len(b.entries) < 2 {
		return 0
	}
	us := b.entries[len(b.entries)-1].frame.PTS - b.entries[0].frame.PTS
	return time.Duration(us) * time.Microsecond
}

// Full reports whether the buffer is at or above its frame-count or duration
// cap. The ingest stage throttles on it.
func (b *Buffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= b.cfg.MaxFrames {
		return true
	}
	return b.cfg.MaxDuration > 0 && b.spanLocked() >= b.cfg.MaxDuration
}

// SetPaused gates Peek and Consume.
func (b *Buffer) SetPaused(paused bool) {
	b.mu.Lock()
	b.paused = paused
	b.mu.Unlock()
}

// Finish marks end of stream: whatever is buffered may drain even when it is
// below the low watermark.
func (b *Buffer) Finish() {
	b.mu.Lock()
	b.eos = true
	b.mu.Unlock()
}

// Clear releases every buffered frame and re-arms the low watermark.
func (b *Buffer) Clear() {
	b.mu.Lock()
	entries := b.entries
	b.entries = nil
	b.primed = false
	b.eos = false
	b.mu.Unlock()

	for _, e := range entries {
		e.frame.Release()
	}
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Span returns the buffered duration.
func (b *Buffer) Span() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spanLocked()
}

// Stats returns a snapshot of the buffer's counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		Buffered:  len(b.entries),
		Enqueued:  b.enqueued,
		Consumed:  b.consumed,
		Evicted:   b.evicted,
		Buffering: b.spanLocked().Microseconds(),
	}
	if len(b.entries) > 0 {
		s.OldestAge = b.now().Sub(b.entries[0].arrival).Microseconds()
	}
	return s
}
