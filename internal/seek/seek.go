// Package seek coordinates repositioning a running pipeline: presentation is
// force-paused, the ingest stage flushes and resets its decoders and targets
// around a backward-biased container seek, clocks are re-armed, and playback
// resumes if it was active before the request.
package seek

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the controller's position in Running -> Seeking -> Running.
type State int

// Controller states.
const (
	StateRunning State = iota
	StateSeeking
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSeeking:
		return "seeking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Player is a presentation loop the controller pauses around a seek.
type Player interface {
	Playing() bool
	Play()
	Pause()
	ResetClock()
}

// Repositioner performs the flush/clear/reset/container-seek sequence. The
// ingest stage implements it.
type Repositioner interface {
	Seek(ctx context.Context, target time.Duration) error
}

// Stats counts seek requests.
type Stats struct {
	Completed  int64 `json:"completed"`
	Superseded int64 `json:"superseded"`
	Failed     int64 `json:"failed"`
}

// Controller serializes seeks against one ingest stage. A request that is
// still waiting when a newer one arrives is dropped in favor of the newer one;
// at most one flush/reset sequence runs at a time.
type Controller struct {
	log     *slog.Logger
	target  Repositioner
	players []Player

	seq sync.Mutex
	gen atomic.Uint64

	mu    sync.Mutex
	state State

	completed  atomic.Int64
	superseded atomic.Int64
	failed     atomic.Int64
}

// New returns a controller for target and the players presenting its output.
// If log is nil, slog.Default() is used.
func New(target Repositioner, players []Player, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:     log.With("component", "seek"),
		target:  target,
		players: players,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Seek repositions to target. If a newer Seek is issued while this one waits
// for an in-flight seek to finish, this one returns nil without acting.
func (c *Controller) Seek(ctx context.Context, target time.Duration) error {
	g := c.gen.Add(1)
	c.seq.Lock()
	defer c.seq.Unlock()
	if c.gen.Load() != g {
		c.superseded.Add(1)
		c.log.Debug("seek superseded", "target", target)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.setState(StateSeeking)
	defer c.setState(StateRunning)

	wasPlaying := false
	for _, p := range c.players {
		if p.Playing() {
			wasPlaying = true
		}
		p.Pause()
	}

	err := c.target.Seek(ctx, target)

	for _, p := range c.players {
		p.ResetClock()
	}
	if wasPlaying {
		for _, p := range c.players {
			p.Play()
		}
	}

	if err != nil {
		c.failed.Add(1)
		return fmt.Errorf("seek to %s: %w", target, err)
	}
	c.completed.Add(1)
	c.log.Info("seek complete", "target", target, "resumed", wasPlaying)
	return nil
}

// Stats returns request counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Completed:  c.completed.Load(),
		Superseded: c.superseded.Load(),
		Failed:     c.failed.Load(),
	}
}
