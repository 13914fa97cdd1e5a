package seek

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePlayer struct {
	mu      sync.Mutex
	playing bool
	resets  int
	events  []string
}

func (p *fakePlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *fakePlayer) Play() {
	p.mu.Lock()
	p.playing = true
	p.events = append(p.events, "play")
	p.mu.Unlock()
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	p.playing = false
	p.events = append(p.events, "pause")
	p.mu.Unlock()
}

func (p *fakePlayer) ResetClock() {
	p.mu.Lock()
	p.resets++
	p.events = append(p.events, "reset")
	p.mu.Unlock()
}

func (p *fakePlayer) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

type fakeTarget struct {
	mu      sync.Mutex
	targets []time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
	gate    chan struct{}
	err     error
}

func (f *fakeTarget) Seek(ctx context.Context, target time.Duration) error {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	return f.err
}

func (f *fakeTarget) Targets() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.targets...)
}

func TestSeekPausesAndResumes(t *testing.T) {
	t.Parallel()

	p := &fakePlayer{playing: true}
	tgt := &fakeTarget{}
	c := New(tgt, []Player{p}, nil)

	require.NoError(t, c.Seek(context.Background(), 7*time.Second))
	assert.Equal(t, []string{"pause", "reset", "play"}, p.Events())
	assert.True(t, p.Playing())
	assert.Equal(t, []time.Duration{7 * time.Second}, tgt.Targets())
	assert.Equal(t, StateRunning, c.State())
	assert.Equal(t, int64(1), c.Stats().Completed)
}

func TestSeekWhilePausedStaysPaused(t *testing.T) {
	t.Parallel()

	p := &fakePlayer{}
	c := New(&fakeTarget{}, []Player{p}, nil)

	require.NoError(t, c.Seek(context.Background(), time.Second))
	assert.False(t, p.Playing())
	assert.Equal(t, []string{"pause", "reset"}, p.Events())
}

func TestSeekFailureResumesAndReports(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := &fakePlayer{playing: true}
	c := New(&fakeTarget{err: boom}, []Player{p}, nil)

	err := c.Seek(context.Background(), time.Second)
	require.ErrorIs(t, err, boom)
	assert.True(t, p.Playing())
	assert.Equal(t, int64(1), c.Stats().Failed)
}

func TestWaitingSeekIsSuperseded(t *testing.T) {
	t.Parallel()

	tgt := &fakeTarget{gate: make(chan struct{})}
	c := New(tgt, []Player{&fakePlayer{playing: true}}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.Seek(ctx, time.Second))
	}()
	require.Eventually(t, func() bool { return c.State() == StateSeeking }, time.Second, time.Millisecond)

	for _, d := range []time.Duration{2 * time.Second, 3 * time.Second} {
		wg.Add(1)
		go func(d time.Duration) {
			defer wg.Done()
			assert.NoError(t, c.Seek(ctx, d))
		}(d)
	}
	require.Eventually(t, func() bool { return c.gen.Load() == 3 }, time.Second, time.Millisecond)

	close(tgt.gate)
	wg.Wait()

	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second}, tgt.Targets())
	assert.Equal(t, int32(1), tgt.maxSeen.Load(), "sequences never overlap")
	assert.Equal(t, int64(1), c.Stats().Superseded)
	assert.Equal(t, int64(2), c.Stats().Completed)
}

func TestCanceledSeekDoesNothing(t *testing.T) {
	t.Parallel()

	tgt := &fakeTarget{}
	p := &fakePlayer{playing: true}
	c := New(tgt, []Player{p}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Seek(ctx, time.Second), context.Canceled)
	assert.Empty(t, tgt.Targets())
	assert.True(t, p.Playing())
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "seeking", StateSeeking.String())
	assert.Equal(t, "State(5)", State(5).String())
}
