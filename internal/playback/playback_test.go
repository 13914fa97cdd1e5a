package playback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reframe/internal/framebuf"
	"github.com/zsiec/reframe/internal/mediatest"
	"github.com/zsiec/reframe/media"
)

const frameUs = 33_333

func filled(n int) *framebuf.Buffer {
	b := framebuf.New(framebuf.Config{MaxFrames: 1000}, nil)
	for i := 0; i < n; i++ {
		b.Enqueue(media.NewVideoFrame(int64(i)*frameUs, frameUs, 1, 1, []byte{byte(i), 0, 0, 255}, nil))
	}
	return b
}

func TestTickWaitsForDeadline(t *testing.T) {
	t.Parallel()

	clk := mediatest.NewClock(time.Unix(0, 0))
	rec := &mediatest.Recorder{}
	l := New(filled(10), rec, WithNow(clk.Now))
	l.Play()

	require.True(t, l.Tick(clk.Now()), "first frame anchors and draws")
	assert.False(t, l.Tick(clk.Advance(10*time.Millisecond)), "too early for frame 1")
	assert.True(t, l.Tick(clk.Advance(24*time.Millisecond)))
	assert.Equal(t, []int64{0, frameUs}, rec.PTS())

	s := l.Stats()
	assert.Equal(t, int64(2), s.Drawn)
	assert.Equal(t, int64(1), s.Early)
	assert.Equal(t, int64(frameUs), s.LastPTS)
}

func TestEarlyTickDoesNotConsume(t *testing.T) {
	t.Parallel()

	clk := mediatest.NewClock(time.Unix(0, 0))
	buf := filled(3)
	l := New(buf, &mediatest.Recorder{}, WithNow(clk.Now))
	l.Play()

	l.Tick(clk.Now())
	for i := 0; i < 5; i++ {
		l.Tick(clk.Now())
	}
	assert.Equal(t, 2, buf.Len())
}

func TestPausedLoopDrawsNothing(t *testing.T) {
	t.Parallel()

	clk := mediatest.NewClock(time.Unix(0, 0))
	rec := &mediatest.Recorder{}
	l := New(filled(10), rec, WithNow(clk.Now))

	assert.False(t, l.Tick(clk.Advance(time.Second)))
	assert.Zero(t, rec.Count())
	assert.False(t, l.Playing())
}

func TestPauseShiftsPresentation(t *testing.T) {
	t.Parallel()

	clk := mediatest.NewClock(time.Unix(0, 0))
	rec := &mediatest.Recorder{}
	l := New(filled(30), rec, WithNow(clk.Now))
	l.Play()
	require.True(t, l.Tick(clk.Now()))

	l.Pause()
	clk.Advance(5 * time.Second)
	l.Play()

	// Frame 1 is due 33.3ms after frame 0, measured in playing time.
	assert.False(t, l.Tick(clk.Advance(20*time.Millisecond)))
	assert.True(t, l.Tick(clk.Advance(14*time.Millisecond)))
	assert.Equal(t, []int64{0, frameUs}, rec.PTS())
}

func TestResetClockReanchors(t *testing.T) {
	t.Parallel()

	clk := mediatest.NewClock(time.Unix(0, 0))
	buf := framebuf.New(framebuf.Config{MaxFrames: 100}, nil)
	rec := &mediatest.Recorder{}
	l := New(buf, rec, WithNow(clk.Now))
	l.Play()

	buf.Enqueue(media.NewVideoFrame(0, frameUs, 1, 1, make([]byte, 4), nil))
	require.True(t, l.Tick(clk.Now()))

	// A jump forward in media time would be due 7s later without a reset.
	buf.Clear()
	buf.Enqueue(media.NewVideoFrame(7_000_000, frameUs, 1, 1, make([]byte, 4), nil))
	l.ResetClock()
	assert.True(t, l.Tick(clk.Advance(time.Millisecond)))
	assert.Equal(t, []int64{0, 7_000_000}, rec.PTS())
}

func TestDrawnFramesAreReleased(t *testing.T) {
	t.Parallel()

	clk := mediatest.NewClock(time.Unix(0, 0))
	buf := framebuf.New(framebuf.Config{MaxFrames: 10}, nil)
	f := media.NewVideoFrame(0, frameUs, 1, 1, make([]byte, 4), nil)
	buf.Enqueue(f)

	var sawPixels bool
	l := New(buf, media.DrawFunc(func(d *media.Frame) { sawPixels = len(d.Pix) == 4 }), WithNow(clk.Now))
	l.Play()
	require.True(t, l.Tick(clk.Now()))
	assert.True(t, sawPixels)
	assert.True(t, f.Released())
}

func TestRunStopsOnClosedTicks(t *testing.T) {
	t.Parallel()

	clk := mediatest.NewClock(time.Unix(0, 0))
	rec := &mediatest.Recorder{}
	l := New(filled(5), rec, WithNow(clk.Now))
	l.Play()

	ticks := make(chan time.Time)
	done := make(chan struct{})
	go func() {
		l.Run(context.Background(), ticks)
		close(done)
	}()
	for i := 0; i < 5; i++ {
		clk.Advance(40 * time.Millisecond)
		ticks <- time.Time{}
		require.Eventually(t, func() bool { return rec.Count() == i+1 }, time.Second, time.Millisecond)
	}
	close(ticks)
	<-done
	assert.Equal(t, 5, rec.Count())
}
