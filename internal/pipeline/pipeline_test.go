package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reframe/internal/codec"
	"github.com/zsiec/reframe/internal/config"
	"github.com/zsiec/reframe/internal/mediatest"
	"github.com/zsiec/reframe/internal/stream"
	"github.com/zsiec/reframe/internal/transcode"
	"github.com/zsiec/reframe/media"
)

const tick = 16 * time.Millisecond

type harness struct {
	sup   *Supervisor
	rt    *codec.Runtime
	clock *mediatest.Clock
	ticks chan time.Time
	rec   *mediatest.Recorder
	decs  *mediatest.Decoders
}

type harnessOpt func(*config.Config, *Options)

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	rt := codec.NewRuntime()
	rt.RegisterFormat(mediatest.Format{})
	dec, decs := mediatest.DecoderFactory(1)
	enc, _ := mediatest.EncoderFactory()
	rt.RegisterDecoder(mediatest.VideoCodec, dec)
	rt.RegisterEncoder(mediatest.VideoCodec, enc)

	h := &harness{
		rt:    rt,
		clock: mediatest.NewClock(time.Unix(1_700_000_000, 0)),
		ticks: make(chan time.Time),
		rec:   &mediatest.Recorder{},
		decs:  decs,
	}
	cfg := config.Default()
	o := Options{
		Runtime: codec.Ready(rt),
		Sink:    h.rec,
		Now:     h.clock.Now,
		Ticker: func(time.Duration) (<-chan time.Time, func()) {
			return h.ticks, func() {}
		},
	}
	for _, fn := range opts {
		fn(&cfg, &o)
	}
	o.Config = &cfg
	h.sup = New(o)
	t.Cleanup(h.sup.Dispose)
	return h
}

func (h *harness) buffered() int {
	st := h.sup.Stats()
	if len(st.Streams) == 0 {
		return 0
	}
	return st.Streams[0].Buffer.Buffered
}

// waitBuffered blocks until the first stream's buffer holds at least n frames.
func (h *harness) waitBuffered(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.buffered() >= n }, 5*time.Second, time.Millisecond)
}

// tick advances the manual clock by one interval and hands the tick to the
// playback loop.
func (h *harness) tick(t *testing.T) {
	t.Helper()
	select {
	case h.ticks <- h.clock.Advance(tick):
	case <-time.After(5 * time.Second):
		t.Fatal("playback loop stopped receiving ticks")
	}
}

// sync returns once the loop has finished processing every earlier tick.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	select {
	case h.ticks <- h.clock.Now():
	case <-time.After(5 * time.Second):
		t.Fatal("playback loop stopped receiving ticks")
	}
}

func TestPlaySeekEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	v := mediatest.TenSeconds

	desc, err := h.sup.Load(ctx, mediatest.Source(v))
	require.NoError(t, err)
	assert.Equal(t, media.MediaDescriptor{
		CanPlay: true, CanPause: true, CanSeek: true,
		Width: v.Width, Height: v.Height, DurationMs: 10_000,
	}, desc)
	assert.Equal(t, StatePaused, h.sup.State())

	h.waitBuffered(t, 3)
	h.sup.Play()
	assert.Equal(t, StatePlaying, h.sup.State())

	for elapsed := time.Duration(0); elapsed < 3500*time.Millisecond; elapsed += tick {
		h.waitBuffered(t, 3)
		h.tick(t)
	}
	h.sync(t)

	last, ok := h.rec.Last()
	require.True(t, ok)
	assert.GreaterOrEqual(t, last, int64(3_000_000))
	assert.Less(t, last, int64(4_000_000))
	assert.IsNonDecreasing(t, h.rec.PTS())

	require.NoError(t, h.sup.Seek(ctx, 7000))
	require.NoError(t, h.sup.Seek(ctx, 7000))
	h.sup.Play()
	assert.Equal(t, StatePlaying, h.sup.State())
	h.rec.Reset()

	for i := 0; i < 100 && h.rec.Count() == 0; i++ {
		h.waitBuffered(t, 3)
		h.tick(t)
		h.sync(t)
	}
	pts := h.rec.PTS()
	require.NotEmpty(t, pts)
	assert.GreaterOrEqual(t, pts[0], int64(7_000_000))
	assert.Less(t, pts[0], int64(7_000_000)+v.FrameDuration())

	st := h.sup.Stats()
	assert.Equal(t, "playing", st.State)
	assert.Equal(t, int64(2), st.Seek.Completed)
	assert.Equal(t, int64(2), st.Ingest.Seeks)
}

func TestHoldDrainsTailWithoutLooping(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *config.Config, _ *Options) { c.Playback.Loop = false })
	v := mediatest.Video{Seconds: 1, FPS: 30, Width: 8, Height: 8}
	_, err := h.sup.Load(context.Background(), mediatest.Source(v))
	require.NoError(t, err)

	h.waitBuffered(t, v.FrameCount())
	h.sup.Play()
	for i := 0; i < 200; i++ {
		h.tick(t)
	}
	h.sync(t)

	pts := h.rec.PTS()
	require.Len(t, pts, v.FrameCount(), "frames below the watermark are still presented at end of stream")
	assert.IsIncreasing(t, pts)
	assert.Zero(t, h.sup.Stats().Ingest.Loops)

	require.NoError(t, h.sup.Seek(context.Background(), 0))
	h.waitBuffered(t, 3)
}

func TestLoopRestartsFromStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	v := mediatest.Video{Seconds: 1, FPS: 30, Width: 8, Height: 8}
	_, err := h.sup.Load(context.Background(), mediatest.Source(v))
	require.NoError(t, err)

	h.waitBuffered(t, 3)
	h.sup.Play()

	zeros := func() int {
		n := 0
		for _, p := range h.rec.PTS() {
			if p == 0 {
				n++
			}
		}
		return n
	}
	deadline := time.Now().Add(10 * time.Second)
	for zeros() < 2 && time.Now().Before(deadline) {
		h.tick(t)
		time.Sleep(time.Millisecond)
	}
	assert.GreaterOrEqual(t, zeros(), 2, "first frame presented again after the loop")
	assert.GreaterOrEqual(t, h.sup.Stats().Ingest.Loops, int64(1))
}

func TestFailedLoadKeepsCurrentSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, err := h.sup.Load(ctx, mediatest.Source(mediatest.TenSeconds))
	require.NoError(t, err)

	_, err = h.sup.Load(ctx, media.BytesSource("notes.txt", []byte("hello")))
	require.ErrorIs(t, err, media.ErrUnsupported)

	st := h.sup.Stats()
	assert.Equal(t, "paused", st.State)
	assert.Equal(t, mediatest.Source(mediatest.TenSeconds).Name(), st.Source)
	require.Len(t, h.decs.All(), 1)
	assert.Zero(t, h.decs.All()[0].Closes.Load())
}

func TestLoadWithoutDecoder(t *testing.T) {
	t.Parallel()

	rt := codec.NewRuntime()
	rt.RegisterFormat(mediatest.Format{})
	sup := New(Options{Runtime: codec.Ready(rt)})
	defer sup.Dispose()

	_, err := sup.Load(context.Background(), mediatest.Source(mediatest.TenSeconds))
	require.ErrorIs(t, err, media.ErrNoDecodableStream)
	assert.Equal(t, StateIdle, sup.State())
}

func TestReloadReplacesSession(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	src := mediatest.Source(mediatest.TenSeconds)
	_, err := h.sup.Load(ctx, src)
	require.NoError(t, err)
	first := h.sup.Stats().Session

	_, err = h.sup.Load(ctx, src)
	require.NoError(t, err, "reloading the same source is not a second ingest loop")
	assert.NotEqual(t, first, h.sup.Stats().Session)

	decs := h.decs.All()
	require.Len(t, decs, 2)
	assert.Equal(t, int64(1), decs[0].Closes.Load())
	assert.Zero(t, decs[1].Closes.Load())
}

func TestSharedRegistryRejectsSecondLoop(t *testing.T) {
	t.Parallel()

	reg := stream.NewManager(nil)
	share := func(_ *config.Config, o *Options) { o.Streams = reg }
	a := newHarness(t, share)
	b := newHarness(t, share)
	ctx := context.Background()
	src := mediatest.Source(mediatest.TenSeconds)

	_, err := a.sup.Load(ctx, src)
	require.NoError(t, err)
	_, err = b.sup.Load(ctx, src)
	require.ErrorIs(t, err, ErrSourceBusy)
	assert.Equal(t, int64(1), b.decs.All()[0].Closes.Load(), "probe handles closed on rejection")

	a.sup.Dispose()
	_, err = b.sup.Load(ctx, src)
	require.NoError(t, err)
}

func TestBusySourceKeepsCurrentSession(t *testing.T) {
	t.Parallel()

	reg := stream.NewManager(nil)
	share := func(_ *config.Config, o *Options) { o.Streams = reg }
	a := newHarness(t, share)
	b := newHarness(t, share)
	ctx := context.Background()
	mine := mediatest.Source(mediatest.TenSeconds)
	theirs := media.BytesSource("other.syn", mediatest.Container(mediatest.Video{Seconds: 2, FPS: 30, Width: 8, Height: 8}))

	_, err := a.sup.Load(ctx, mine)
	require.NoError(t, err)
	session := a.sup.Stats().Session
	_, err = b.sup.Load(ctx, theirs)
	require.NoError(t, err)

	_, err = a.sup.Load(ctx, theirs)
	require.ErrorIs(t, err, ErrSourceBusy)

	st := a.sup.Stats()
	assert.Equal(t, session, st.Session, "current session survives a busy source")
	assert.Equal(t, "paused", st.State)
	owner, ok := reg.Get(mine.Name())
	require.True(t, ok)
	assert.Equal(t, session, owner.Owner)
	decs := a.decs.All()
	require.Len(t, decs, 2)
	assert.Zero(t, decs[0].Closes.Load(), "current decoder untouched")
	assert.Equal(t, int64(1), decs[1].Closes.Load(), "probe handles closed on rejection")
	require.NoError(t, a.sup.Seek(ctx, 1000))
}

var errRead = errors.New("read error")

type flakyFormat struct {
	mediatest.Format
	after int
}

func (f flakyFormat) OpenDemuxer(r io.ReadSeeker) (media.Demuxer, error) {
	d, err := mediatest.OpenDemuxer(r)
	if err != nil {
		return nil, err
	}
	d.FailAfter(f.after, errRead)
	return d, nil
}

func TestFatalReadErrorDisposesSession(t *testing.T) {
	t.Parallel()

	reg := stream.NewManager(nil)
	h := newHarness(t, func(_ *config.Config, o *Options) { o.Streams = reg })
	h.rt.RegisterFormat(flakyFormat{after: 20})

	_, err := h.sup.Load(context.Background(), mediatest.Source(mediatest.TenSeconds))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.sup.State() == StateDisposed && len(reg.List()) == 0
	}, 5*time.Second, time.Millisecond, "session torn down")
	assert.Zero(t, h.decs.Live.Load())
	assert.Equal(t, int64(1), h.decs.All()[0].Closes.Load())

	require.ErrorIs(t, h.sup.Err(), errRead)
	st := h.sup.Stats()
	assert.Equal(t, "disposed", st.State)
	assert.Contains(t, st.Error, "read error")

	err = h.sup.Seek(context.Background(), 0)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, err, errRead)
	_, err = h.sup.Load(context.Background(), mediatest.Source(mediatest.TenSeconds))
	assert.ErrorIs(t, err, ErrDisposed)
	assert.NotPanics(t, func() {
		h.sup.Play()
		h.sup.Dispose()
	})
}

func TestExportWhileLoaded(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	_, err := h.sup.Load(ctx, mediatest.Source(mediatest.TenSeconds))
	require.NoError(t, err)
	h.sup.Play()

	var last float64
	res, err := h.sup.Export(ctx, transcode.Config{}, func(pct float64, _ string) { last = pct })
	require.NoError(t, err)
	require.Len(t, res.Streams, 1)
	assert.Equal(t, int64(mediatest.TenSeconds.FrameCount()), res.Streams[0].Packets)
	assert.Equal(t, 100.0, last)
	assert.Equal(t, StatePlaying, h.sup.State(), "export does not disturb playback")
}

func TestExportRequiresSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.sup.Export(context.Background(), transcode.Config{}, nil)
	assert.ErrorIs(t, err, ErrNotLoaded)

	res, err := h.sup.ExportSource(context.Background(), mediatest.Source(mediatest.TenSeconds), transcode.Config{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Data)
}

func TestDisposeIsIdempotentAndSilent(t *testing.T) {
	t.Parallel()

	reg := stream.NewManager(nil)
	h := newHarness(t, func(_ *config.Config, o *Options) { o.Streams = reg })
	ctx := context.Background()
	src := mediatest.Source(mediatest.TenSeconds)
	_, err := h.sup.Load(ctx, src)
	require.NoError(t, err)
	h.waitBuffered(t, 3)
	h.sup.Play()

	h.sup.Dispose()
	h.sup.Dispose()
	assert.Equal(t, StateDisposed, h.sup.State())

	assert.NotPanics(t, func() {
		h.sup.Play()
		h.sup.Pause()
	})
	assert.ErrorIs(t, h.sup.Seek(ctx, 1000), ErrDisposed)
	_, err = h.sup.Load(ctx, src)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = h.sup.Export(ctx, transcode.Config{}, nil)
	assert.ErrorIs(t, err, ErrDisposed)
	_, err = h.sup.ExportSource(ctx, src, transcode.Config{}, nil)
	assert.ErrorIs(t, err, ErrDisposed)

	assert.Empty(t, reg.List())
	assert.Zero(t, h.decs.Live.Load(), "every buffered frame released")
	require.Len(t, h.decs.All(), 1)
	assert.Equal(t, int64(1), h.decs.All()[0].Closes.Load())
}

func TestSeekClampsAndRequiresLoad(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	assert.ErrorIs(t, h.sup.Seek(ctx, 0), ErrNotLoaded)

	_, err := h.sup.Load(ctx, mediatest.Source(mediatest.TenSeconds))
	require.NoError(t, err)
	require.NoError(t, h.sup.Seek(ctx, -500))
	require.NoError(t, h.sup.Seek(ctx, 60_000))
	assert.Equal(t, StatePaused, h.sup.State(), "seek while paused stays paused")
}

func TestStateString(t *testing.T) {
	t.Parallel()

	for s, want := range map[State]string{
		StateIdle:         "idle",
		StateInitializing: "initializing",
		StatePlaying:      "playing",
		StatePaused:       "paused",
		StateSeeking:      "seeking",
		StateDisposed:     "disposed",
		State(42):         "State(42)",
	} {
		assert.Equal(t, want, s.String())
	}
}
