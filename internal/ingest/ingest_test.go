package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reframe/internal/framebuf"
	"github.com/zsiec/reframe/internal/mediatest"
	"github.com/zsiec/reframe/media"
)

func openDemuxer(t *testing.T, v mediatest.Video) *mediatest.Demuxer {
	t.Helper()
	d, err := mediatest.OpenDemuxer(bytes.NewReader(mediatest.Container(v)))
	require.NoError(t, err)
	return d
}

func videoRoute(d media.Demuxer, factory media.DecoderFactory, target Target) []Route {
	return []Route{{Stream: d.Streams()[0], NewDecoder: factory, Target: target}}
}

func drain(buf *framebuf.Buffer) []int64 {
	var pts []int64
	for {
		f, ok := buf.Consume()
		if !ok {
			return pts
		}
		pts = append(pts, f.PTS)
		f.Release()
	}
}

func TestStopModeDecodesEverything(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.TenSeconds)
	factory, rec := mediatest.DecoderFactory(3)
	buf := framebuf.New(framebuf.Config{MaxFrames: 1000}, nil)

	var lastPos, lastSize int64
	s, err := New(d, videoRoute(d, factory, buf), Config{
		Mode:       EOFStop,
		OnProgress: func(pos, size int64) { lastPos, lastSize = pos, size },
	}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(context.Background()))

	pts := drain(buf)
	require.Len(t, pts, 300)
	for i := 1; i < len(pts); i++ {
		assert.LessOrEqual(t, pts[i-1], pts[i])
	}
	assert.Equal(t, int64(300), s.Stats().Packets)
	assert.Equal(t, lastSize, lastPos)
	assert.Equal(t, int64(1), rec.All()[0].Flushes.Load())

	s.Close()
	assert.Equal(t, int64(1), rec.All()[0].Closes.Load())
	assert.Zero(t, rec.Live.Load())
}

func TestThrottleStopsReadingWhileFull(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.TenSeconds)
	factory, _ := mediatest.DecoderFactory(1)
	buf := framebuf.New(framebuf.Config{MaxFrames: 10}, nil)

	s, err := New(d, videoRoute(d, factory, buf), Config{Mode: EOFStop, Throttle: time.Millisecond}, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	require.Eventually(t, buf.Full, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(10), s.Stats().Packets)
	assert.Zero(t, buf.Stats().Evicted)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}

type flakyDecoder struct {
	media.Decoder
	n int
}

func (f *flakyDecoder) Decode(p *media.Packet) error {
	f.n++
	if f.n%10 == 0 {
		return mediatest.ErrCorruptPacket
	}
	return f.Decoder.Decode(p)
}

func TestDecodeErrorsAreSkipped(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.TenSeconds)
	inner, _ := mediatest.DecoderFactory(1)
	factory := func(s media.StreamDescriptor, out media.FrameSink) (media.Decoder, error) {
		dec, err := inner(s, out)
		return &flakyDecoder{Decoder: dec}, err
	}
	buf := framebuf.New(framebuf.Config{MaxFrames: 1000}, nil)

	s, err := New(d, videoRoute(d, factory, buf), Config{Mode: EOFStop}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int64(30), s.Stats().DecodeErrors)
	assert.Equal(t, 270, buf.Len())
}

func TestDemuxErrorIsFatal(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.TenSeconds)
	d.FailAfter(5, io.ErrUnexpectedEOF)
	factory, _ := mediatest.DecoderFactory(1)
	buf := framebuf.New(framebuf.Config{MaxFrames: 100}, nil)

	s, err := New(d, videoRoute(d, factory, buf), Config{Mode: EOFLoop}, nil)
	require.NoError(t, err)
	defer s.Close()

	err = s.Run(context.Background())
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	var se *media.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "demux", se.Stage)

	assert.ErrorIs(t, s.Seek(context.Background(), time.Second), ErrStopped)
}

func TestSeekRepositionsAndDropsFramesBeforeTarget(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.TenSeconds)
	factory, rec := mediatest.DecoderFactory(3)
	buf := framebuf.New(framebuf.Config{MaxFrames: 1000}, nil)

	s, err := New(d, videoRoute(d, factory, buf), Config{Mode: EOFHold}, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool { return buf.Len() == 300 }, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Seek(ctx, 7500*time.Millisecond))
	require.Eventually(t, func() bool { return buf.Len() == 75 }, 2*time.Second, time.Millisecond)

	pts := drain(buf)
	require.NotEmpty(t, pts)
	assert.Equal(t, int64(7_500_000), pts[0])
	assert.Equal(t, int64(15), s.Stats().Skipped)
	assert.Equal(t, int64(1), s.Stats().Seeks)

	dec := rec.All()[0]
	assert.Equal(t, int64(1), dec.Resets.Load())
	assert.Equal(t, int64(2), dec.Configures.Load())
	assert.Equal(t, []int64{7_500_000}, d.Seeks())
}

func TestRepeatedSeekLandsOnSameFrame(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.TenSeconds)
	factory, _ := mediatest.DecoderFactory(3)
	buf := framebuf.New(framebuf.Config{MaxFrames: 1000}, nil)

	s, err := New(d, videoRoute(d, factory, buf), Config{Mode: EOFHold}, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	require.NoError(t, s.Seek(ctx, 7*time.Second))
	require.NoError(t, s.Seek(ctx, 7*time.Second))
	require.Eventually(t, func() bool { return buf.Len() == 90 }, 2*time.Second, time.Millisecond)

	f, ok := buf.Consume()
	require.True(t, ok)
	assert.Equal(t, int64(7_000_000), f.PTS)
}

func TestLoopRestartsAfterDrain(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.Video{Seconds: 1, FPS: 10, Width: 2, Height: 2})
	factory, _ := mediatest.DecoderFactory(1)
	buf := framebuf.New(framebuf.Config{MaxFrames: 100}, nil)

	var restarts atomic.Int64
	s, err := New(d, videoRoute(d, factory, buf), Config{
		Mode:      EOFLoop,
		Throttle:  time.Millisecond,
		OnRestart: func() { restarts.Add(1) },
	}, nil)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx) //nolint:errcheck

	var seen []int64
	require.Eventually(t, func() bool {
		seen = append(seen, drain(buf)...)
		return restarts.Load() >= 2
	}, 2*time.Second, time.Millisecond)

	require.GreaterOrEqual(t, len(seen), 20, "two full passes drawn before the second restart")
	assert.Equal(t, int64(0), seen[0])
	assert.Equal(t, int64(900_000), seen[9])
	assert.Equal(t, int64(0), seen[10])
	assert.GreaterOrEqual(t, s.Stats().Loops, int64(2))
}

func TestUnroutedPacketsAreIgnored(t *testing.T) {
	t.Parallel()

	v := mediatest.TenSeconds
	v.Audio = true
	d := openDemuxer(t, v)
	factory, _ := mediatest.DecoderFactory(1)
	buf := framebuf.New(framebuf.Config{MaxFrames: 1000}, nil)

	s, err := New(d, videoRoute(d, factory, buf), Config{Mode: EOFStop}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int64(500), s.Stats().Ignored)
	assert.Equal(t, 300, buf.Len())
}

func TestNewClosesDecodersWhenConfigureFails(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.TenSeconds)
	factory, rec := mediatest.DecoderFactory(1)
	stream := d.Streams()[0]
	stream.Params.Width = 0

	_, err := New(d, []Route{{Stream: stream, NewDecoder: factory, Target: framebuf.New(framebuf.Config{}, nil)}}, Config{}, nil)
	require.ErrorIs(t, err, media.ErrUnsupported)
	var se *media.StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 0, se.Stream)
	assert.Equal(t, int64(1), rec.All()[0].Closes.Load())
}

func TestRunTwice(t *testing.T) {
	t.Parallel()

	d := openDemuxer(t, mediatest.Video{Seconds: 1, FPS: 5, Width: 1, Height: 1})
	factory, _ := mediatest.DecoderFactory(1)
	s, err := New(d, videoRoute(d, factory, framebuf.New(framebuf.Config{}, nil)), Config{}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Run(context.Background()))
	assert.Error(t, s.Run(context.Background()))
}

func TestEOFModeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stop", EOFStop.String())
	assert.Equal(t, "loop", EOFLoop.String())
	assert.Equal(t, "hold", EOFHold.String())
	assert.Equal(t, "EOFMode(9)", EOFMode(9).String())
}
