package transcode

import (
	"github.com/zsiec/reframe/internal/channel"
	"github.com/zsiec/reframe/media"
)

// laneMode says how a stream travels through the export.
type laneMode int

const (
	// laneEncode decodes, transforms (video) and re-encodes.
	laneEncode laneMode = iota
	// laneCopy passes coded packets through untouched.
	laneCopy
)

func (m laneMode) String() string {
	if m == laneCopy {
		return "copy"
	}
	return "encode"
}

// lane is the per-stream decode -> transform -> encode pipeline. The ingest
// stage pushes decoded frames into frames; the encode task pulls them and its
// encoder pushes chunks into chunks, which the mux task drains.
type lane struct {
	in     media.StreamDescriptor
	out    media.StreamDescriptor
	mode   laneMode
	decode media.DecoderFactory
	encode media.EncoderFactory

	enc    media.Encoder
	frames *channel.Channel[*media.Frame]
	chunks *channel.Channel[*media.Packet]
	queue  *frameQueue

	encoded int64
	written int64
	start   int64 // PTS of the first chunk written, µs
	end     int64 // largest PTS+Duration written, µs
}

func newLane(in media.StreamDescriptor, mode laneMode, dec media.DecoderFactory, enc media.EncoderFactory, queueFrames int) *lane {
	l := &lane{
		in:     in,
		mode:   mode,
		decode: dec,
		encode: enc,
		frames: channel.New(func(f *media.Frame) { f.Release() }),
		chunks: channel.New[*media.Packet](nil),
	}
	l.queue = &frameQueue{ch: l.frames, cap: queueFrames}
	return l
}

func (l *lane) encoderConfig() media.EncoderConfig {
	return media.EncoderConfig{
		Codec:      l.out.Params.Codec,
		Width:      l.out.Params.Width,
		Height:     l.out.Params.Height,
		SampleRate: l.in.Params.SampleRate,
		Channels:   l.in.Params.Channels,
		Source:     l.in.Params,
	}
}

// frameQueue adapts a lane's frame channel to ingest.Target. Full bounds the
// channel externally so the demux loop throttles instead of letting decoded
// frames pile up.
type frameQueue struct {
	ch  *channel.Channel[*media.Frame]
	cap int
}

func (q *frameQueue) Push(f *media.Frame) { q.ch.Push(f) }

func (q *frameQueue) Full() bool { return q.ch.Len() >= q.cap }

func (q *frameQueue) Len() int { return q.ch.Len() }

func (q *frameQueue) Clear() { q.ch.Clear() }

func (q *frameQueue) Finish() { q.ch.End() }

// close releases everything still queued and the encoder.
func (l *lane) close() error {
	l.frames.Close()
	l.chunks.Close()
	if l.enc == nil {
		return nil
	}
	err := l.enc.Close()
	l.enc = nil
	return err
}
