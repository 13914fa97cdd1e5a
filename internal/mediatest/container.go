// Package mediatest provides deterministic synthetic media for tests: a
// container format whose video stream shows one solid color per second, a
// decoder that reorders output the way B-frame codecs do, an encoder, an
// in-memory muxer and a manual clock.
package mediatest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io"
	"sort"
	"sync"

	"github.com/zsiec/reframe/media"
)

// Codec names understood by this package's decoder and encoder.
const (
	VideoCodec = "synthetic"
	AudioCodec = "pcm-test"
)

// FormatName is the name of the synthetic container format.
const FormatName = "synthetic"

// Video describes a synthetic input.
type Video struct {
	Seconds int
	FPS     int
	Width   int
	Height  int
	// GOP is the key frame interval in frames; 0 means one key frame per
	// second.
	GOP int
	// Audio adds a second stream of 20ms audio packets.
	Audio bool
	// Extra adds a stream with a codec nothing can decode.
	Extra bool
	// NoDuration leaves every stream duration unset, as containers without
	// an index do.
	NoDuration bool
}

// TenSeconds is the canonical fixture: 10s of 30fps video.
var TenSeconds = Video{Seconds: 10, FPS: 30, Width: 32, Height: 18}

// VideoTimebase is the timebase of synthetic video streams.
var VideoTimebase = media.Timebase{Num: 1, Den: 90_000}

// audioTimebase is the timebase of synthetic audio streams.
var audioTimebase = media.Timebase{Num: 1, Den: 48_000}

// palette has one color per second of media.
var palette = []color.RGBA{
	{R: 255, A: 255},
	{G: 255, A: 255},
	{B: 255, A: 255},
	{R: 255, G: 255, A: 255},
	{R: 255, B: 255, A: 255},
	{G: 255, B: 255, A: 255},
	{R: 128, A: 255},
	{G: 128, A: 255},
	{B: 128, A: 255},
	{R: 255, G: 255, B: 255, A: 255},
}

// ColorAt returns the color shown at presentation time us.
func ColorAt(us int64) color.RGBA {
	sec := us / 1_000_000
	if sec < 0 {
		sec = 0
	}
	return palette[int(sec)%len(palette)]
}

// FrameDuration returns the duration of one frame in microseconds.
func (v Video) FrameDuration() int64 {
	return 1_000_000 / int64(v.FPS)
}

// FrameCount returns the number of video frames.
func (v Video) FrameCount() int {
	return v.Seconds * v.FPS
}

// container is the serialized form of the synthetic format.
type container struct {
	Streams []media.StreamDescriptor `json:"streams"`
	Packets []*media.Packet          `json:"packets"`
}

// Container returns the encoded synthetic container for v.
func Container(v Video) []byte {
	gop := v.GOP
	if gop <= 0 {
		gop = v.FPS
	}
	ticksPerFrame := VideoTimebase.Den / int64(v.FPS)
	c := container{
		Streams: []media.StreamDescriptor{{
			Index:    0,
			Kind:     media.KindVideo,
			Params:   media.CodecParams{Codec: VideoCodec, Width: v.Width, Height: v.Height},
			Timebase: VideoTimebase,
			Duration: int64(v.Seconds) * 1_000_000,
			Frames:   int64(v.FrameCount()),
		}},
	}
	for i := 0; i < v.FrameCount(); i++ {
		pts := int64(i) * ticksPerFrame
		col := ColorAt(VideoTimebase.ToMicros(pts))
		c.Packets = append(c.Packets, &media.Packet{
			StreamIndex: 0,
			PTS:         pts,
			DTS:         pts,
			Duration:    ticksPerFrame,
			KeyFrame:    i%gop == 0,
			Data:        []byte{col.R, col.G, col.B, col.A},
		})
	}
	if v.Audio {
		addAudio(&c, v)
	}
	if v.Extra {
		c.Streams = append(c.Streams, media.StreamDescriptor{
			Index:    len(c.Streams),
			Kind:     media.KindUnknown,
			Params:   media.CodecParams{Codec: "opaque"},
			Timebase: media.MicrosecondTimebase,
			Duration: int64(v.Seconds) * 1_000_000,
		})
		idx := len(c.Streams) - 1
		for us := int64(0); us < int64(v.Seconds)*1_000_000; us += 1_000_000 {
			c.Packets = append(c.Packets, &media.Packet{StreamIndex: idx, PTS: us, DTS: us, Duration: 1_000_000, KeyFrame: true, Data: []byte{0}})
		}
	}
	if v.NoDuration {
		for i := range c.Streams {
			c.Streams[i].Duration = 0
		}
	}
	sortPackets(c)
	b, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	return b
}

func addAudio(c *container, v Video) {
	const ticks = 960 // 20ms at 48kHz
	idx := len(c.Streams)
	total := int64(v.Seconds) * audioTimebase.Den
	c.Streams = append(c.Streams, media.StreamDescriptor{
		Index:    idx,
		Kind:     media.KindAudio,
		Params:   media.CodecParams{Codec: AudioCodec, SampleRate: 48_000, Channels: 2, Extradata: []byte{0x11, 0x90}},
		Timebase: audioTimebase,
		Duration: audioTimebase.ToMicros(total),
		Frames:   total / ticks,
	})
	for pts := int64(0); pts < total; pts += ticks {
		c.Packets = append(c.Packets, &media.Packet{
			StreamIndex: idx,
			PTS:         pts,
			DTS:         pts,
			Duration:    ticks,
			KeyFrame:    true,
			Data:        make([]byte, 16),
		})
	}
}

// sortPackets interleaves packets by presentation time.
func sortPackets(c container) {
	tb := make(map[int]media.Timebase, len(c.Streams))
	for _, s := range c.Streams {
		tb[s.Index] = s.Timebase
	}
	sort.SliceStable(c.Packets, func(i, j int) bool {
		a, b := c.Packets[i], c.Packets[j]
		return tb[a.StreamIndex].ToMicros(a.DTS) < tb[b.StreamIndex].ToMicros(b.DTS)
	})
}

// Source returns a media.Source over the synthetic container for v.
func Source(v Video) media.Source {
	return media.BytesSource("synthetic.syn", Container(v))
}

// Format is the synthetic container backend. Its zero value is ready to use.
type Format struct{}

var _ media.Format = Format{}

func (Format) Name() string { return FormatName }

func (Format) Extensions() []string { return []string{".syn"} }

func (Format) OpenDemuxer(r io.ReadSeeker) (media.Demuxer, error) {
	return OpenDemuxer(r)
}

func (Format) NewMuxer(w io.WriteSeeker) (media.Muxer, error) {
	return NewMuxer(w), nil
}

// Demuxer replays a synthetic container. It supports backward-biased
// seeking to the nearest key frame and byte progress reporting.
type Demuxer struct {
	mu      sync.Mutex
	c       container
	pos     int
	size    int64
	closed  bool
	seeks   []int64
	failAt  int
	failErr error
}

var (
	_ media.Demuxer      = (*Demuxer)(nil)
	_ media.ByteProgress = (*Demuxer)(nil)
)

// OpenDemuxer decodes a synthetic container from r.
func OpenDemuxer(r io.Reader) (*Demuxer, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	var c container
	if err := json.Unmarshal(buf.Bytes(), &c); err != nil {
		return nil, fmt.Errorf("%w: not a synthetic container: %v", media.ErrUnsupported, err)
	}
	return &Demuxer{c: c, size: int64(buf.Len()), failAt: -1}, nil
}

// FailAfter makes ReadPacket return err once n packets have been read.
func (d *Demuxer) FailAfter(n int, err error) {
	d.mu.Lock()
	d.failAt, d.failErr = n, err
	d.mu.Unlock()
}

func (d *Demuxer) Streams() []media.StreamDescriptor {
	out := make([]media.StreamDescriptor, len(d.c.Streams))
	copy(out, d.c.Streams)
	return out
}

func (d *Demuxer) ReadPacket() (*media.Packet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("mediatest: demuxer closed")
	}
	if d.failAt >= 0 && d.pos >= d.failAt {
		return nil, d.failErr
	}
	if d.pos >= len(d.c.Packets) {
		return nil, io.EOF
	}
	p := *d.c.Packets[d.pos]
	p.Data = append([]byte(nil), p.Data...)
	d.pos++
	return &p, nil
}

func (d *Demuxer) Seek(streamIndex int, ts int64, backward bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	tb := media.MicrosecondTimebase
	for _, s := range d.c.Streams {
		if s.Index == streamIndex {
			tb = s.Timebase
		}
	}
	target := tb.ToMicros(ts)
	d.seeks = append(d.seeks, target)

	// Land on the last video key frame at or before target.
	best := 0
	for i, p := range d.c.Packets {
		s := d.stream(p.StreamIndex)
		if s.Kind != media.KindVideo || !p.KeyFrame {
			continue
		}
		if s.Timebase.ToMicros(p.PTS) > target {
			break
		}
		best = i
	}
	d.pos = best
	return nil
}

func (d *Demuxer) stream(idx int) media.StreamDescriptor {
	for _, s := range d.c.Streams {
		if s.Index == idx {
			return s
		}
	}
	return media.StreamDescriptor{}
}

// Seeks returns the targets, in microseconds, of every Seek call.
func (d *Demuxer) Seeks() []int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int64(nil), d.seeks...)
}

func (d *Demuxer) BytesRead() (pos, size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.c.Packets) == 0 {
		return d.size, d.size
	}
	return d.size * int64(d.pos) / int64(len(d.c.Packets)), d.size
}

func (d *Demuxer) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (d *Demuxer) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
