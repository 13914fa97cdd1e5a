// Package avformat adapts the vdk container packages (MP4 and MPEG-TS) to
// the media.Format capability. Demuxers probe every stream's duration with a
// packet scan on open; seeking uses the container's own index when it has
// one and otherwise replays from the start to the nearest key frame.
package avformat

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/deepch/vdk/av"
	"github.com/deepch/vdk/format/mp4"
	"github.com/deepch/vdk/format/ts"

	"github.com/zsiec/reframe/media"
)

type avDemuxer interface {
	Streams() ([]av.CodecData, error)
	ReadPacket() (av.Packet, error)
}

type avMuxer interface {
	WriteHeader(streams []av.CodecData) error
	WritePacket(pkt av.Packet) error
	WriteTrailer() error
}

// timeSeeker is implemented by demuxers with a sample index.
type timeSeeker interface {
	SeekToTime(tm time.Duration) error
}

// Format is a vdk-backed container.
type Format struct {
	name   string
	exts   []string
	codecs []string
	demux  func(io.ReadSeeker) avDemuxer
	mux    func(io.WriteSeeker) avMuxer
}

var (
	_ media.Format         = (*Format)(nil)
	_ media.CodecSupporter = (*Format)(nil)
)

// MP4 reads and writes ISO BMFF files.
var MP4 = &Format{
	name:   "mp4",
	exts:   []string{".mp4", ".mov", ".m4v"},
	codecs: []string{CodecH264, CodecH265, CodecAAC},
	demux:  func(r io.ReadSeeker) avDemuxer { return mp4.NewDemuxer(r) },
	mux:    func(w io.WriteSeeker) avMuxer { return mp4.NewMuxer(w) },
}

// TS reads and writes MPEG transport streams.
var TS = &Format{
	name:   "ts",
	exts:   []string{".ts"},
	codecs: []string{CodecH264, CodecH265, CodecAAC},
	demux:  func(r io.ReadSeeker) avDemuxer { return ts.NewDemuxer(r) },
	mux:    func(w io.WriteSeeker) avMuxer { return ts.NewMuxer(w) },
}

func (f *Format) Name() string { return f.name }

func (f *Format) Extensions() []string { return f.exts }

// SupportsCodec reports whether the muxer can write codec.
func (f *Format) SupportsCodec(codec string) bool {
	return slices.Contains(f.codecs, codec)
}

// OpenDemuxer probes r. It fails with media.ErrUnsupported when the
// container cannot be parsed or holds no streams.
func (f *Format) OpenDemuxer(r io.ReadSeeker) (media.Demuxer, error) {
	return newDemuxer(r, f.demux)
}

// NewMuxer returns a muxer writing to w. The header is written by
// WriteHeader.
func (f *Format) NewMuxer(w io.WriteSeeker) (media.Muxer, error) {
	return &Muxer{m: f.mux(w)}, nil
}

type keyPoint struct {
	index int
	time  time.Duration
}

// Demuxer adapts a vdk demuxer to media.Demuxer.
type Demuxer struct {
	r       io.ReadSeeker
	open    func(io.ReadSeeker) avDemuxer
	dmx     avDemuxer
	size    int64
	streams []media.StreamDescriptor

	keys    []keyPoint
	ref     int
	read    int
	pending *av.Packet
	closed  bool
}

var (
	_ media.Demuxer      = (*Demuxer)(nil)
	_ media.ByteProgress = (*Demuxer)(nil)
)

func newDemuxer(r io.ReadSeeker, open func(io.ReadSeeker) avDemuxer) (*Demuxer, error) {
	size, err := r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("size input: %w", err)
	}
	d := &Demuxer{r: r, open: open, size: size, ref: -1}
	if err := d.rewind(); err != nil {
		return nil, err
	}
	cds, err := d.dmx.Streams()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrUnsupported, err)
	}
	if len(cds) == 0 {
		return nil, fmt.Errorf("%w: container has no streams", media.ErrUnsupported)
	}
	for i, cd := range cds {
		s := describe(i, cd)
		if d.ref < 0 && s.Kind == media.KindVideo {
			d.ref = i
		}
		d.streams = append(d.streams, s)
	}
	if err := d.probe(); err != nil {
		return nil, err
	}
	if err := d.rewind(); err != nil {
		return nil, err
	}
	return d, nil
}

type streamSpan struct {
	first, last, end time.Duration
	n                int64
	seen             bool
}

// probe reads the whole container once to measure each stream's duration
// and frame count and to index the key frames of the reference stream.
func (d *Demuxer) probe() error {
	spans := make([]streamSpan, len(d.streams))
	for i := 0; ; i++ {
		pkt, err := d.dmx.ReadPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		idx := int(pkt.Idx)
		if idx < 0 || idx >= len(spans) {
			continue
		}
		pts := pkt.Time + pkt.CompositionTime
		sp := &spans[idx]
		if !sp.seen || pts < sp.first {
			sp.first = pts
		}
		if !sp.seen || pts > sp.last {
			sp.last = pts
		}
		if end := pts + pkt.Duration; end > sp.end {
			sp.end = end
		}
		sp.seen = true
		sp.n++
		if idx == d.ref && pkt.IsKeyFrame {
			d.keys = append(d.keys, keyPoint{index: i, time: pts})
		}
	}
	for i, sp := range spans {
		if !sp.seen {
			continue
		}
		end := sp.end
		if end <= sp.last && sp.n > 1 {
			// No packet durations: extend by the mean frame interval.
			end = sp.last + (sp.last-sp.first)/time.Duration(sp.n-1)
		}
		d.streams[i].Duration = (end - sp.first).Microseconds()
		d.streams[i].Frames = sp.n
	}
	return nil
}

func (d *Demuxer) rewind() error {
	if _, err := d.r.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind: %w", err)
	}
	d.dmx = d.open(d.r)
	d.read = 0
	d.pending = nil
	return nil
}

func (d *Demuxer) Streams() []media.StreamDescriptor {
	out := make([]media.StreamDescriptor, len(d.streams))
	copy(out, d.streams)
	return out
}

func (d *Demuxer) ReadPacket() (*media.Packet, error) {
	if d.closed {
		return nil, errors.New("avformat: demuxer closed")
	}
	var pkt av.Packet
	if d.pending != nil {
		pkt, d.pending = *d.pending, nil
	} else {
		var err error
		if pkt, err = d.dmx.ReadPacket(); err != nil {
			return nil, err
		}
		d.read++
	}
	idx := int(pkt.Idx)
	if idx < 0 || idx >= len(d.streams) {
		return nil, fmt.Errorf("packet for unknown stream %d", idx)
	}
	scale := d.streams[idx].Timebase.Den
	return &media.Packet{
		StreamIndex: idx,
		PTS:         ticks(pkt.Time+pkt.CompositionTime, scale),
		DTS:         ticks(pkt.Time, scale),
		Duration:    ticks(pkt.Duration, scale),
		KeyFrame:    pkt.IsKeyFrame,
		Data:        pkt.Data,
	}, nil
}

// Seek positions the demuxer on the last reference-stream key frame at or
// before ts. Without a video stream it positions on the first packet at or
// after ts.
func (d *Demuxer) Seek(streamIndex int, ts int64, backward bool) error {
	if d.closed {
		return errors.New("avformat: demuxer closed")
	}
	target := time.Duration(ts) * time.Microsecond
	if streamIndex >= 0 && streamIndex < len(d.streams) {
		target = duration(ts, d.streams[streamIndex].Timebase)
	}
	if target < 0 {
		target = 0
	}

	if s, ok := d.dmx.(timeSeeker); ok && d.ref >= 0 {
		d.pending = nil
		if err := s.SeekToTime(target); err == nil {
			return nil
		}
		// Fall back to replaying from the start.
	}

	if err := d.rewind(); err != nil {
		return err
	}
	if _, err := d.dmx.Streams(); err != nil {
		return err
	}
	if d.ref >= 0 {
		skip := 0
		for _, k := range d.keys {
			if k.time > target {
				break
			}
			skip = k.index
		}
		for d.read < skip {
			if _, err := d.dmx.ReadPacket(); err != nil {
				return fmt.Errorf("seek: %w", err)
			}
			d.read++
		}
		return nil
	}
	for {
		pkt, err := d.dmx.ReadPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("seek: %w", err)
		}
		d.read++
		if pkt.Time+pkt.CompositionTime >= target {
			d.pending = &pkt
			return nil
		}
	}
}

func (d *Demuxer) BytesRead() (pos, size int64) {
	pos, err := d.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, d.size
	}
	return pos, d.size
}

// Close marks the demuxer closed. The underlying reader belongs to the
// caller.
func (d *Demuxer) Close() error {
	d.closed = true
	return nil
}

// Muxer adapts a vdk muxer to media.Muxer. Packets are expected in
// microseconds, as encoders produce them.
type Muxer struct {
	m   avMuxer
	idx map[int]int8
}

var _ media.Muxer = (*Muxer)(nil)

func (m *Muxer) WriteHeader(streams []media.StreamDescriptor) error {
	if len(streams) > 127 {
		return fmt.Errorf("%w: %d streams", media.ErrUnsupported, len(streams))
	}
	cds := make([]av.CodecData, 0, len(streams))
	m.idx = make(map[int]int8, len(streams))
	for i, s := range streams {
		cd, err := codecData(s.Params)
		if err != nil {
			return &media.StageError{Stage: "mux header", Stream: s.Index, Err: err}
		}
		cds = append(cds, cd)
		m.idx[s.Index] = int8(i)
	}
	return m.m.WriteHeader(cds)
}

func (m *Muxer) WritePacket(pkt *media.Packet) error {
	i, ok := m.idx[pkt.StreamIndex]
	if !ok {
		return fmt.Errorf("packet for stream %d not in header", pkt.StreamIndex)
	}
	return m.m.WritePacket(av.Packet{
		Idx:             i,
		IsKeyFrame:      pkt.KeyFrame,
		Time:            time.Duration(pkt.DTS) * time.Microsecond,
		CompositionTime: time.Duration(pkt.PTS-pkt.DTS) * time.Microsecond,
		Duration:        time.Duration(pkt.Duration) * time.Microsecond,
		Data:            pkt.Data,
	})
}

func (m *Muxer) WriteTrailer() error {
	return m.m.WriteTrailer()
}

// Close is a no-op; the writer belongs to the caller.
func (m *Muxer) Close() error {
	return nil
}
