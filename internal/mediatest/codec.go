package mediatest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/zsiec/reframe/media"
)

// ErrCorruptPacket is returned by Decoder.Decode for payloads it cannot read.
var ErrCorruptPacket = errors.New("mediatest: corrupt packet")

// Decoder decodes synthetic video packets into solid-color RGBA frames. It
// holds decoded frames in groups and emits each group out of PTS order, the
// way a codec with B-frames does; Flush emits whatever is held.
type Decoder struct {
	stream media.StreamDescriptor
	out    media.FrameSink
	group  int

	mu         sync.Mutex
	params     media.CodecParams
	configured bool
	held       []*media.Frame

	Configures atomic.Int64
	Decodes    atomic.Int64
	Flushes    atomic.Int64
	Resets     atomic.Int64
	Closes     atomic.Int64
	Live       *atomic.Int64
}

var _ media.Decoder = (*Decoder)(nil)

// Decoders records every decoder built by a factory.
type Decoders struct {
	mu   sync.Mutex
	list []*Decoder
	// Live counts frames produced and not yet released.
	Live atomic.Int64
}

// All returns the decoders built so far.
func (d *Decoders) All() []*Decoder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Decoder(nil), d.list...)
}

// DecoderFactory returns a factory for synthetic video decoders that reorder
// output within groups of group frames, and the recorder tracking them.
func DecoderFactory(group int) (media.DecoderFactory, *Decoders) {
	rec := &Decoders{}
	return func(stream media.StreamDescriptor, out media.FrameSink) (media.Decoder, error) {
		if stream.Params.Codec != VideoCodec {
			return nil, fmt.Errorf("%w: codec %q", media.ErrUnsupported, stream.Params.Codec)
		}
		d := &Decoder{stream: stream, out: out, group: group, Live: &rec.Live}
		rec.mu.Lock()
		rec.list = append(rec.list, d)
		rec.mu.Unlock()
		return d, nil
	}, rec
}

func (d *Decoder) Configure(params media.CodecParams) error {
	d.Configures.Add(1)
	if params.Codec != VideoCodec || params.Width <= 0 || params.Height <= 0 {
		return fmt.Errorf("%w: %+v", media.ErrUnsupported, params)
	}
	d.mu.Lock()
	d.params = params
	d.configured = true
	d.mu.Unlock()
	return nil
}

func (d *Decoder) Decode(pkt *media.Packet) error {
	d.Decodes.Add(1)
	d.mu.Lock()
	if !d.configured {
		d.mu.Unlock()
		return errors.New("mediatest: decode before configure")
	}
	if len(pkt.Data) != 4 {
		d.mu.Unlock()
		return ErrCorruptPacket
	}
	f := d.frame(pkt)
	d.held = append(d.held, f)
	var emit []*media.Frame
	if d.group <= 1 || len(d.held) >= d.group {
		emit = reorder(d.held)
		d.held = nil
	}
	d.mu.Unlock()

	for _, f := range emit {
		d.out.Push(f)
	}
	return nil
}

func (d *Decoder) frame(pkt *media.Packet) *media.Frame {
	w, h := d.params.Width, d.params.Height
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		copy(pix[i:i+4], pkt.Data)
	}
	tb := d.stream.Timebase
	d.Live.Add(1)
	live := d.Live
	f := media.NewVideoFrame(tb.ToMicros(pkt.PTS), tb.ToMicros(pkt.Duration), w, h, pix, func() { live.Add(-1) })
	f.StreamIndex = d.stream.Index
	f.KeyFrame = pkt.KeyFrame
	return f
}

// reorder swaps adjacent pairs so a group is never emitted in PTS order.
func reorder(held []*media.Frame) []*media.Frame {
	out := append([]*media.Frame(nil), held...)
	for i := 0; i+1 < len(out); i += 2 {
		out[i], out[i+1] = out[i+1], out[i]
	}
	return out
}

func (d *Decoder) Flush() error {
	d.Flushes.Add(1)
	d.mu.Lock()
	emit := reorder(d.held)
	d.held = nil
	d.mu.Unlock()
	for _, f := range emit {
		d.out.Push(f)
	}
	return nil
}

func (d *Decoder) Reset() error {
	d.Resets.Add(1)
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.configured = false
	d.mu.Unlock()
	for _, f := range held {
		f.Release()
	}
	return nil
}

func (d *Decoder) Close() error {
	d.Closes.Add(1)
	return d.Reset()
}

// Encoder encodes frames into synthetic packets carrying the color of the
// frame's first pixel. It records the options of every call.
type Encoder struct {
	out media.PacketSink

	mu         sync.Mutex
	cfg        media.EncoderConfig
	configured bool
	first      bool
	options    []media.EncodeOptions

	// FailConfigure makes Configure fail.
	FailConfigure bool
}

var _ media.Encoder = (*Encoder)(nil)

// Encoders records every encoder built by a factory.
type Encoders struct {
	mu   sync.Mutex
	list []*Encoder
	// FailConfigure is copied into every new encoder.
	FailConfigure bool
}

// All returns the encoders built so far.
func (e *Encoders) All() []*Encoder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Encoder(nil), e.list...)
}

// EncoderFactory returns a factory for synthetic video encoders and the
// recorder tracking them.
func EncoderFactory() (media.EncoderFactory, *Encoders) {
	rec := &Encoders{}
	return func(out media.PacketSink) (media.Encoder, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		e := &Encoder{out: out, first: true, FailConfigure: rec.FailConfigure}
		rec.list = append(rec.list, e)
		return e, nil
	}, rec
}

func (e *Encoder) Configure(cfg media.EncoderConfig) error {
	if e.FailConfigure {
		return fmt.Errorf("%w: encoder rejected %dx%d", media.ErrUnsupported, cfg.Width, cfg.Height)
	}
	if cfg.Codec != VideoCodec {
		return fmt.Errorf("%w: codec %q", media.ErrUnsupported, cfg.Codec)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.configured = true
	e.mu.Unlock()
	return nil
}

func (e *Encoder) Encode(f *media.Frame, opts media.EncodeOptions) error {
	e.mu.Lock()
	if !e.configured {
		e.mu.Unlock()
		return errors.New("mediatest: encode before configure")
	}
	if len(f.Pix) < 4 {
		e.mu.Unlock()
		return errors.New("mediatest: empty frame")
	}
	if f.Width != e.cfg.Width || f.Height != e.cfg.Height {
		e.mu.Unlock()
		return fmt.Errorf("mediatest: frame is %dx%d, encoder configured for %dx%d", f.Width, f.Height, e.cfg.Width, e.cfg.Height)
	}
	e.options = append(e.options, opts)
	pkt := &media.Packet{
		StreamIndex: f.StreamIndex,
		PTS:         f.PTS,
		DTS:         f.PTS,
		Duration:    f.Duration,
		KeyFrame:    opts.KeyFrame,
		Data:        append([]byte(nil), f.Pix[:4]...),
	}
	if e.first {
		pkt.Extradata = []byte("synthetic-config")
		e.first = false
	}
	e.mu.Unlock()
	e.out.Push(pkt)
	return nil
}

// Config returns the most recent configuration.
func (e *Encoder) Config() media.EncoderConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Options returns the options passed to every Encode call.
func (e *Encoder) Options() []media.EncodeOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]media.EncodeOptions(nil), e.options...)
}

func (e *Encoder) Flush() error { return nil }

func (e *Encoder) Close() error { return nil }

// Muxer captures everything written to it and serializes a synthetic
// container on WriteTrailer, so the output can be demuxed again.
type Muxer struct {
	w io.Writer

	mu      sync.Mutex
	c       container
	header  bool
	trailer bool
	closed  bool
	// FailWrite makes WritePacket fail after this many packets when > 0.
	FailWrite int
}

var _ media.Muxer = (*Muxer)(nil)

// NewMuxer returns a muxer writing to w, which may be nil.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w}
}

func (m *Muxer) WriteHeader(streams []media.StreamDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.header {
		return errors.New("mediatest: header written twice")
	}
	m.header = true
	m.c.Streams = append([]media.StreamDescriptor(nil), streams...)
	return nil
}

func (m *Muxer) WritePacket(pkt *media.Packet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.header {
		return errors.New("mediatest: packet before header")
	}
	if m.FailWrite > 0 && len(m.c.Packets) >= m.FailWrite {
		return errors.New("mediatest: disk full")
	}
	p := *pkt
	m.c.Packets = append(m.c.Packets, &p)
	return nil
}

func (m *Muxer) WriteTrailer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trailer = true
	if m.w == nil {
		return nil
	}
	return json.NewEncoder(m.w).Encode(m.c)
}

func (m *Muxer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Packets returns the packets written so far.
func (m *Muxer) Packets() []*media.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*media.Packet(nil), m.c.Packets...)
}

// Streams returns the descriptors passed to WriteHeader.
func (m *Muxer) Streams() []media.StreamDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]media.StreamDescriptor(nil), m.c.Streams...)
}

// Finished reports whether the trailer was written.
func (m *Muxer) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trailer
}
