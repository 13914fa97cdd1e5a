// Package passthrough is the copy codec: its decoder wraps each coded packet
// in a frame without decoding it, and its encoder unwraps it again. Streams
// the engine does not process, such as audio, travel through the pipeline
// this way and reach the muxer untouched.
package passthrough

import (
	"errors"
	"fmt"

	"github.com/zsiec/reframe/media"
)

// Codec is the registry name of the copy codec.
const Codec = "copy"

// Decoder wraps packets of one stream into frames carrying the packet.
type Decoder struct {
	stream     media.StreamDescriptor
	out        media.FrameSink
	configured bool
}

var _ media.Decoder = (*Decoder)(nil)

// NewDecoder is a media.DecoderFactory accepting any codec.
func NewDecoder(stream media.StreamDescriptor, out media.FrameSink) (media.Decoder, error) {
	if out == nil {
		return nil, errors.New("passthrough: nil sink")
	}
	return &Decoder{stream: stream, out: out}, nil
}

func (d *Decoder) Configure(params media.CodecParams) error {
	if params.Codec == "" {
		return fmt.Errorf("%w: stream %d has no codec", media.ErrUnsupported, d.stream.Index)
	}
	d.configured = true
	return nil
}

// Decode rescales the packet's timestamps to microseconds and pushes it
// inside a frame. The payload is copied; the demuxer may reuse its buffer.
func (d *Decoder) Decode(pkt *media.Packet) error {
	if !d.configured {
		return errors.New("passthrough: decode before configure")
	}
	tb := d.stream.Timebase
	coded := &media.Packet{
		StreamIndex: d.stream.Index,
		PTS:         tb.ToMicros(pkt.PTS),
		DTS:         tb.ToMicros(pkt.DTS),
		Duration:    tb.ToMicros(pkt.Duration),
		KeyFrame:    pkt.KeyFrame,
		Data:        append([]byte(nil), pkt.Data...),
	}
	d.out.Push(&media.Frame{
		Kind:        d.stream.Kind,
		StreamIndex: d.stream.Index,
		PTS:         coded.PTS,
		Duration:    coded.Duration,
		KeyFrame:    coded.KeyFrame,
		Coded:       coded,
	})
	return nil
}

func (d *Decoder) Flush() error { return nil }

func (d *Decoder) Reset() error {
	d.configured = false
	return nil
}

func (d *Decoder) Close() error { return d.Reset() }

// Encoder forwards the coded packet of each frame. The first chunk carries
// the source stream's configuration record.
type Encoder struct {
	out       media.PacketSink
	extradata []byte
	started   bool
}

var _ media.Encoder = (*Encoder)(nil)

// NewEncoder is a media.EncoderFactory.
func NewEncoder(out media.PacketSink) (media.Encoder, error) {
	if out == nil {
		return nil, errors.New("passthrough: nil sink")
	}
	return &Encoder{out: out}, nil
}

func (e *Encoder) Configure(cfg media.EncoderConfig) error {
	if cfg.Source.Codec == "" {
		return fmt.Errorf("%w: copy needs the source codec", media.ErrUnsupported)
	}
	e.extradata = cfg.Source.Extradata
	return nil
}

func (e *Encoder) Encode(f *media.Frame, _ media.EncodeOptions) error {
	if f.Coded == nil {
		return fmt.Errorf("passthrough: frame at %d has no coded packet", f.PTS)
	}
	p := *f.Coded
	p.StreamIndex = f.StreamIndex
	if !e.started {
		p.Extradata = e.extradata
		e.started = true
	}
	e.out.Push(&p)
	return nil
}

func (e *Encoder) Flush() error { return nil }

func (e *Encoder) Close() error { return nil }
