package media

import (
	"io"
)

// FrameSink receives decoded frames. Decoders deliver output exclusively by
// pushing to the sink they were created with; ownership of the frame moves
// to the sink.
type FrameSink interface {
	Push(f *Frame)
}

// FrameSinkFunc adapts a function to a FrameSink.
type FrameSinkFunc func(f *Frame)

// Push calls fn(f).
func (fn FrameSinkFunc) Push(f *Frame) { fn(f) }

// PacketSink receives encoded chunks from an encoder.
type PacketSink interface {
	Push(p *Packet)
}

// PacketSinkFunc adapts a function to a PacketSink.
type PacketSinkFunc func(p *Packet)

// Push calls fn(p).
func (fn PacketSinkFunc) Push(p *Packet) { fn(p) }

// Demuxer splits a container into per-stream coded packets.
type Demuxer interface {
	// Streams returns the descriptors probed when the container was opened.
	Streams() []StreamDescriptor
	// ReadPacket returns the next packet in container order, or io.EOF.
	ReadPacket() (*Packet, error)
	// Seek repositions the demuxer. ts is in the timebase of streamIndex, or
	// in microseconds when streamIndex is -1. With backward set the demuxer
	// lands on the closest key frame at or before ts.
	Seek(streamIndex int, ts int64, backward bool) error
	Close() error
}

// ByteProgress is implemented by demuxers that can report how much of the
// underlying input has been consumed.
type ByteProgress interface {
	BytesRead() (pos, size int64)
}

// Muxer combines encoded streams into a container.
type Muxer interface {
	WriteHeader(streams []StreamDescriptor) error
	WritePacket(pkt *Packet) error
	WriteTrailer() error
	Close() error
}

// Decoder turns coded packets of one stream into frames pushed to its sink.
type Decoder interface {
	Configure(params CodecParams) error
	Decode(pkt *Packet) error
	// Flush emits every frame still held by the decoder.
	Flush() error
	// Reset drops held state; Configure must be called again before Decode.
	Reset() error
	Close() error
}

// EncoderConfig selects and parameterizes an encoder.
type EncoderConfig struct {
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Bitrate    int
	// Source holds the input stream's parameters, used by encoders that copy
	// the input bitstream.
	Source CodecParams
}

// EncodeOptions are per-frame encoder hints.
type EncodeOptions struct {
	KeyFrame  bool
	Quantizer int
}

// Encoder turns frames into encoded chunks pushed to its sink.
type Encoder interface {
	Configure(cfg EncoderConfig) error
	Encode(f *Frame, opts EncodeOptions) error
	Flush() error
	Close() error
}

// DecoderFactory constructs a decoder for stream that delivers to out.
type DecoderFactory func(stream StreamDescriptor, out FrameSink) (Decoder, error)

// EncoderFactory constructs an encoder that delivers to out.
type EncoderFactory func(out PacketSink) (Encoder, error)

// TransformConfig is handed to the pixel transform unchanged. Width and
// Height request a fused resize when non-zero.
type TransformConfig struct {
	Name   string
	Params map[string]string
	Width  int
	Height int
}

// PixelTransform remaps RGBA pixels. It may return a buffer of different
// dimensions.
type PixelTransform interface {
	Transform(pix []byte, width, height int, cfg TransformConfig) (out []byte, outWidth, outHeight int, err error)
}

// TransformFunc adapts a function to a PixelTransform.
type TransformFunc func(pix []byte, width, height int, cfg TransformConfig) ([]byte, int, int, error)

// Transform calls fn.
func (fn TransformFunc) Transform(pix []byte, width, height int, cfg TransformConfig) ([]byte, int, int, error) {
	return fn(pix, width, height, cfg)
}

// DrawSink is the presentation target. The frame is only valid for the
// duration of the call.
type DrawSink interface {
	Draw(f *Frame)
}

// DrawFunc adapts a function to a DrawSink.
type DrawFunc func(f *Frame)

// Draw calls fn(f).
func (fn DrawFunc) Draw(f *Frame) { fn(f) }

// Format is a container backend.
type Format interface {
	Name() string
	Extensions() []string
	OpenDemuxer(r io.ReadSeeker) (Demuxer, error)
	NewMuxer(w io.WriteSeeker) (Muxer, error)
}

// CodecSupporter is implemented by formats whose muxer carries only some
// codecs. Formats without it are assumed to carry any codec.
type CodecSupporter interface {
	SupportsCodec(codec string) bool
}
