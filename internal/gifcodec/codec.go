package gifcodec

import (
	"errors"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"

	"github.com/zsiec/reframe/media"
)

// Decoder composites GIF frame packets onto a canvas and emits the canvas
// as an RGBA frame after each packet, honoring frame disposal.
type Decoder struct {
	stream media.StreamDescriptor
	out    media.FrameSink

	canvas *image.RGBA
	// prev holds the canvas to restore for DisposalPrevious frames.
	prev *image.RGBA
}

var _ media.Decoder = (*Decoder)(nil)

// NewDecoder is a media.DecoderFactory.
func NewDecoder(stream media.StreamDescriptor, out media.FrameSink) (media.Decoder, error) {
	if stream.Params.Codec != Codec {
		return nil, fmt.Errorf("%w: codec %q", media.ErrUnsupported, stream.Params.Codec)
	}
	return &Decoder{stream: stream, out: out}, nil
}

func (d *Decoder) Configure(params media.CodecParams) error {
	if params.Codec != Codec || params.Width <= 0 || params.Height <= 0 {
		return fmt.Errorf("%w: gif %dx%d", media.ErrUnsupported, params.Width, params.Height)
	}
	d.canvas = image.NewRGBA(image.Rect(0, 0, params.Width, params.Height))
	d.prev = nil
	return nil
}

func (d *Decoder) Decode(pkt *media.Packet) error {
	if d.canvas == nil {
		return errors.New("gif: decode before configure")
	}
	img, _, disposal, _, err := decodeFrame(pkt.Data)
	if err != nil {
		return err
	}
	if disposal == gif.DisposalPrevious {
		d.prev = cloneRGBA(d.canvas)
	}
	draw.Draw(d.canvas, img.Bounds(), img, img.Bounds().Min, draw.Over)

	pix := make([]byte, len(d.canvas.Pix))
	copy(pix, d.canvas.Pix)
	b := d.canvas.Bounds()
	tb := d.stream.Timebase
	f := media.NewVideoFrame(tb.ToMicros(pkt.PTS), tb.ToMicros(pkt.Duration), b.Dx(), b.Dy(), pix, nil)
	f.StreamIndex = d.stream.Index
	f.KeyFrame = pkt.KeyFrame
	d.out.Push(f)

	switch disposal {
	case gif.DisposalBackground:
		draw.Draw(d.canvas, img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	case gif.DisposalPrevious:
		if d.prev != nil {
			d.canvas, d.prev = d.prev, nil
		}
	}
	return nil
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

// Flush is a no-op: every packet is emitted as soon as it is decoded.
func (d *Decoder) Flush() error { return nil }

// Reset drops the canvas.
func (d *Decoder) Reset() error {
	d.canvas, d.prev = nil, nil
	return nil
}

func (d *Decoder) Close() error { return d.Reset() }

// Encoder quantizes RGBA frames to the Plan 9 palette. EncodeOptions.Quantizer
// above zero disables dithering.
type Encoder struct {
	out    media.PacketSink
	width  int
	height int
}

var _ media.Encoder = (*Encoder)(nil)

// NewEncoder is a media.EncoderFactory.
func NewEncoder(out media.PacketSink) (media.Encoder, error) {
	return &Encoder{out: out}, nil
}

func (e *Encoder) Configure(cfg media.EncoderConfig) error {
	if cfg.Codec != Codec {
		return fmt.Errorf("%w: codec %q", media.ErrUnsupported, cfg.Codec)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > 0xffff || cfg.Height > 0xffff {
		return fmt.Errorf("%w: gif %dx%d", media.ErrUnsupported, cfg.Width, cfg.Height)
	}
	e.width, e.height = cfg.Width, cfg.Height
	return nil
}

func (e *Encoder) Encode(f *media.Frame, opts media.EncodeOptions) error {
	if e.width == 0 {
		return errors.New("gif: encode before configure")
	}
	if f.Width != e.width || f.Height != e.height {
		return fmt.Errorf("gif: frame at %d is %dx%d, encoder configured for %dx%d", f.PTS, f.Width, f.Height, e.width, e.height)
	}
	if len(f.Pix) < f.Width*f.Height*4 {
		return fmt.Errorf("gif: frame at %d has %d bytes for %dx%d", f.PTS, len(f.Pix), f.Width, f.Height)
	}
	src := &image.RGBA{Pix: f.Pix, Stride: 4 * f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
	bounds := image.Rect(0, 0, e.width, e.height)
	dst := image.NewPaletted(bounds, palette.Plan9)
	var drawer draw.Drawer = draw.FloydSteinberg
	if opts.Quantizer > 0 {
		drawer = draw.Src
	}
	drawer.Draw(dst, bounds, src, image.Point{})

	delay := int((f.Duration + 5_000) / 10_000)
	if delay <= 0 {
		delay = defaultDelay
	}
	data, err := encodeFrame(dst, e.width, e.height, delay, gif.DisposalNone)
	if err != nil {
		return err
	}
	e.out.Push(&media.Packet{
		StreamIndex: f.StreamIndex,
		PTS:         f.PTS,
		DTS:         f.PTS,
		Duration:    f.Duration,
		KeyFrame:    opts.KeyFrame,
		Data:        data,
	})
	return nil
}

func (e *Encoder) Flush() error { return nil }

func (e *Encoder) Close() error { return nil }
