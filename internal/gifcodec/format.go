// Package gifcodec implements animated GIF as a container format with a
// matching RGBA decoder and paletted encoder. Each GIF frame travels as one
// packet holding a single-frame GIF on the full canvas, so frames can be
// decoded, composited and re-assembled independently of the source file.
package gifcodec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"io"

	"github.com/zsiec/reframe/media"
)

// Codec is the codec name of GIF frame packets.
const Codec = "gif"

// Timebase is the GIF delay unit: hundredths of a second.
var Timebase = media.Timebase{Num: 1, Den: 100}

// defaultDelay replaces zero frame delays, as browsers do.
const defaultDelay = 10

// Format is the GIF container backend. Its zero value is ready to use.
type Format struct{}

var (
	_ media.Format         = Format{}
	_ media.CodecSupporter = Format{}
)

func (Format) Name() string { return "gif" }

// SupportsCodec reports whether codec is GIF frames: the container has no
// audio.
func (Format) SupportsCodec(codec string) bool { return codec == Codec }

func (Format) Extensions() []string { return []string{".gif"} }

func (Format) OpenDemuxer(r io.ReadSeeker) (media.Demuxer, error) {
	return OpenDemuxer(r)
}

func (Format) NewMuxer(w io.WriteSeeker) (media.Muxer, error) {
	return NewMuxer(w), nil
}

// Demuxer yields one packet per GIF frame. Only the first frame is a key
// frame: later frames composite onto earlier ones.
type Demuxer struct {
	stream  media.StreamDescriptor
	packets []*media.Packet
	size    int64
	pos     int
}

var (
	_ media.Demuxer      = (*Demuxer)(nil)
	_ media.ByteProgress = (*Demuxer)(nil)
)

// OpenDemuxer decodes every frame of the GIF in r.
func OpenDemuxer(r io.Reader) (*Demuxer, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	g, err := gif.DecodeAll(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrUnsupported, err)
	}
	if len(g.Image) == 0 {
		return nil, fmt.Errorf("%w: gif has no frames", media.ErrNoDecodableStream)
	}
	w, h := g.Config.Width, g.Config.Height
	if w == 0 || h == 0 {
		b := g.Image[0].Bounds()
		w, h = b.Max.X, b.Max.Y
	}

	d := &Demuxer{size: int64(buf.Len())}
	var pts int64
	for i, img := range g.Image {
		delay := int64(defaultDelay)
		if i < len(g.Delay) && g.Delay[i] > 0 {
			delay = int64(g.Delay[i])
		}
		var disposal byte
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		data, err := encodeFrame(img, w, h, int(delay), disposal)
		if err != nil {
			return nil, fmt.Errorf("repack frame %d: %w", i, err)
		}
		d.packets = append(d.packets, &media.Packet{
			StreamIndex: 0,
			PTS:         pts,
			DTS:         pts,
			Duration:    delay,
			KeyFrame:    i == 0,
			Data:        data,
		})
		pts += delay
	}
	d.stream = media.StreamDescriptor{
		Index:    0,
		Kind:     media.KindVideo,
		Params:   media.CodecParams{Codec: Codec, Width: w, Height: h},
		Timebase: Timebase,
		Duration: Timebase.ToMicros(pts),
		Frames:   int64(len(g.Image)),
	}
	return d, nil
}

// encodeFrame wraps one paletted frame into a single-frame GIF on a w x h
// canvas.
func encodeFrame(img *image.Paletted, w, h, delay int, disposal byte) ([]byte, error) {
	var out bytes.Buffer
	err := gif.EncodeAll(&out, &gif.GIF{
		Image:    []*image.Paletted{img},
		Delay:    []int{delay},
		Disposal: []byte{disposal},
		Config:   image.Config{ColorModel: img.Palette, Width: w, Height: h},
	})
	return out.Bytes(), err
}

// decodeFrame unwraps a packet produced by encodeFrame.
func decodeFrame(data []byte) (img *image.Paletted, delay int, disposal byte, canvas image.Point, err error) {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, image.Point{}, err
	}
	if len(g.Image) != 1 {
		return nil, 0, 0, image.Point{}, fmt.Errorf("packet holds %d frames", len(g.Image))
	}
	img = g.Image[0]
	if len(g.Delay) > 0 {
		delay = g.Delay[0]
	}
	if len(g.Disposal) > 0 {
		disposal = g.Disposal[0]
	}
	return img, delay, disposal, image.Pt(g.Config.Width, g.Config.Height), nil
}

func (d *Demuxer) Streams() []media.StreamDescriptor {
	return []media.StreamDescriptor{d.stream}
}

func (d *Demuxer) ReadPacket() (*media.Packet, error) {
	if d.pos >= len(d.packets) {
		return nil, io.EOF
	}
	p := *d.packets[d.pos]
	d.pos++
	return &p, nil
}

// Seek always lands on the first frame: later frames composite onto earlier
// ones, so decoding must replay from there to rebuild the canvas.
func (d *Demuxer) Seek(streamIndex int, ts int64, backward bool) error {
	d.pos = 0
	return nil
}

func (d *Demuxer) BytesRead() (pos, size int64) {
	if len(d.packets) == 0 {
		return d.size, d.size
	}
	return d.size * int64(d.pos) / int64(len(d.packets)), d.size
}

func (d *Demuxer) Close() error { return nil }

// Muxer collects GIF frame packets and writes the assembled animation on
// WriteTrailer.
type Muxer struct {
	w      io.Writer
	width  int
	height int
	g      gif.GIF
	header bool
}

var _ media.Muxer = (*Muxer)(nil)

// NewMuxer returns a muxer writing to w.
func NewMuxer(w io.Writer) *Muxer {
	return &Muxer{w: w}
}

func (m *Muxer) WriteHeader(streams []media.StreamDescriptor) error {
	var video *media.StreamDescriptor
	for i := range streams {
		if streams[i].Params.Codec != Codec {
			return &media.StageError{Stage: "mux header", Stream: streams[i].Index,
				Err: fmt.Errorf("%w: gif cannot carry %q", media.ErrUnsupported, streams[i].Params.Codec)}
		}
		video = &streams[i]
	}
	if video == nil || len(streams) != 1 {
		return fmt.Errorf("%w: gif needs exactly one video stream", media.ErrUnsupported)
	}
	m.width, m.height = video.Params.Width, video.Params.Height
	m.header = true
	return nil
}

func (m *Muxer) WritePacket(pkt *media.Packet) error {
	if !m.header {
		return errors.New("gif: packet before header")
	}
	img, delay, disposal, canvas, err := decodeFrame(pkt.Data)
	if err != nil {
		return fmt.Errorf("gif: frame at %d: %w", pkt.PTS, err)
	}
	if m.width == 0 || m.height == 0 {
		m.width, m.height = canvas.X, canvas.Y
	}
	m.g.Image = append(m.g.Image, img)
	m.g.Delay = append(m.g.Delay, delay)
	m.g.Disposal = append(m.g.Disposal, disposal)
	return nil
}

func (m *Muxer) WriteTrailer() error {
	if len(m.g.Image) == 0 {
		return errors.New("gif: no frames written")
	}
	m.g.Config = image.Config{ColorModel: m.g.Image[0].Palette, Width: m.width, Height: m.height}
	return gif.EncodeAll(m.w, &m.g)
}

func (m *Muxer) Close() error { return nil }
