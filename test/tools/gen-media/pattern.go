package main

import (
	"fmt"
	"os"

	"github.com/zsiec/reframe/internal/gifcodec"
	"github.com/zsiec/reframe/media"
)

// colors cycles once per second of media time.
var colors = [][4]byte{
	{0xe6, 0x19, 0x4b, 0xff},
	{0x3c, 0xb4, 0x4b, 0xff},
	{0xff, 0xe1, 0x19, 0xff},
	{0x43, 0x63, 0xd8, 0xff},
	{0xf5, 0x82, 0x31, 0xff},
	{0x91, 0x1e, 0xb4, 0xff},
	{0x46, 0xf0, 0xf0, 0xff},
	{0xf0, 0x32, 0xe6, 0xff},
	{0xbc, 0xf6, 0x0c, 0xff},
	{0xfa, 0xbe, 0xbe, 0xff},
}

// writePattern encodes a solid-color-per-second animation with a moving
// white bar, so both the second boundaries and frame order are visible.
func writePattern(path string, mc MediaConfig) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var pkts []*media.Packet
	enc, err := gifcodec.NewEncoder(media.PacketSinkFunc(func(p *media.Packet) { pkts = append(pkts, p) }))
	if err != nil {
		return err
	}
	if err := enc.Configure(media.EncoderConfig{Codec: gifcodec.Codec, Width: mc.Width, Height: mc.Height}); err != nil {
		return err
	}

	frameUs := int64(1_000_000 / mc.FPS)
	n := int(mc.DurationSec) * mc.FPS
	for i := 0; i < n; i++ {
		pts := int64(i) * frameUs
		pix := make([]byte, mc.Width*mc.Height*4)
		c := colors[(pts/1_000_000)%int64(len(colors))]
		bar := i % mc.Width
		for y := 0; y < mc.Height; y++ {
			for x := 0; x < mc.Width; x++ {
				o := (y*mc.Width + x) * 4
				if x == bar {
					copy(pix[o:o+4], []byte{0xff, 0xff, 0xff, 0xff})
					continue
				}
				copy(pix[o:o+4], c[:])
			}
		}
		fr := media.NewVideoFrame(pts, frameUs, mc.Width, mc.Height, pix, nil)
		if err := enc.Encode(fr, media.EncodeOptions{KeyFrame: i == 0, Quantizer: 1}); err != nil {
			return fmt.Errorf("encode frame %d: %w", i, err)
		}
	}

	m := gifcodec.NewMuxer(f)
	if err := m.WriteHeader([]media.StreamDescriptor{{
		Kind:     media.KindVideo,
		Params:   media.CodecParams{Codec: gifcodec.Codec, Width: mc.Width, Height: mc.Height},
		Timebase: media.MicrosecondTimebase,
	}}); err != nil {
		return err
	}
	for _, p := range pkts {
		if err := m.WritePacket(p); err != nil {
			return err
		}
	}
	if err := m.WriteTrailer(); err != nil {
		return err
	}
	return f.Close()
}
