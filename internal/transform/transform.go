// Package transform applies pixel transforms to decoded video frames. The
// color-remapping algorithm itself is supplied by the caller as a
// media.PixelTransform; this package provides the identity transform,
// chaining, and the resize step that may be fused after it.
package transform

import (
	"fmt"
	"image"
	"strings"

	xdraw "golang.org/x/image/draw"

	"github.com/zsiec/reframe/media"
)

// Identity returns its input unchanged.
var Identity media.PixelTransform = media.TransformFunc(func(pix []byte, w, h int, _ media.TransformConfig) ([]byte, int, int, error) {
	return pix, w, h, nil
})

// Chain runs transforms in order, feeding each the previous output.
type Chain []media.PixelTransform

func (c Chain) Transform(pix []byte, w, h int, cfg media.TransformConfig) ([]byte, int, int, error) {
	var err error
	for i, t := range c {
		if t == nil {
			continue
		}
		pix, w, h, err = t.Transform(pix, w, h, cfg)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("transform %d: %w", i, err)
		}
		if len(pix) < w*h*4 {
			return nil, 0, 0, fmt.Errorf("transform %d returned %d bytes for %dx%d", i, len(pix), w, h)
		}
	}
	return pix, w, h, nil
}

// Filter names accepted in TransformConfig.Params["filter"].
const (
	FilterNearest  = "nearest"
	FilterBilinear = "bilinear"
	FilterCatmull  = "catmullrom"
)

func scaler(name string) (xdraw.Scaler, error) {
	switch strings.ToLower(name) {
	case "", FilterNearest:
		return xdraw.NearestNeighbor, nil
	case FilterBilinear:
		return xdraw.BiLinear, nil
	case FilterCatmull:
		return xdraw.CatmullRom, nil
	default:
		return nil, fmt.Errorf("unknown resize filter %q", name)
	}
}

// Size returns the output dimensions for a w x h input under cfg. A zero
// target dimension follows the other one, keeping the aspect ratio.
func Size(w, h int, cfg media.TransformConfig) (int, int) {
	tw, th := cfg.Width, cfg.Height
	switch {
	case tw <= 0 && th <= 0:
		return w, h
	case th <= 0:
		th = max(1, (h*tw+w/2)/w)
	case tw <= 0:
		tw = max(1, (w*th+h/2)/h)
	}
	return tw, th
}

// Resize scales RGBA pixels to the dimensions requested by cfg.
var Resize media.PixelTransform = media.TransformFunc(resize)

func resize(pix []byte, w, h int, cfg media.TransformConfig) ([]byte, int, int, error) {
	tw, th := Size(w, h, cfg)
	if tw == w && th == h {
		return pix, w, h, nil
	}
	s, err := scaler(cfg.Params["filter"])
	if err != nil {
		return nil, 0, 0, err
	}
	src := &image.RGBA{Pix: pix, Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}
	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	s.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst.Pix, tw, th, nil
}

// Fuse returns t followed by a resize when cfg requests one.
func Fuse(t media.PixelTransform, cfg media.TransformConfig) media.PixelTransform {
	if t == nil {
		t = Identity
	}
	if cfg.Width <= 0 && cfg.Height <= 0 {
		return t
	}
	return Chain{t, Resize}
}

// Apply runs t over f in place. Frames without pixels, such as passed-through
// audio, are left untouched. The frame keeps its release hook.
func Apply(f *media.Frame, t media.PixelTransform, cfg media.TransformConfig) error {
	if f == nil || f.Kind != media.KindVideo || f.Pix == nil || t == nil {
		return nil
	}
	pix, w, h, err := t.Transform(f.Pix, f.Width, f.Height, cfg)
	if err != nil {
		return err
	}
	if w <= 0 || h <= 0 || len(pix) < w*h*4 {
		return fmt.Errorf("transform returned %d bytes for %dx%d", len(pix), w, h)
	}
	f.Pix, f.Width, f.Height = pix, w, h
	return nil
}
