// Package codec holds the codec runtime: the registry of container formats,
// decoders and encoders a pipeline may use. A Runtime is created through an
// explicit initialization step so every pipeline works against a ready
// capability object instead of lazily built globals.
package codec

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zsiec/reframe/internal/avformat"
	"github.com/zsiec/reframe/internal/gifcodec"
	"github.com/zsiec/reframe/internal/passthrough"
	"github.com/zsiec/reframe/media"
)

// Runtime maps format names, file extensions and codec names to backends.
// It is safe for concurrent use.
type Runtime struct {
	mu       sync.RWMutex
	formats  map[string]media.Format
	byExt    map[string]media.Format
	decoders map[string]media.DecoderFactory
	encoders map[string]media.EncoderFactory
}

// NewRuntime returns an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		formats:  make(map[string]media.Format),
		byExt:    make(map[string]media.Format),
		decoders: make(map[string]media.DecoderFactory),
		encoders: make(map[string]media.EncoderFactory),
	}
}

// NewDefault returns a runtime with every built-in backend registered: MP4
// and MPEG-TS containers, animated GIF, and the copy codec. Video codecs
// carried by MP4/TS (H.264, H.265) have no built-in decoder; callers with a
// hardware or native codec register it with RegisterDecoder.
func NewDefault() *Runtime {
	r := NewRuntime()
	r.RegisterFormat(avformat.MP4)
	r.RegisterFormat(avformat.TS)
	r.RegisterFormat(gifcodec.Format{})
	r.RegisterDecoder(gifcodec.Codec, gifcodec.NewDecoder)
	r.RegisterEncoder(gifcodec.Codec, gifcodec.NewEncoder)
	r.RegisterDecoder(passthrough.Codec, passthrough.NewDecoder)
	r.RegisterEncoder(passthrough.Codec, passthrough.NewEncoder)
	return r
}

// RegisterFormat adds f under its name and extensions, replacing earlier
// registrations.
func (r *Runtime) RegisterFormat(f media.Format) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formats[strings.ToLower(f.Name())] = f
	for _, ext := range f.Extensions() {
		r.byExt[strings.ToLower(ext)] = f
	}
}

// RegisterDecoder adds a decoder factory for codec.
func (r *Runtime) RegisterDecoder(codec string, f media.DecoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[codec] = f
}

// RegisterEncoder adds an encoder factory for codec.
func (r *Runtime) RegisterEncoder(codec string, f media.EncoderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.encoders[codec] = f
}

// Format returns the format registered as name.
func (r *Runtime) Format(name string) (media.Format, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.formats[strings.ToLower(name)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: format %q", media.ErrUnsupported, name)
}

// FormatFor picks a format from the extension of path.
func (r *Runtime) FormatFor(path string) (media.Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.byExt[ext]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: no format for %q", media.ErrUnsupported, filepath.Base(path))
}

// Formats returns the registered format names, sorted.
func (r *Runtime) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.formats))
	for n := range r.formats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Decoder returns the decoder factory for codec.
func (r *Runtime) Decoder(codec string) (media.DecoderFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.decoders[codec]
	return f, ok
}

// Encoder returns the encoder factory for codec.
func (r *Runtime) Encoder(codec string) (media.EncoderFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.encoders[codec]
	return f, ok
}

// Open opens src and demuxes it with the format matching its name. Closing
// the returned demuxer also closes the source.
func (r *Runtime) Open(src media.Source) (media.Demuxer, error) {
	f, err := r.FormatFor(src.Name())
	if err != nil {
		return nil, err
	}
	rc, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src.Name(), err)
	}
	d, err := f.OpenDemuxer(rc)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("open %s as %s: %w", filepath.Base(src.Name()), f.Name(), err)
	}
	if bp, ok := d.(media.ByteProgress); ok {
		return &progressDemuxer{ownedDemuxer{Demuxer: d, src: rc}, bp}, nil
	}
	return &ownedDemuxer{Demuxer: d, src: rc}, nil
}

// ownedDemuxer closes its source after the demuxer.
type ownedDemuxer struct {
	media.Demuxer
	src  io.Closer
	once sync.Once
	err  error
}

func (d *ownedDemuxer) Close() error {
	d.once.Do(func() {
		d.err = errors.Join(d.Demuxer.Close(), d.src.Close())
	})
	return d.err
}

type progressDemuxer struct {
	ownedDemuxer
	bp media.ByteProgress
}

func (d *progressDemuxer) BytesRead() (pos, size int64) {
	return d.bp.BytesRead()
}
