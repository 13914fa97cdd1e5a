// Package media defines the boundary types that flow through the reframe
// pipeline engine, from container demuxing through decoding, transformation,
// encoding and multiplexing, plus the capability interfaces that container
// and codec backends implement.
package media

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Queue sizes used when a caller does not configure its own. Sized to absorb
// decode jitter without excessive memory: ~2 seconds of 30fps video.
const (
	DefaultFrameBufferSize   = 60
	DefaultExportQueueFrames = 16
)

// Kind identifies the media type carried by a stream.
type Kind int

// Stream kinds.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Timebase is a rational time unit: one tick lasts Num/Den seconds.
type Timebase struct {
	Num int64
	Den int64
}

// MicrosecondTimebase is the normalized timebase used for decoded frames.
var MicrosecondTimebase = Timebase{Num: 1, Den: 1_000_000}

// Valid reports whether both terms are positive.
func (tb Timebase) Valid() bool {
	return tb.Num > 0 && tb.Den > 0
}

// ToMicros converts ts ticks in this timebase to microseconds, rounding to
// the nearest microsecond.
func (tb Timebase) ToMicros(ts int64) int64 {
	if !tb.Valid() {
		return ts
	}
	return rescale(ts, tb.Num*1_000_000, tb.Den)
}

// FromMicros converts microseconds to ticks in this timebase.
func (tb Timebase) FromMicros(us int64) int64 {
	if !tb.Valid() {
		return us
	}
	return rescale(us, tb.Den, tb.Num*1_000_000)
}

// FromDuration converts d to ticks in this timebase.
func (tb Timebase) FromDuration(d time.Duration) int64 {
	return tb.FromMicros(d.Microseconds())
}

func (tb Timebase) String() string {
	return fmt.Sprintf("%d/%d", tb.Num, tb.Den)
}

// rescale computes v*num/den rounded half away from zero.
func rescale(v, num, den int64) int64 {
	p := v * num
	if p >= 0 {
		return (p + den/2) / den
	}
	return (p - den/2) / den
}

// CodecParams carries what a decoder or muxer needs to interpret a stream.
// Extradata holds the codec configuration record (AVCDecoderConfigurationRecord,
// AudioSpecificConfig, GIF global palette, ...) as produced by the backend.
type CodecParams struct {
	Codec      string
	Width      int
	Height     int
	SampleRate int
	Channels   int
	Extradata  []byte
}

// StreamDescriptor is immutable per-stream metadata probed once when a
// container is opened.
type StreamDescriptor struct {
	Index    int
	Kind     Kind
	Params   CodecParams
	Timebase Timebase
	// Duration of the stream in microseconds, 0 if unknown.
	Duration int64
	// Frames is the number of coded packets seen while probing, 0 if unknown.
	Frames int64
}

// DurationTime returns Duration as a time.Duration.
func (d StreamDescriptor) DurationTime() time.Duration {
	return time.Duration(d.Duration) * time.Microsecond
}

// Packet is a compressed unit. Demuxers produce packets with PTS/Duration in
// the stream's timebase; encoders produce packets ("encoded chunks") with
// PTS/Duration in microseconds.
type Packet struct {
	StreamIndex int
	PTS         int64
	DTS         int64
	Duration    int64
	KeyFrame    bool
	Data        []byte
	// Extradata is set by encoders on the first chunk of a stream when the
	// codec configuration is only known after encoding starts.
	Extradata []byte
}

// Frame is an uncompressed video or audio unit. PTS and Duration are in
// microseconds. Video frames carry tightly packed RGBA pixels (stride
// 4*Width). Streams passed through untouched carry their coded packet in
// Coded instead of samples.
//
// A Frame is owned by exactly one stage at a time; ownership moves when it is
// pushed to a channel or buffer. Every owner must eventually call Release.
type Frame struct {
	Kind        Kind
	StreamIndex int
	PTS         int64
	Duration    int64
	KeyFrame    bool

	Width  int
	Height int
	Pix    []byte

	Coded *Packet

	release  func()
	released atomic.Bool
}

// NewVideoFrame returns an RGBA video frame. release, if non-nil, runs once
// when the frame is released and should return the pixel buffer to its pool.
func NewVideoFrame(pts, duration int64, width, height int, pix []byte, release func()) *Frame {
	return &Frame{
		Kind:     KindVideo,
		PTS:      pts,
		Duration: duration,
		Width:    width,
		Height:   height,
		Pix:      pix,
		release:  release,
	}
}

// Release returns the frame's native resources. It is safe to call more than
// once and on a nil frame.
func (f *Frame) Release() {
	if f == nil || !f.released.CompareAndSwap(false, true) {
		return
	}
	if f.release != nil {
		f.release()
	}
	f.Pix = nil
	f.Coded = nil
}

// Released reports whether Release has been called.
func (f *Frame) Released() bool {
	return f != nil && f.released.Load()
}

// SetRelease replaces the frame's release hook. Used by stages that wrap a
// frame's buffer (a transform producing a new pixel buffer keeps the
// original's pool semantics).
func (f *Frame) SetRelease(release func()) {
	f.release = release
}

// PTSTime returns PTS as a time.Duration.
func (f *Frame) PTSTime() time.Duration {
	return time.Duration(f.PTS) * time.Microsecond
}

// MediaDescriptor summarizes a loaded source for the UI layer.
type MediaDescriptor struct {
	CanPlay    bool
	CanPause   bool
	CanSeek    bool
	Width      int
	Height     int
	DurationMs int64
}
