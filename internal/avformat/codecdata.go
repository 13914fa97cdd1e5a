package avformat

import (
	"fmt"
	"strings"
	"time"

	"github.com/deepch/vdk/av"
	"github.com/deepch/vdk/codec"
	"github.com/deepch/vdk/codec/aacparser"
	"github.com/deepch/vdk/codec/h264parser"
	"github.com/deepch/vdk/codec/h265parser"
	"github.com/deepch/vdk/format/fmp4/timescale"

	"github.com/zsiec/reframe/media"
)

// Codec names used in media.CodecParams for streams read through vdk.
const (
	CodecH264 = "h264"
	CodecH265 = "h265"
	CodecAAC  = "aac"
	CodecOpus = "opus"

	CodecPCMMulaw = "pcm_mulaw"
	CodecPCMAlaw  = "pcm_alaw"
)

// videoScale is the tick rate used for video stream timebases.
const videoScale = 90_000

func codecName(t av.CodecType) string {
	switch t {
	case av.H264:
		return CodecH264
	case av.H265:
		return CodecH265
	case av.AAC:
		return CodecAAC
	case av.OPUS:
		return CodecOpus
	case av.PCM_MULAW:
		return CodecPCMMulaw
	case av.PCM_ALAW:
		return CodecPCMAlaw
	default:
		return strings.ToLower(t.String())
	}
}

// describe translates vdk codec data into a stream descriptor. Duration and
// frame count are filled in by the probe scan.
func describe(idx int, cd av.CodecData) media.StreamDescriptor {
	d := media.StreamDescriptor{
		Index:    idx,
		Params:   media.CodecParams{Codec: codecName(cd.Type())},
		Timebase: media.Timebase{Num: 1, Den: videoScale},
	}
	switch c := cd.(type) {
	case h264parser.CodecData:
		d.Params.Extradata = c.AVCDecoderConfRecordBytes()
	case h265parser.CodecData:
		d.Params.Extradata = c.AVCDecoderConfRecordBytes()
	case aacparser.CodecData:
		d.Params.Extradata = c.MPEG4AudioConfigBytes()
	}
	if v, ok := cd.(av.VideoCodecData); ok {
		d.Kind = media.KindVideo
		d.Params.Width = v.Width()
		d.Params.Height = v.Height()
	}
	if a, ok := cd.(av.AudioCodecData); ok {
		d.Kind = media.KindAudio
		d.Params.SampleRate = a.SampleRate()
		d.Params.Channels = a.ChannelLayout().Count()
		if d.Params.SampleRate > 0 {
			d.Timebase = media.Timebase{Num: 1, Den: int64(d.Params.SampleRate)}
		}
	}
	return d
}

// codecData rebuilds vdk codec data from stream parameters for a muxer.
func codecData(p media.CodecParams) (av.CodecData, error) {
	switch p.Codec {
	case CodecH264, CodecH265, CodecAAC:
		if len(p.Extradata) == 0 {
			return nil, fmt.Errorf("%w: %s stream has no codec configuration", media.ErrUnsupported, p.Codec)
		}
	}
	switch p.Codec {
	case CodecOpus:
		layout := av.CH_STEREO
		if p.Channels == 1 {
			layout = av.CH_MONO
		}
		return codec.NewOpusCodecData(48_000, layout), nil
	case CodecPCMMulaw:
		return codec.NewPCMMulawCodecData(), nil
	case CodecPCMAlaw:
		return codec.NewPCMAlawCodecData(), nil
	case CodecH264:
		return h264parser.NewCodecDataFromAVCDecoderConfRecord(p.Extradata)
	case CodecH265:
		return h265parser.NewCodecDataFromAVCDecoderConfRecord(p.Extradata)
	case CodecAAC:
		return aacparser.NewCodecDataFromMPEG4AudioConfigBytes(p.Extradata)
	default:
		return nil, fmt.Errorf("%w: cannot mux codec %q", media.ErrUnsupported, p.Codec)
	}
}

// ticks converts a vdk duration to ticks of a 1/scale timebase.
func ticks(d time.Duration, scale int64) int64 {
	if d < 0 {
		return -int64(timescale.ToScale(-d, uint32(scale)))
	}
	return int64(timescale.ToScale(d, uint32(scale)))
}

// duration converts ticks of tb back to a vdk duration.
func duration(ts int64, tb media.Timebase) time.Duration {
	return time.Duration(tb.ToMicros(ts)) * time.Microsecond
}
