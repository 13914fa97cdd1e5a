// Package transcode exports a transformed copy of a container. Every selected
// stream gets its own decode -> transform -> encode lane running
// concurrently; one demux loop feeds all decoders and one mux loop merges the
// encoded chunks of every lane into the output container. Progress is
// reported through a weighted multi-stage model.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reframe/internal/channel"
	"github.com/zsiec/reframe/internal/codec"
	"github.com/zsiec/reframe/internal/config"
	"github.com/zsiec/reframe/internal/ingest"
	"github.com/zsiec/reframe/internal/passthrough"
	"github.com/zsiec/reframe/internal/progress"
	"github.com/zsiec/reframe/internal/transform"
	"github.com/zsiec/reframe/media"
)

// Config parameterizes one export.
type Config struct {
	// Output is the destination path. When empty the result carries the
	// container bytes instead.
	Output string
	// Format names the output container. Empty picks it from Output's
	// extension, then from the source's.
	Format string
	// VideoCodec is the output video codec. Empty mirrors the input codec.
	VideoCodec string
	// Quantizer is passed to the encoder with every video frame.
	Quantizer int
	// QueueFrames bounds the decoded frames waiting per stream.
	QueueFrames int
	// CopyUnsupported passes streams that cannot be transcoded through as
	// coded packets instead of dropping them.
	CopyUnsupported bool
	// Transform remaps video pixels; nil is the identity.
	Transform       media.PixelTransform
	TransformConfig media.TransformConfig
	// TempDir holds the scratch file when Output is empty.
	TempDir string
	Stages  progress.Ranges
	// Throttle is how long the demux loop sleeps while a lane is full.
	Throttle time.Duration
}

// FromConfig returns export settings from the engine configuration.
func FromConfig(c config.ExportConfig) Config {
	tc := media.TransformConfig{Width: c.Resize.Width, Height: c.Resize.Height}
	if c.Resize.Filter != "" {
		tc.Params = map[string]string{"filter": c.Resize.Filter}
	}
	return Config{
		Format:          c.Format,
		VideoCodec:      c.VideoCodec,
		Quantizer:       c.Quantizer,
		QueueFrames:     c.QueueFrames,
		CopyUnsupported: c.CopyUnsupported,
		TransformConfig: tc,
		TempDir:         c.TempDir,
		Stages:          c.Stages,
	}
}

func (c *Config) setDefaults() {
	if c.QueueFrames <= 0 {
		c.QueueFrames = media.DefaultExportQueueFrames
	}
	if c.Stages == (progress.Ranges{}) {
		c.Stages = progress.DefaultRanges()
	}
	if c.Transform == nil {
		c.Transform = transform.Identity
	}
}

// StreamResult describes one stream of the output.
type StreamResult struct {
	Index    int           `json:"index"`
	Kind     string        `json:"kind"`
	Codec    string        `json:"codec"`
	Mode     string        `json:"mode"`
	Packets  int64         `json:"packets"`
	Duration time.Duration `json:"duration"`
}

// Result describes a finished export.
type Result struct {
	JobID  string `json:"jobId"`
	Format string `json:"format"`
	// Output is the written path, empty when Data holds the container.
	Output   string         `json:"output,omitempty"`
	Data     []byte         `json:"-"`
	Duration time.Duration  `json:"duration"`
	Streams  []StreamResult `json:"streams"`
	// Dropped lists input streams left out of the output.
	Dropped []int         `json:"dropped,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

type job struct {
	id  string
	log *slog.Logger
	rt  *codec.Runtime
	src media.Source
	cfg Config
	rep *progress.Reporter

	// ref drives encode progress.
	ref   *lane
	total int64
	// encoding counts lanes still encoding; produced counts chunks their
	// encoders emitted. Mux progress is the share of produced chunks written
	// once encoding is over.
	encoding atomic.Int32
	produced atomic.Int64
	muxed    int64
}

// Shares of the mux stage: packet writes, then the trailer, then the commit.
const (
	muxWriteShare = 0.8
	muxTrailer    = 0.9
	muxFinalize   = 0.95
)

// Run exports src. onProgress, which may be nil, receives non-decreasing
// percentages from 0 to exactly 100. Setup failures (no usable stream, a
// codec rejecting its configuration) are returned before any output is
// created. On any failure the partial output is removed. If log is nil,
// slog.Default() is used.
func Run(ctx context.Context, rt *codec.Runtime, src media.Source, cfg Config, onProgress progress.Func, log *slog.Logger) (*Result, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.setDefaults()
	if err := cfg.Stages.Validate(); err != nil {
		return nil, err
	}
	j := &job{
		id:  uuid.NewString(),
		rt:  rt,
		src: src,
		cfg: cfg,
		rep: progress.New(onProgress, cfg.Stages),
	}
	j.log = log.With("component", "transcode", "job", j.id, "source", src.Name())
	return j.run(ctx)
}

func (j *job) run(ctx context.Context) (*Result, error) {
	start := time.Now()
	j.rep.Stage(progress.StageInit, 0)

	demux, err := j.rt.Open(j.src)
	if err != nil {
		return nil, err
	}
	defer demux.Close()

	streams := demux.Streams()
	total := probeDuration(streams)
	j.total = total
	if total <= 0 {
		j.log.Warn("duration unknown, encode progress held until done")
	}
	j.rep.Stage(progress.StageInit, 1)

	j.rep.Stage(progress.StageSetup, 0)
	format, err := j.outputFormat()
	if err != nil {
		return nil, err
	}
	lanes, dropped, err := j.selectLanes(streams, format)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, l := range lanes {
			if err := l.close(); err != nil {
				j.log.Warn("encoder close failed", "stream", l.in.Index, "error", err)
			}
		}
	}()
	if err := j.configureEncoders(lanes); err != nil {
		return nil, err
	}

	routes := make([]ingest.Route, len(lanes))
	for i, l := range lanes {
		routes[i] = ingest.Route{Stream: l.in, NewDecoder: l.decode, Target: l.queue}
	}
	stage, err := ingest.New(demux, routes, ingest.Config{
		Mode:     ingest.EOFStop,
		Throttle: j.cfg.Throttle,
		OnProgress: func(pos, size int64) {
			j.rep.Stage(progress.StageDecode, progress.Fraction(pos, size))
		},
	}, j.log)
	if err != nil {
		return nil, err
	}
	defer stage.Close()
	j.rep.Stage(progress.StageSetup, 1)

	out, err := j.createOutput()
	if err != nil {
		return nil, err
	}
	mux, err := format.NewMuxer(out.f)
	if err != nil {
		out.discard()
		return nil, &media.StageError{Stage: "mux", Stream: -1, Err: err}
	}

	j.log.Info("export started",
		"format", format.Name(), "streams", len(lanes), "dropped", len(dropped), "duration", time.Duration(total)*time.Microsecond)

	j.ref = referenceLane(lanes)
	j.encoding.Store(int32(len(lanes)))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return stage.Run(gctx)
	})
	for _, l := range lanes {
		g.Go(func() error {
			return j.encodeLoop(gctx, l)
		})
	}
	g.Go(func() error {
		return j.muxLoop(gctx, mux, lanes)
	})

	if err := g.Wait(); err != nil {
		mux.Close()
		out.discard()
		j.log.Warn("export failed", "error", err)
		return nil, err
	}
	if err := mux.Close(); err != nil {
		out.discard()
		return nil, &media.StageError{Stage: "mux", Stream: -1, Err: err}
	}

	j.rep.Report(progress.StageMux, muxFinalize, progress.MsgFinalize)
	data, err := out.commit()
	if err != nil {
		return nil, err
	}
	res := j.result(format, lanes, dropped, data)
	res.Elapsed = time.Since(start)
	j.rep.Done()
	j.log.Info("export finished", "duration", res.Duration, "elapsed", res.Elapsed, "output", res.Output)
	return res, nil
}

// probeDuration is the longest stream duration, used only as the encode
// progress denominator. Zero leaves encode progress at its stage baseline.
func probeDuration(streams []media.StreamDescriptor) int64 {
	var total int64
	for _, s := range streams {
		total = max(total, s.Duration)
	}
	return total
}

func (j *job) outputFormat() (media.Format, error) {
	switch {
	case j.cfg.Format != "":
		return j.rt.Format(j.cfg.Format)
	case j.cfg.Output != "":
		return j.rt.FormatFor(j.cfg.Output)
	default:
		return j.rt.FormatFor(j.src.Name())
	}
}

func carries(f media.Format, codec string) bool {
	if cs, ok := f.(media.CodecSupporter); ok {
		return cs.SupportsCodec(codec)
	}
	return true
}

func (j *job) copyCodec() (media.DecoderFactory, media.EncoderFactory) {
	dec, ok := j.rt.Decoder(passthrough.Codec)
	if !ok {
		dec = passthrough.NewDecoder
	}
	enc, ok := j.rt.Encoder(passthrough.Codec)
	if !ok {
		enc = passthrough.NewEncoder
	}
	return dec, enc
}

// selectLanes decides per input stream whether it is transcoded, copied or
// dropped. Only a job with nothing to transcode, and nothing it was asked to
// copy, fails.
func (j *job) selectLanes(streams []media.StreamDescriptor, format media.Format) ([]*lane, []int, error) {
	copyDec, copyEnc := j.copyCodec()
	var (
		lanes   []*lane
		dropped []int
		encoded int
	)
	drop := func(s media.StreamDescriptor, reason string) {
		dropped = append(dropped, s.Index)
		j.log.Warn("dropping stream", "stream", s.Index, "kind", s.Kind, "codec", s.Params.Codec, "reason", reason)
	}
	for _, s := range streams {
		switch s.Kind {
		case media.KindVideo:
			outCodec := j.cfg.VideoCodec
			if outCodec == "" {
				outCodec = s.Params.Codec
			}
			dec, okDec := j.rt.Decoder(s.Params.Codec)
			enc, okEnc := j.rt.Encoder(outCodec)
			switch {
			case okDec && okEnc && carries(format, outCodec):
				l := newLane(s, laneEncode, dec, enc, j.cfg.QueueFrames)
				l.out = s
				w, h := transform.Size(s.Params.Width, s.Params.Height, j.cfg.TransformConfig)
				l.out.Params = media.CodecParams{Codec: outCodec, Width: w, Height: h}
				lanes = append(lanes, l)
				encoded++
			case j.cfg.CopyUnsupported && outCodec == s.Params.Codec && carries(format, s.Params.Codec):
				lanes = append(lanes, j.copyLane(s, copyDec, copyEnc))
			case !okDec:
				drop(s, "no decoder")
			case !okEnc:
				drop(s, "no encoder for "+outCodec)
			default:
				drop(s, format.Name()+" cannot carry "+outCodec)
			}
		case media.KindAudio:
			if carries(format, s.Params.Codec) {
				lanes = append(lanes, j.copyLane(s, copyDec, copyEnc))
			} else {
				drop(s, format.Name()+" cannot carry "+s.Params.Codec)
			}
		default:
			if j.cfg.CopyUnsupported && carries(format, s.Params.Codec) {
				lanes = append(lanes, j.copyLane(s, copyDec, copyEnc))
			} else {
				drop(s, "unknown stream kind")
			}
		}
	}
	if encoded == 0 && !(j.cfg.CopyUnsupported && len(lanes) > 0) {
		return nil, dropped, fmt.Errorf("%w: %s", media.ErrNoDecodableStream, filepath.Base(j.src.Name()))
	}
	return lanes, dropped, nil
}

func (j *job) copyLane(s media.StreamDescriptor, dec media.DecoderFactory, enc media.EncoderFactory) *lane {
	l := newLane(s, laneCopy, dec, enc, j.cfg.QueueFrames)
	l.out = s
	return l
}

// configureEncoders builds and configures every lane's encoder. Encoders
// built before a failure are closed by the lanes' cleanup.
func (j *job) configureEncoders(lanes []*lane) error {
	for _, l := range lanes {
		l.out.Timebase = media.MicrosecondTimebase
		chunks := l.chunks
		enc, err := l.encode(media.PacketSinkFunc(func(p *media.Packet) {
			j.produced.Add(1)
			chunks.Push(p)
		}))
		if err != nil {
			return &media.StageError{Stage: "encode", Stream: l.in.Index, Err: err}
		}
		l.enc = enc
		if err := enc.Configure(l.encoderConfig()); err != nil {
			return &media.StageError{Stage: "configure encoder", Stream: l.in.Index, Err: err}
		}
		j.log.Debug("lane ready", "stream", l.in.Index, "mode", l.mode, "codec", l.out.Params.Codec)
	}
	return nil
}

// encodeLoop drains one lane's decoded frames through the transform and the
// encoder. Every frame is released once encoded.
func (j *job) encodeLoop(ctx context.Context, l *lane) error {
	tr := transform.Fuse(j.cfg.Transform, j.cfg.TransformConfig)
	for {
		f, err := l.frames.Pull(ctx)
		if channel.IsEnd(err) {
			if err := l.enc.Flush(); err != nil {
				return &media.StageError{Stage: "encode", Stream: l.in.Index, Err: err}
			}
			j.encoding.Add(-1)
			l.chunks.End()
			return nil
		}
		if err != nil {
			return err
		}
		end := f.PTS + f.Duration
		err = j.encodeFrame(l, tr, f)
		f.Release()
		if err != nil {
			return err
		}
		if l == j.ref {
			j.rep.Stage(progress.StageEncode, progress.Fraction(end, j.total))
		}
	}
}

func (j *job) encodeFrame(l *lane, tr media.PixelTransform, f *media.Frame) error {
	opts := media.EncodeOptions{KeyFrame: l.encoded == 0}
	if l.mode == laneEncode {
		if err := transform.Apply(f, tr, j.cfg.TransformConfig); err != nil {
			return &media.StageError{Stage: "transform", Stream: l.in.Index, Err: err}
		}
		if err := j.fitEncoder(l, f); err != nil {
			return err
		}
		opts.Quantizer = j.cfg.Quantizer
	}
	if err := l.enc.Encode(f, opts); err != nil {
		return &media.StageError{Stage: "encode", Stream: l.in.Index, Err: err}
	}
	l.encoded++
	return nil
}

// fitEncoder sizes the output after the first transformed frame, which may
// differ from the size predicted at setup. The encoder is reconfigured before
// it emits anything, so the header the mux loop writes carries the real size.
// Every later frame must match it.
func (j *job) fitEncoder(l *lane, f *media.Frame) error {
	p := &l.out.Params
	if f.Width == p.Width && f.Height == p.Height {
		return nil
	}
	if l.encoded > 0 {
		return &media.StageError{Stage: "transform", Stream: l.in.Index,
			Err: fmt.Errorf("frame at %d is %dx%d, output is %dx%d", f.PTS, f.Width, f.Height, p.Width, p.Height)}
	}
	j.log.Debug("output size follows transform", "stream", l.in.Index,
		"predicted", fmt.Sprintf("%dx%d", p.Width, p.Height), "actual", fmt.Sprintf("%dx%d", f.Width, f.Height))
	p.Width, p.Height = f.Width, f.Height
	if err := l.enc.Configure(l.encoderConfig()); err != nil {
		return &media.StageError{Stage: "configure encoder", Stream: l.in.Index, Err: err}
	}
	return nil
}

// muxLoop waits for the starter chunk of every lane, writes the header and
// the starters, then merges the lanes by decode timestamp until all of them
// end. A lane that ends without any chunk is left out of the output.
func (j *job) muxLoop(ctx context.Context, mux media.Muxer, lanes []*lane) error {
	heads := make([]*media.Packet, len(lanes))
	var (
		header []media.StreamDescriptor
		live   []int
	)
	for i, l := range lanes {
		p, err := l.chunks.Pull(ctx)
		if channel.IsEnd(err) {
			j.log.Warn("stream produced no output, dropping", "stream", l.in.Index)
			continue
		}
		if err != nil {
			return err
		}
		if len(p.Extradata) > 0 {
			l.out.Params.Extradata = p.Extradata
		}
		heads[i] = p
		header = append(header, l.out)
		live = append(live, i)
	}
	if len(live) == 0 {
		return fmt.Errorf("%w: no stream produced output", media.ErrNoDecodableStream)
	}
	if err := mux.WriteHeader(header); err != nil {
		return wrapMux(err, "mux header")
	}

	write := func(i int) error {
		p, l := heads[i], lanes[i]
		heads[i] = nil
		if err := mux.WritePacket(p); err != nil {
			return wrapMux(err, "mux", l.in.Index)
		}
		if l.written == 0 {
			l.start = p.PTS
		}
		l.written++
		l.end = max(l.end, p.PTS+p.Duration)
		j.muxed++
		if j.encoding.Load() == 0 {
			j.rep.Stage(progress.StageMux, muxWriteShare*progress.Fraction(j.muxed, j.produced.Load()))
		}
		return nil
	}
	for _, i := range live {
		if err := write(i); err != nil {
			return err
		}
	}

	for {
		for k := 0; k < len(live); {
			i := live[k]
			if heads[i] == nil {
				p, err := lanes[i].chunks.Pull(ctx)
				if channel.IsEnd(err) {
					live = append(live[:k], live[k+1:]...)
					continue
				}
				if err != nil {
					return err
				}
				heads[i] = p
			}
			k++
		}
		if len(live) == 0 {
			break
		}
		next := live[0]
		for _, i := range live[1:] {
			if heads[i].DTS < heads[next].DTS {
				next = i
			}
		}
		if err := write(next); err != nil {
			return err
		}
	}

	if err := mux.WriteTrailer(); err != nil {
		return wrapMux(err, "mux trailer")
	}
	j.rep.Stage(progress.StageMux, muxTrailer)
	return nil
}

func wrapMux(err error, stage string, stream ...int) error {
	var se *media.StageError
	if errors.As(err, &se) {
		return err
	}
	idx := -1
	if len(stream) > 0 {
		idx = stream[0]
	}
	return &media.StageError{Stage: stage, Stream: idx, Err: err}
}

// referenceLane drives encode progress: the first transcoded video lane,
// else the first lane.
func referenceLane(lanes []*lane) *lane {
	for _, l := range lanes {
		if l.mode == laneEncode {
			return l
		}
	}
	if len(lanes) > 0 {
		return lanes[0]
	}
	return nil
}

func (j *job) result(format media.Format, lanes []*lane, dropped []int, data []byte) *Result {
	res := &Result{
		JobID:   j.id,
		Format:  format.Name(),
		Output:  j.cfg.Output,
		Data:    data,
		Dropped: dropped,
	}
	for _, l := range lanes {
		if l.written == 0 {
			res.Dropped = append(res.Dropped, l.in.Index)
			continue
		}
		d := time.Duration(l.end-l.start) * time.Microsecond
		res.Duration = max(res.Duration, d)
		res.Streams = append(res.Streams, StreamResult{
			Index:    l.in.Index,
			Kind:     l.in.Kind.String(),
			Codec:    l.out.Params.Codec,
			Mode:     l.mode.String(),
			Packets:  l.written,
			Duration: d,
		})
	}
	return res
}

// output is the scratch file an export writes into. It only becomes visible
// at its final path through commit.
type output struct {
	f     *os.File
	final string
}

func (j *job) createOutput() (*output, error) {
	dir, pattern := j.cfg.TempDir, ".reframe-"+j.id+"-*"
	if j.cfg.Output != "" {
		// Beside the destination so the final rename stays on one filesystem.
		dir = filepath.Dir(j.cfg.Output)
		pattern = "." + filepath.Base(j.cfg.Output) + ".*.tmp"
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	return &output{f: f, final: j.cfg.Output}, nil
}

// commit moves the scratch file into place, or reads it back and removes it
// when there is no destination.
func (o *output) commit() ([]byte, error) {
	name := o.f.Name()
	if err := o.f.Sync(); err != nil {
		o.discard()
		return nil, fmt.Errorf("sync output: %w", err)
	}
	if err := o.f.Close(); err != nil {
		os.Remove(name)
		return nil, fmt.Errorf("close output: %w", err)
	}
	if o.final == "" {
		defer os.Remove(name)
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read output: %w", err)
		}
		return data, nil
	}
	if err := os.Rename(name, o.final); err != nil {
		os.Remove(name)
		return nil, fmt.Errorf("rename output: %w", err)
	}
	return nil, nil
}

func (o *output) discard() {
	o.f.Close()
	os.Remove(o.f.Name())
}
