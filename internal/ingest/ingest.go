// Package ingest drives one demuxer across a set of routed streams, decoding
// packets into per-stream frame targets. It handles end of stream according
// to an explicit mode, throttles itself while any target is full, and
// executes seek requests inside its own goroutine so a decoder never sees two
// overlapping flush/reset sequences.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/reframe/media"
)

// ErrStopped is returned by Seek when the stage is no longer running.
var ErrStopped = errors.New("ingest: stopped")

// EOFMode selects what the stage does when the container is exhausted.
type EOFMode int

const (
	// EOFStop flushes every decoder, finishes every target and returns.
	EOFStop EOFMode = iota
	// EOFLoop waits for targets to drain, then restarts from time zero.
	EOFLoop
	// EOFHold finishes every target and waits for a seek or cancellation.
	EOFHold
)

func (m EOFMode) String() string {
	switch m {
	case EOFStop:
		return "stop"
	case EOFLoop:
		return "loop"
	case EOFHold:
		return "hold"
	default:
		return fmt.Sprintf("EOFMode(%d)", int(m))
	}
}

// DefaultThrottle is how long the stage sleeps while a target is full.
const DefaultThrottle = 5 * time.Millisecond

// Target receives the decoded frames of one stream. Both the playback frame
// buffer and the export frame queue satisfy it.
type Target interface {
	media.FrameSink
	// Full reports that the stage should stop reading until the consumer
	// catches up.
	Full() bool
	// Len is the number of frames waiting in the target.
	Len() int
	// Clear releases everything buffered.
	Clear()
	// Finish marks end of stream.
	Finish()
}

// Route binds one container stream to the decoder built for it and the
// target that receives its frames.
type Route struct {
	Stream     media.StreamDescriptor
	NewDecoder media.DecoderFactory
	Target     Target
}

// Config tunes a Stage.
type Config struct {
	Mode     EOFMode
	Throttle time.Duration
	// OnRestart runs after a loop restart has repositioned the demuxer and
	// cleared every target. The supervisor resets presentation clocks here.
	OnRestart func()
	// OnProgress reports bytes consumed when the demuxer supports it.
	OnProgress func(pos, size int64)
}

// Stats captures ingest counters, exposed for diagnostics.
type Stats struct {
	Packets      int64 `json:"packets"`
	Ignored      int64 `json:"ignored"`
	DecodeErrors int64 `json:"decodeErrors"`
	Skipped      int64 `json:"skipped"`
	Loops        int64 `json:"loops"`
	Seeks        int64 `json:"seeks"`
}

const noFloor = math.MinInt64

// route is the stage-owned state of one Route. The decoder pushes into the
// route, which drops frames below the accurate-seek floor before they reach
// the target.
type route struct {
	Route
	dec     media.Decoder
	floor   atomic.Int64
	skipped *atomic.Int64
}

func (r *route) Push(f *media.Frame) {
	if f == nil {
		return
	}
	if f.PTS < r.floor.Load() {
		r.skipped.Add(1)
		f.Release()
		return
	}
	r.Target.Push(f)
}

type seekRequest struct {
	target time.Duration
	done   chan error
}

// Stage reads packets from a demuxer and routes them to decoders. Run must be
// called exactly once; Close releases the decoders after Run has returned.
type Stage struct {
	log    *slog.Logger
	cfg    Config
	demux  media.Demuxer
	routes []*route
	byIdx  map[int]*route

	seekCh  chan seekRequest
	done    chan struct{}
	running atomic.Bool

	closeOnce sync.Once

	packets      atomic.Int64
	ignored      atomic.Int64
	decodeErrors atomic.Int64
	skipped      atomic.Int64
	loops        atomic.Int64
	seeks        atomic.Int64
}

// New builds a decoder for every route and configures it. If any decoder
// cannot be built or configured, the ones already built are closed and the
// error is returned. If log is nil, slog.Default() is used.
func New(demux media.Demuxer, routes []Route, cfg Config, log *slog.Logger) (*Stage, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultThrottle
	}
	s := &Stage{
		log:    log.With("component", "ingest", "mode", cfg.Mode.String()),
		cfg:    cfg,
		demux:  demux,
		byIdx:  make(map[int]*route, len(routes)),
		seekCh: make(chan seekRequest),
		done:   make(chan struct{}),
	}
	for _, rt := range routes {
		r := &route{Route: rt, skipped: &s.skipped}
		r.floor.Store(noFloor)
		dec, err := rt.NewDecoder(rt.Stream, r)
		if err != nil {
			s.closeDecoders()
			return nil, &media.StageError{Stage: "decode", Stream: rt.Stream.Index, Err: err}
		}
		r.dec = dec
		s.routes = append(s.routes, r)
		s.byIdx[rt.Stream.Index] = r
		if err := dec.Configure(rt.Stream.Params); err != nil {
			s.closeDecoders()
			return nil, &media.StageError{Stage: "configure decoder", Stream: rt.Stream.Index, Err: err}
		}
	}
	return s, nil
}

// Done is closed when Run returns.
func (s *Stage) Done() <-chan struct{} {
	return s.done
}

// Stats returns a snapshot of the ingest counters.
func (s *Stage) Stats() Stats {
	return Stats{
		Packets:      s.packets.Load(),
		Ignored:      s.ignored.Load(),
		DecodeErrors: s.decodeErrors.Load(),
		Skipped:      s.skipped.Load(),
		Loops:        s.loops.Load(),
		Seeks:        s.seeks.Load(),
	}
}

// Run reads and decodes until the container ends (EOFStop), ctx is done, or a
// demuxer error occurs. Demuxer errors are fatal and returned; packets that
// fail to decode are logged and skipped.
func (s *Stage) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("ingest: already running")
	}
	defer close(s.done)

	sinceRestart := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.seekCh:
			if err := s.serveSeek(req); err != nil {
				return err
			}
			sinceRestart = 0
			continue
		default:
		}

		if s.throttled() {
			if err := s.wait(ctx, s.cfg.Throttle); err != nil {
				return err
			}
			continue
		}

		pkt, err := s.demux.ReadPacket()
		if errors.Is(err, io.EOF) {
			s.flushAll()
			switch {
			case s.cfg.Mode == EOFStop:
				s.finishAll()
				s.log.Debug("end of stream", "packets", s.packets.Load())
				return nil
			case s.cfg.Mode == EOFLoop && sinceRestart > 0:
				if err := s.loop(ctx); err != nil {
					return err
				}
			default:
				// Hold, or a loop over a container that yielded nothing.
				s.finishAll()
				if err := s.wait(ctx, 0); err != nil {
					return err
				}
			}
			sinceRestart = 0
			continue
		}
		if err != nil {
			return &media.StageError{Stage: "demux", Stream: -1, Err: err}
		}
		sinceRestart++
		s.dispatch(pkt)
		s.reportProgress()
	}
}

func (s *Stage) dispatch(pkt *media.Packet) {
	r, ok := s.byIdx[pkt.StreamIndex]
	if !ok {
		s.ignored.Add(1)
		return
	}
	s.packets.Add(1)
	if err := r.dec.Decode(pkt); err != nil {
		n := s.decodeErrors.Add(1)
		s.log.Warn("packet decode failed, skipping",
			"stream", pkt.StreamIndex, "pts", pkt.PTS, "errors", n, "error", err)
	}
}

func (s *Stage) reportProgress() {
	if s.cfg.OnProgress == nil {
		return
	}
	if bp, ok := s.demux.(media.ByteProgress); ok {
		s.cfg.OnProgress(bp.BytesRead())
	}
}

func (s *Stage) throttled() bool {
	for _, r := range s.routes {
		if r.Target.Full() {
			return true
		}
	}
	return false
}

// wait sleeps for d, or until a seek request arrives or ctx is done. A zero
// d waits without a timeout.
func (s *Stage) wait(ctx context.Context, d time.Duration) error {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case req := <-s.seekCh:
		return s.serveSeek(req)
	case <-timeout:
		return nil
	}
}

// loop waits for the targets to drain the tail of the stream, then restarts
// from time zero. A seek arriving in the meantime replaces the restart.
func (s *Stage) loop(ctx context.Context) error {
	s.finishAll()
	for !s.drained() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-s.seekCh:
			return s.serveSeek(req)
		case <-time.After(s.cfg.Throttle):
		}
	}

	if err := s.demux.Seek(-1, 0, true); err != nil {
		return &media.StageError{Stage: "demux", Stream: -1, Err: fmt.Errorf("loop restart: %w", err)}
	}
	if err := s.resetDecoders(noFloor); err != nil {
		return err
	}
	n := s.loops.Add(1)
	if s.cfg.OnRestart != nil {
		s.cfg.OnRestart()
	}
	s.log.Debug("looped to start", "loops", n)
	return nil
}

func (s *Stage) drained() bool {
	for _, r := range s.routes {
		if r.Target.Len() > 0 {
			return false
		}
	}
	return true
}

// Seek asks the running stage to reposition to target. It returns once the
// demuxer has been repositioned and every decoder and target reset. Frames
// decoded before target are dropped so the first frame delivered is the first
// at or after target.
func (s *Stage) Seek(ctx context.Context, target time.Duration) error {
	req := seekRequest{target: target, done: make(chan error, 1)}
	select {
	case s.seekCh <- req:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveSeek runs a seek request on the ingest goroutine. An unsupported seek
// is reported to the requester only; any other failure is also fatal to Run.
func (s *Stage) serveSeek(req seekRequest) error {
	err := s.seekTo(req.target)
	req.done <- err
	if err != nil && !errors.Is(err, media.ErrSeekUnsupported) {
		return err
	}
	return nil
}

func (s *Stage) seekTo(target time.Duration) error {
	if target < 0 {
		target = 0
	}
	ref := s.referenceStream()
	ts := ref.Timebase.FromDuration(target)
	if err := s.demux.Seek(ref.Index, ts, true); err != nil {
		if errors.Is(err, media.ErrSeekUnsupported) {
			return err
		}
		return &media.StageError{Stage: "seek", Stream: ref.Index, Err: err}
	}
	if err := s.resetDecoders(target.Microseconds()); err != nil {
		return err
	}
	n := s.seeks.Add(1)
	s.log.Debug("seeked", "target", target, "stream", ref.Index, "ts", ts, "seeks", n)
	return nil
}

// referenceStream is the stream whose timebase a seek target is expressed in:
// the first routed video stream, else the first routed stream.
func (s *Stage) referenceStream() media.StreamDescriptor {
	for _, r := range s.routes {
		if r.Stream.Kind == media.KindVideo {
			return r.Stream
		}
	}
	if len(s.routes) > 0 {
		return s.routes[0].Stream
	}
	return media.StreamDescriptor{Index: -1, Timebase: media.MicrosecondTimebase}
}

// resetDecoders flushes held frames into the void, clears every target, and
// reconfigures every decoder. floor is the PTS below which new frames are
// dropped.
func (s *Stage) resetDecoders(floor int64) error {
	for _, r := range s.routes {
		r.floor.Store(math.MaxInt64)
		if err := r.dec.Flush(); err != nil {
			s.log.Warn("decoder flush failed", "stream", r.Stream.Index, "error", err)
		}
		r.Target.Clear()
		if err := r.dec.Reset(); err != nil {
			return &media.StageError{Stage: "reset decoder", Stream: r.Stream.Index, Err: err}
		}
		if err := r.dec.Configure(r.Stream.Params); err != nil {
			return &media.StageError{Stage: "configure decoder", Stream: r.Stream.Index, Err: err}
		}
		r.floor.Store(floor)
	}
	return nil
}

func (s *Stage) flushAll() {
	for _, r := range s.routes {
		if err := r.dec.Flush(); err != nil {
			s.log.Warn("decoder flush failed", "stream", r.Stream.Index, "error", err)
		}
	}
}

func (s *Stage) finishAll() {
	for _, r := range s.routes {
		r.Target.Finish()
	}
}

// Close clears every target and closes every decoder. It must only be called
// once Run has returned, or when Run was never started. Close is idempotent.
func (s *Stage) Close() {
	s.closeOnce.Do(func() {
		for _, r := range s.routes {
			r.floor.Store(math.MaxInt64)
			r.Target.Clear()
		}
		s.closeDecoders()
	})
}

func (s *Stage) closeDecoders() {
	for _, r := range s.routes {
		if r.dec == nil {
			continue
		}
		if err := r.dec.Close(); err != nil {
			s.log.Debug("decoder close failed", "stream", r.Stream.Index, "error", err)
		}
	}
}
