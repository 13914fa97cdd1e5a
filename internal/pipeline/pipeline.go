// Package pipeline is the supervisor behind the public playback and export
// API. A Supervisor owns at most one playback session at a time: the
// demuxer, the ingest stage feeding one frame buffer per video stream, the
// playback loops presenting those buffers, and the seek controller
// coordinating them. Exports run as independent jobs with their own handles.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reframe/internal/codec"
	"github.com/zsiec/reframe/internal/config"
	"github.com/zsiec/reframe/internal/framebuf"
	"github.com/zsiec/reframe/internal/ingest"
	"github.com/zsiec/reframe/internal/playback"
	"github.com/zsiec/reframe/internal/progress"
	"github.com/zsiec/reframe/internal/seek"
	"github.com/zsiec/reframe/internal/stream"
	"github.com/zsiec/reframe/internal/transcode"
	"github.com/zsiec/reframe/media"
)

var (
	// ErrDisposed is returned by operations attempted after Dispose.
	ErrDisposed = errors.New("pipeline: disposed")
	// ErrNotLoaded is returned by Seek and Export when nothing is loaded.
	ErrNotLoaded = errors.New("pipeline: nothing loaded")
	// ErrSourceBusy is returned by Load when another supervisor sharing the
	// same registry is already playing the source.
	ErrSourceBusy = stream.ErrSourceBusy
)

// State is the supervisor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StatePlaying
	StatePaused
	StateSeeking
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateSeeking:
		return "seeking"
	case StateDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TickerFunc returns a presentation tick channel and a function that stops it.
type TickerFunc func(interval time.Duration) (<-chan time.Time, func())

func realTicker(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// Options configures a Supervisor. Every field is optional.
type Options struct {
	Config  *config.Config
	Runtime *codec.Initializer
	Sink    media.DrawSink
	// Streams is the registry of live ingest loops. Supervisors sharing a
	// registry refuse to play the same source concurrently.
	Streams *stream.Manager
	Logger  *slog.Logger
	Now     func() time.Time
	Ticker  TickerFunc
}

// StreamStats describes one presented video stream.
type StreamStats struct {
	Index    int            `json:"index"`
	Codec    string         `json:"codec"`
	Buffer   framebuf.Stats `json:"buffer"`
	Playback playback.Stats `json:"playback"`
}

// Stats is a diagnostic snapshot of the supervisor.
type Stats struct {
	State string `json:"state"`
	// Error is the fatal error that disposed the supervisor, if any.
	Error   string        `json:"error,omitempty"`
	Source  string        `json:"source,omitempty"`
	Session string        `json:"session,omitempty"`
	Streams []StreamStats `json:"streams,omitempty"`
	Ingest  ingest.Stats  `json:"ingest"`
	Seek    seek.Stats    `json:"seek"`
}

// Supervisor implements load, play, pause, seek, export and dispose.
// All methods are safe for concurrent use.
type Supervisor struct {
	log     *slog.Logger
	cfg     config.Config
	init    *codec.Initializer
	sink    media.DrawSink
	streams *stream.Manager
	now     func() time.Time
	ticker  TickerFunc

	base   context.Context
	cancel context.CancelFunc

	loadMu sync.Mutex

	mu       sync.Mutex
	sess     *session
	loading  bool
	disposed bool
	// err is the fatal session error that disposed the supervisor.
	err error
}

// New returns an idle Supervisor.
func New(opts Options) *Supervisor {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	s := &Supervisor{
		log:     log.With("component", "pipeline"),
		cfg:     cfg,
		init:    opts.Runtime,
		sink:    opts.Sink,
		streams: opts.Streams,
		now:     opts.Now,
		ticker:  opts.Ticker,
	}
	if s.init == nil {
		s.init = codec.NewInitializer(nil)
	}
	if s.sink == nil {
		s.sink = media.DrawFunc(func(*media.Frame) {})
	}
	if s.streams == nil {
		s.streams = stream.NewManager(log)
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.ticker == nil {
		s.ticker = realTicker
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// session is one loaded source and everything reading or presenting it.
type session struct {
	id     string
	src    media.Source
	demux  media.Demuxer
	stage  *ingest.Stage
	routes []media.StreamDescriptor
	bufs   []*framebuf.Buffer
	loops  []*playback.Loop
	seeker *seek.Controller
	entry  *stream.Stream
	desc   media.MediaDescriptor

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// release tears the session down in dependency order: stop the tasks, drop
// buffered frames, close decoders, close the container, free the source.
func (ss *session) release(reg *stream.Manager) {
	ss.closeOnce.Do(func() {
		if ss.cancel != nil {
			ss.cancel()
			<-ss.done
		}
		for _, b := range ss.bufs {
			b.Clear()
		}
		ss.stage.Close()
		ss.demux.Close()
		reg.Remove(ss.entry)
	})
}

// Load opens src, probes it, and starts a paused playback session. The probe
// and decoder setup happen before the current session is torn down, so an
// unsupported source leaves the previous one playing.
func (s *Supervisor) Load(ctx context.Context, src media.Source) (media.MediaDescriptor, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if err := s.setLoading(true); err != nil {
		return media.MediaDescriptor{}, err
	}
	defer s.setLoading(false)

	rt, err := s.init.Initialize(ctx)
	if err != nil {
		return media.MediaDescriptor{}, fmt.Errorf("initialize codecs: %w", err)
	}
	next, err := s.prepare(ctx, rt, src)
	if err != nil {
		return media.MediaDescriptor{}, err
	}

	s.mu.Lock()
	if s.disposed {
		err := s.disposedErr()
		s.mu.Unlock()
		next.release(s.streams)
		return media.MediaDescriptor{}, err
	}
	prev := s.sess
	s.mu.Unlock()

	// Claim the source before touching the previous session, so a busy
	// source leaves it playing.
	var prevEntry *stream.Stream
	if prev != nil {
		prevEntry = prev.entry
	}
	entry, err := s.streams.Replace(prevEntry, src.Name(), next.id)
	if err != nil {
		next.release(s.streams)
		return media.MediaDescriptor{}, err
	}
	next.entry = entry

	s.mu.Lock()
	if s.sess == prev {
		s.sess = nil
	}
	s.mu.Unlock()
	if prev != nil {
		prev.release(s.streams)
		s.log.Info("previous session disposed", "session", prev.id, "source", prev.src.Name())
	}

	s.mu.Lock()
	if s.disposed {
		err := s.disposedErr()
		s.mu.Unlock()
		next.release(s.streams)
		return media.MediaDescriptor{}, err
	}
	s.sess = next
	s.start(next)
	s.mu.Unlock()

	s.log.Info("loaded", "session", next.id, "source", src.Name(),
		"width", next.desc.Width, "height", next.desc.Height, "durationMs", next.desc.DurationMs,
		"streams", len(next.routes))
	return next.desc, nil
}

// prepare opens the container, picks the decodable video streams, and builds
// buffers, loops, the ingest stage and the seek controller. Nothing runs yet.
func (s *Supervisor) prepare(ctx context.Context, rt *codec.Runtime, src media.Source) (*session, error) {
	demux, err := rt.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src.Name(), err)
	}

	ss := &session{
		id:    uuid.NewString(),
		src:   src,
		demux: demux,
	}
	log := s.log.With("session", ss.id, "source", src.Name())

	var (
		routes   []ingest.Route
		duration time.Duration
	)
	for _, st := range demux.Streams() {
		duration = max(duration, st.DurationTime())
		if st.Kind != media.KindVideo {
			continue
		}
		dec, ok := rt.Decoder(st.Params.Codec)
		if !ok {
			log.Warn("no decoder for video stream, skipping", "stream", st.Index, "codec", st.Params.Codec)
			continue
		}
		buf := framebuf.New(s.bufferConfig(ctx, st, log), log)
		ss.bufs = append(ss.bufs, buf)
		ss.routes = append(ss.routes, st)
		routes = append(routes, ingest.Route{Stream: st, NewDecoder: dec, Target: buf})
	}
	if len(routes) == 0 {
		demux.Close()
		return nil, fmt.Errorf("%s: %w", src.Name(), media.ErrNoDecodableStream)
	}

	for _, buf := range ss.bufs {
		ss.loops = append(ss.loops, playback.New(buf, s.sink, playback.WithNow(s.now), playback.WithLogger(log)))
	}

	mode := ingest.EOFHold
	if s.cfg.Playback.Loop {
		mode = ingest.EOFLoop
	}
	stage, err := ingest.New(demux, routes, ingest.Config{
		Mode:      mode,
		Throttle:  s.cfg.Playback.Throttle,
		OnRestart: ss.resetClocks,
	}, log)
	if err != nil {
		demux.Close()
		return nil, err
	}
	ss.stage = stage

	players := make([]seek.Player, len(ss.loops))
	for i, l := range ss.loops {
		players[i] = l
	}
	ss.seeker = seek.New(stage, players, log)

	first := ss.routes[0].Params
	ss.desc = media.MediaDescriptor{
		CanPlay:    true,
		CanPause:   true,
		CanSeek:    duration > 0,
		Width:      first.Width,
		Height:     first.Height,
		DurationMs: duration.Milliseconds(),
	}
	return ss, nil
}

func (ss *session) resetClocks() {
	for _, l := range ss.loops {
		l.ResetClock()
	}
}

// bufferConfig maps playback config onto a frame buffer. A zero frame cap is
// derived from the memory currently available.
func (s *Supervisor) bufferConfig(ctx context.Context, st media.StreamDescriptor, log *slog.Logger) framebuf.Config {
	b := s.cfg.Playback.Buffer
	fc := framebuf.Config{
		MaxFrames:            b.MaxFrames,
		MaxDuration:          b.MaxDuration,
		LowWatermarkFrames:   b.LowWatermarkFrames,
		LowWatermarkDuration: b.LowWatermarkDuration,
	}
	if fc.MaxFrames > 0 {
		return fc
	}
	n, err := framebuf.CapForMemory(ctx, st.Params.Width, st.Params.Height, b.MemoryFraction)
	if err != nil {
		log.Warn("could not size buffer from memory, using default cap", "stream", st.Index, "error", err)
		n = media.DefaultFrameBufferSize
	}
	fc.MaxFrames = n
	if fc.LowWatermarkFrames > n {
		fc.LowWatermarkFrames = n
	}
	log.Debug("frame buffer sized from memory", "stream", st.Index, "frames", n)
	return fc
}

// start launches the ingest stage and one playback loop per stream. Called
// with s.mu held.
func (s *Supervisor) start(ss *session) {
	ctx, cancel := context.WithCancel(s.base)
	ss.cancel = cancel
	ss.done = make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ss.stage.Run(gctx) })
	for _, l := range ss.loops {
		ticks, stop := s.ticker(s.cfg.Playback.TickInterval)
		g.Go(func() error {
			defer stop()
			l.Run(gctx, ticks)
			return nil
		})
	}

	go func() {
		err := g.Wait()
		close(ss.done)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.fail(ss, err)
		}
	}()
}

// fail handles a fatal error from the current session: the supervisor is
// disposed and keeps err for Err, Stats and the errors returned afterwards.
func (s *Supervisor) fail(ss *session, err error) {
	s.mu.Lock()
	if s.disposed || s.sess != ss {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.err = err
	s.sess = nil
	s.mu.Unlock()

	s.log.Error("playback session failed, disposing", "session", ss.id, "source", ss.src.Name(), "error", err)
	s.cancel()
	ss.release(s.streams)
}

// disposedErr is returned by operations after disposal. Called with s.mu held.
func (s *Supervisor) disposedErr() error {
	if s.err != nil {
		return fmt.Errorf("%w: %w", ErrDisposed, s.err)
	}
	return ErrDisposed
}

// Err returns the fatal error that disposed the supervisor, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Supervisor) setLoading(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v && s.disposed {
		return s.disposedErr()
	}
	s.loading = v
	return nil
}

func (s *Supervisor) current() (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, s.disposedErr()
	}
	if s.sess == nil {
		return nil, ErrNotLoaded
	}
	return s.sess, nil
}

// Play starts or resumes presentation. It is a no-op when nothing is loaded
// or after Dispose.
func (s *Supervisor) Play() {
	ss, err := s.current()
	if err != nil {
		return
	}
	for _, l := range ss.loops {
		l.Play()
	}
	s.log.Debug("play", "session", ss.id)
}

// Pause stops presentation, keeping buffered frames. It is a no-op when
// nothing is loaded or after Dispose.
func (s *Supervisor) Pause() {
	ss, err := s.current()
	if err != nil {
		return
	}
	for _, l := range ss.loops {
		l.Pause()
	}
	s.log.Debug("pause", "session", ss.id)
}

// Seek repositions playback to ms milliseconds, clamped to the source
// duration. Playback resumes afterwards if it was playing.
func (s *Supervisor) Seek(ctx context.Context, ms int64) error {
	ss, err := s.current()
	if err != nil {
		return err
	}
	if !ss.desc.CanSeek {
		return media.ErrSeekUnsupported
	}
	ms = min(max(ms, 0), ss.desc.DurationMs)
	err = ss.seeker.Seek(ctx, time.Duration(ms)*time.Millisecond)
	if errors.Is(err, ingest.ErrStopped) {
		if _, cerr := s.current(); cerr != nil {
			return cerr
		}
	}
	return err
}

// Export transcodes the loaded source. The export runs on its own demuxer and
// codecs, so playback may continue while it runs.
func (s *Supervisor) Export(ctx context.Context, cfg transcode.Config, onProgress progress.Func) (*transcode.Result, error) {
	ss, err := s.current()
	if err != nil {
		return nil, err
	}
	return s.ExportSource(ctx, ss.src, cfg, onProgress)
}

// ExportSource transcodes src without loading it for playback. Dispose
// cancels exports still running.
func (s *Supervisor) ExportSource(ctx context.Context, src media.Source, cfg transcode.Config, onProgress progress.Func) (*transcode.Result, error) {
	s.mu.Lock()
	var err error
	if s.disposed {
		err = s.disposedErr()
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	rt, err := s.init.Initialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialize codecs: %w", err)
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = s.cfg.Playback.Throttle
	}
	return transcode.Run(ctx, rt, src, cfg, onProgress, s.log)
}

// Dispose tears everything down. It is idempotent; afterwards Play and Pause
// are no-ops and every other operation returns ErrDisposed.
func (s *Supervisor) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	ss := s.sess
	s.sess = nil
	s.mu.Unlock()

	s.cancel()
	if ss != nil {
		ss.release(s.streams)
	}
	s.log.Info("disposed")
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.disposed:
		return StateDisposed
	case s.loading:
		return StateInitializing
	case s.sess == nil:
		return StateIdle
	case s.sess.seeker.State() == seek.StateSeeking:
		return StateSeeking
	case s.sess.loops[0].Playing():
		return StatePlaying
	default:
		return StatePaused
	}
}

// Stats returns a diagnostic snapshot.
func (s *Supervisor) Stats() Stats {
	st := Stats{State: s.State().String()}
	s.mu.Lock()
	ss := s.sess
	if s.err != nil {
		st.Error = s.err.Error()
	}
	s.mu.Unlock()
	if ss == nil {
		return st
	}
	st.Source = ss.src.Name()
	st.Session = ss.id
	st.Ingest = ss.stage.Stats()
	st.Seek = ss.seeker.Stats()
	for i, d := range ss.routes {
		st.Streams = append(st.Streams, StreamStats{
			Index:    d.Index,
			Codec:    d.Params.Codec,
			Buffer:   ss.bufs[i].Stats(),
			Playback: ss.loops[i].Stats(),
		})
	}
	return st
}
