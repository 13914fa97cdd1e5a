package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reframe/internal/codec"
	"github.com/zsiec/reframe/internal/config"
	"github.com/zsiec/reframe/internal/pipeline"
	"github.com/zsiec/reframe/internal/transcode"
	"github.com/zsiec/reframe/media"
)

var version = "dev"

const usage = `usage: reframe <command> [flags] <args>

commands:
  probe <file>             print the streams of a media file
  play [-for d] <file>     play a file headlessly, logging presented frames
  export <in> <out>        transcode a file

common flags:
  -config file.yaml        configuration file
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	a := &app{out: os.Stdout, errOut: os.Stderr}
	if err := a.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.Error("reframe failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

type app struct {
	out    io.Writer
	errOut io.Writer
	cfg    config.Config
	init   *codec.Initializer
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(a.errOut)
	cfgPath := fs.String("config", "", "configuration file")
	playFor := fs.Duration("for", 5*time.Second, "how long to play")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *cfgPath != "" {
		c, err := config.Load(*cfgPath)
		if err != nil {
			return err
		}
		cfg = *c
	}
	a.cfg = cfg
	a.setupLogging()
	a.init = codec.NewInitializer(nil)
	slog.Debug("reframe starting", "version", version, "command", cmd)

	switch cmd {
	case "probe":
		if fs.NArg() != 1 {
			return fmt.Errorf("probe takes one file, got %d args", fs.NArg())
		}
		return a.probe(ctx, fs.Arg(0))
	case "play":
		if fs.NArg() != 1 {
			return fmt.Errorf("play takes one file, got %d args", fs.NArg())
		}
		return a.play(ctx, fs.Arg(0), *playFor)
	case "export":
		if fs.NArg() != 2 {
			return fmt.Errorf("export takes an input and an output, got %d args", fs.NArg())
		}
		return a.export(ctx, fs.Arg(0), fs.Arg(1))
	case "version":
		fmt.Fprintln(a.out, version)
		return nil
	default:
		fmt.Fprint(a.errOut, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// setupLogging installs a text handler on stderr. DEBUG in the environment
// overrides the configured level.
func (a *app) setupLogging() {
	level := a.cfg.Log.SlogLevel()
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(a.errOut, &slog.HandlerOptions{Level: level})))
}

func (a *app) probe(ctx context.Context, path string) error {
	rt, err := a.init.Initialize(ctx)
	if err != nil {
		return err
	}
	d, err := rt.Open(media.FileSource(path))
	if err != nil {
		return err
	}
	defer d.Close()

	streams := d.Streams()
	fmt.Fprintf(a.out, "%s: %s\n", path, describe(streams))
	for _, s := range streams {
		fmt.Fprintf(a.out, "  #%d %-7s %-8s %s\n", s.Index, s.Kind, s.Params.Codec, streamDetail(s))
	}
	return nil
}

func (a *app) play(ctx context.Context, path string, d time.Duration) error {
	var drawn atomic.Int64
	sink := media.DrawFunc(func(f *media.Frame) {
		drawn.Add(1)
		slog.Debug("frame", "pts", f.PTSTime(), "width", f.Width, "height", f.Height)
	})
	sup := pipeline.New(pipeline.Options{Config: &a.cfg, Runtime: a.init, Sink: sink})
	defer sup.Dispose()

	desc, err := sup.Load(ctx, media.FileSource(path))
	if err != nil {
		return err
	}
	slog.Info("playing", "file", path, "width", desc.Width, "height", desc.Height,
		"duration", time.Duration(desc.DurationMs)*time.Millisecond, "for", d)
	sup.Play()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		sup.Pause()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("stopped", "drawn", drawn.Load())

	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sup.Stats()); err != nil {
		return err
	}
	return sup.Err()
}

func (a *app) export(ctx context.Context, in, out string) error {
	sup := pipeline.New(pipeline.Options{Config: &a.cfg, Runtime: a.init})
	defer sup.Dispose()

	cfg := transcode.FromConfig(a.cfg.Export)
	cfg.Output = out
	res, err := sup.ExportSource(ctx, media.FileSource(in), cfg, func(pct float64, msg string) {
		fmt.Fprintf(a.errOut, "\r%5.1f%% %-32s", pct, msg)
	})
	fmt.Fprintln(a.errOut)
	if err != nil {
		return err
	}
	slog.Info("export complete", "job", res.JobID, "output", res.Output, "format", res.Format,
		"duration", res.Duration, "dropped", res.Dropped, "elapsed", res.Elapsed)
	return nil
}

func describe(streams []media.StreamDescriptor) string {
	var (
		parts    []string
		audio    int
		other    int
		duration time.Duration
	)
	for _, s := range streams {
		duration = max(duration, s.DurationTime())
		switch s.Kind {
		case media.KindVideo:
			if s.Params.Width > 0 && s.Params.Height > 0 {
				parts = append(parts, fmt.Sprintf("%dx%d %s", s.Params.Width, s.Params.Height, s.Params.Codec))
			}
		case media.KindAudio:
			audio++
		default:
			other++
		}
	}
	if audio == 1 {
		parts = append(parts, "1 audio track")
	} else if audio > 1 {
		parts = append(parts, fmt.Sprintf("%d audio tracks", audio))
	}
	if other > 0 {
		parts = append(parts, fmt.Sprintf("%d other", other))
	}
	if duration > 0 {
		parts = append(parts, duration.Round(time.Millisecond).String())
	}
	return strings.Join(parts, " · ")
}

func streamDetail(s media.StreamDescriptor) string {
	p := s.Params
	switch s.Kind {
	case media.KindVideo:
		return fmt.Sprintf("%dx%d tb=%s frames=%d", p.Width, p.Height, s.Timebase, s.Frames)
	case media.KindAudio:
		return fmt.Sprintf("%dHz %dch tb=%s", p.SampleRate, p.Channels, s.Timebase)
	default:
		return fmt.Sprintf("tb=%s", s.Timebase)
	}
}
