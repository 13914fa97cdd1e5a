// gen-media writes the sample files used for manual playback and export
// testing: a solid-color-per-second animated GIF built with the in-tree GIF
// encoder, and H.264/AAC MP4 and MPEG-TS test patterns when ffmpeg is on
// PATH. A manifest describing every file is written next to them.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/zsiec/reframe/internal/codec"
	"github.com/zsiec/reframe/media"
)

// MediaConfig describes one generated file.
type MediaConfig struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	DurationSec float64 `json:"durationSec"`
	FPS         int     `json:"fps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Audio       bool    `json:"audio"`
	Streams     int     `json:"streams,omitempty"`
}

type Manifest struct {
	Generated string        `json:"generated"`
	Media     []MediaConfig `json:"media"`
}

var files = []MediaConfig{
	{Name: "pattern.gif", DurationSec: 10, FPS: 10, Width: 160, Height: 90},
	{Name: "pattern.mp4", DurationSec: 10, FPS: 30, Width: 640, Height: 360, Audio: true},
	{Name: "pattern.ts", DurationSec: 10, FPS: 30, Width: 640, Height: 360, Audio: true},
}

func main() {
	outDir := filepath.Join(findProjectRoot(), "test", "media")
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		fatal("create output dir: %v", err)
	}

	fmt.Println("=== reframe media generator ===")
	haveFFmpeg := true
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		fmt.Println("ffmpeg not found on PATH, only the GIF pattern will be generated")
		haveFFmpeg = false
	}

	rt := codec.NewDefault()
	var written []MediaConfig
	for _, mc := range files {
		out := filepath.Join(outDir, mc.Name)
		fmt.Printf("\n--- %s (%dx%d @ %dfps, %.0fs) ---\n", mc.Name, mc.Width, mc.Height, mc.FPS, mc.DurationSec)

		var err error
		switch filepath.Ext(mc.Name) {
		case ".gif":
			err = writePattern(out, mc)
		default:
			if !haveFFmpeg {
				fmt.Println("  Skipped")
				continue
			}
			err = encodeTestSource(out, mc)
		}
		if err != nil {
			fatal("%s: %v", mc.Name, err)
		}

		if err := describe(rt, out, &mc); err != nil {
			fatal("probe %s: %v", mc.Name, err)
		}
		written = append(written, mc)
		fmt.Printf("  Output: %s (%s)\n", out, mc.Description)
	}

	if err := writeManifest(filepath.Join(outDir, "manifest.json"), written); err != nil {
		fatal("write manifest: %v", err)
	}
	fmt.Printf("\n=== Done! %d files in %s ===\n", len(written), outDir)
}

// describe probes a generated file with the same runtime the player uses, so
// a file the player cannot open fails generation.
func describe(rt *codec.Runtime, path string, mc *MediaConfig) error {
	d, err := rt.Open(media.FileSource(path))
	if err != nil {
		return err
	}
	defer d.Close()

	var parts []string
	var dur time.Duration
	for _, s := range d.Streams() {
		dur = max(dur, s.DurationTime())
		switch s.Kind {
		case media.KindVideo:
			parts = append(parts, fmt.Sprintf("%s %dx%d", s.Params.Codec, s.Params.Width, s.Params.Height))
		case media.KindAudio:
			parts = append(parts, fmt.Sprintf("%s %dHz", s.Params.Codec, s.Params.SampleRate))
		}
	}
	parts = append(parts, dur.Round(time.Millisecond).String())
	mc.Streams = len(d.Streams())
	mc.Description = strings.Join(parts, ", ")
	return nil
}

func writeManifest(path string, entries []MediaConfig) error {
	m := Manifest{
		Generated: time.Now().UTC().Format(time.RFC3339),
		Media:     entries,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}
	fmt.Printf("Manifest written to %s\n", path)
	return nil
}

func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, "go.mod")); err == nil {
			return d
		}
		if filepath.Dir(d) == d {
			return dir
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
