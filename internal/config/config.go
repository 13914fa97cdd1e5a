// Package config defines the engine configuration. Files are YAML, decoded
// strictly on top of Default so any field left out keeps its default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/reframe/internal/progress"
)

// Config holds the complete engine configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Playback PlaybackConfig `yaml:"playback"`
	Export   ExportConfig   `yaml:"export"`
}

// LogConfig selects the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// PlaybackConfig tunes the live preview path.
type PlaybackConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"` // presentation cadence
	Loop         bool          `yaml:"loop"`          // restart at end of stream
	Throttle     time.Duration `yaml:"throttle"`      // ingest sleep while a buffer is full
	Buffer       BufferConfig  `yaml:"buffer"`
}

// BufferConfig bounds each playback frame buffer.
type BufferConfig struct {
	// MaxFrames caps buffered frames. Zero derives the cap from available
	// memory and the stream's frame size.
	MaxFrames            int           `yaml:"max_frames"`
	MaxDuration          time.Duration `yaml:"max_duration"`
	LowWatermarkFrames   int           `yaml:"low_watermark_frames"`
	LowWatermarkDuration time.Duration `yaml:"low_watermark_duration"`
	// MemoryFraction is the share of available memory a derived cap may use.
	MemoryFraction float64 `yaml:"memory_fraction"`
}

// ExportConfig holds export defaults. Every field can be overridden per
// export call.
type ExportConfig struct {
	// Format is the output container; empty picks it from the output name,
	// then falls back to the input's.
	Format string `yaml:"format"`
	// VideoCodec is the output video codec; empty mirrors the input codec.
	VideoCodec string `yaml:"video_codec"`
	Quantizer  int    `yaml:"quantizer"`
	// QueueFrames is how many decoded frames may wait per stream before the
	// demux loop throttles.
	QueueFrames int `yaml:"queue_frames"`
	// CopyUnsupported passes streams without a decoder/encoder pair through
	// as coded packets instead of dropping them.
	CopyUnsupported bool            `yaml:"copy_unsupported"`
	Resize          ResizeConfig    `yaml:"resize"`
	TempDir         string          `yaml:"temp_dir"`
	Stages          progress.Ranges `yaml:"stages"`
}

// ResizeConfig requests a resize fused after the pixel transform. Zero
// dimensions follow the other one; both zero disables resizing.
type ResizeConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Filter string `yaml:"filter"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	c := &Config{
		Log: LogConfig{Level: "info"},
		Playback: PlaybackConfig{
			Loop: true,
			Buffer: BufferConfig{
				MaxFrames:            60,
				MaxDuration:          2 * time.Second,
				LowWatermarkFrames:   3,
				LowWatermarkDuration: 100 * time.Millisecond,
			},
		},
		Export: ExportConfig{Stages: progress.DefaultRanges()},
	}
	c.setDefaults()
	return c
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default, rejecting unknown fields, and validates
// the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults fills fields whose zero value is never meaningful.
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Playback.TickInterval == 0 {
		c.Playback.TickInterval = 16 * time.Millisecond
	}
	if c.Playback.Throttle == 0 {
		c.Playback.Throttle = 5 * time.Millisecond
	}
	if c.Playback.Buffer.MemoryFraction == 0 {
		c.Playback.Buffer.MemoryFraction = 0.25
	}
	if c.Export.QueueFrames == 0 {
		c.Export.QueueFrames = 16
	}
	if c.Export.Stages == (progress.Ranges{}) {
		c.Export.Stages = progress.DefaultRanges()
	}
}

// SlogLevel returns the configured level.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
