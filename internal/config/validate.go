package config

import (
	"fmt"
	"strings"
)

// Validate returns the first invalid setting found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log config: unknown level %q", c.Log.Level)
	}
	if err := c.Playback.Validate(); err != nil {
		return fmt.Errorf("playback config: %w", err)
	}
	if err := c.Export.Validate(); err != nil {
		return fmt.Errorf("export config: %w", err)
	}
	return nil
}

// Validate checks playback settings.
func (p *PlaybackConfig) Validate() error {
	if p.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", p.TickInterval)
	}
	if p.Throttle <= 0 {
		return fmt.Errorf("throttle must be positive, got %s", p.Throttle)
	}
	b := p.Buffer
	if b.MaxFrames < 0 {
		return fmt.Errorf("buffer.max_frames must not be negative, got %d", b.MaxFrames)
	}
	if b.MaxDuration < 0 || b.LowWatermarkDuration < 0 || b.LowWatermarkFrames < 0 {
		return fmt.Errorf("buffer bounds must not be negative")
	}
	if b.MaxFrames > 0 && b.LowWatermarkFrames > b.MaxFrames {
		return fmt.Errorf("buffer.low_watermark_frames (%d) exceeds max_frames (%d)", b.LowWatermarkFrames, b.MaxFrames)
	}
	if b.MaxDuration > 0 && b.LowWatermarkDuration > b.MaxDuration {
		return fmt.Errorf("buffer.low_watermark_duration (%s) exceeds max_duration (%s)", b.LowWatermarkDuration, b.MaxDuration)
	}
	if b.MemoryFraction <= 0 || b.MemoryFraction > 1 {
		return fmt.Errorf("buffer.memory_fraction must be in (0, 1], got %g", b.MemoryFraction)
	}
	return nil
}

// Validate checks export settings.
func (e *ExportConfig) Validate() error {
	if e.Quantizer < 0 {
		return fmt.Errorf("quantizer must not be negative, got %d", e.Quantizer)
	}
	if e.QueueFrames <= 0 {
		return fmt.Errorf("queue_frames must be positive, got %d", e.QueueFrames)
	}
	if e.Resize.Width < 0 || e.Resize.Height < 0 {
		return fmt.Errorf("resize dimensions must not be negative, got %dx%d", e.Resize.Width, e.Resize.Height)
	}
	if err := e.Stages.Validate(); err != nil {
		return fmt.Errorf("stages: %w", err)
	}
	return nil
}
