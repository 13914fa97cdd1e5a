package main

import (
	"fmt"
	"os/exec"
	"path/filepath"
)

const gopDurationSec = 2

// encodeTestSource renders ffmpeg's testsrc2 pattern with a 1kHz sine tone as
// H.264/AAC in the container named by the output extension.
func encodeTestSource(output string, mc MediaConfig) error {
	gop := mc.FPS * gopDurationSec
	args := []string{
		"-y",
		"-f", "lavfi", "-i", fmt.Sprintf("testsrc2=size=%dx%d:rate=%d:duration=%.2f", mc.Width, mc.Height, mc.FPS, mc.DurationSec),
	}
	if mc.Audio {
		args = append(args, "-f", "lavfi", "-i", fmt.Sprintf("sine=frequency=1000:sample_rate=48000:duration=%.2f", mc.DurationSec))
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-bf", "2",
		"-g", fmt.Sprintf("%d", gop),
		"-keyint_min", fmt.Sprintf("%d", gop),
		"-sc_threshold", "0",
		"-pix_fmt", "yuv420p",
	)
	if mc.Audio {
		args = append(args, "-c:a", "aac", "-b:a", "128k", "-ac", "2")
	}
	switch filepath.Ext(output) {
	case ".ts":
		args = append(args, "-f", "mpegts")
	case ".mp4":
		args = append(args, "-movflags", "+faststart", "-f", "mp4")
	}
	args = append(args, output)

	out, err := exec.Command("ffmpeg", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg encode: %w\n%s", err, string(out))
	}
	return nil
}
