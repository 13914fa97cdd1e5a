package framebuf

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// Bounds applied to a frame-count cap derived from available memory.
const (
	minMemoryFrames = 8
	maxMemoryFrames = 240
)

// CapForMemory returns a frame-count cap such that cap RGBA frames of
// width x height use at most fraction of the memory currently available.
func CapForMemory(ctx context.Context, width, height int, fraction float64) (int, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("read available memory: %w", err)
	}
	return capFor(vm.Available, width, height, fraction), nil
}

func capFor(available uint64, width, height int, fraction float64) int {
	frameBytes := uint64(width) * uint64(height) * 4
	if frameBytes == 0 || fraction <= 0 {
		return minMemoryFrames
	}
	if fraction > 1 {
		fraction = 1
	}
	n := int(float64(available) * fraction / float64(frameBytes))
	switch {
	case n < minMemoryFrames:
		return minMemoryFrames
	case n > maxMemoryFrames:
		return maxMemoryFrames
	}
	return n
}
