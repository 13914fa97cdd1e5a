// Package channel provides the inter-stage transport of the pipeline: an
// unbounded single-producer/single-consumer queue whose Push never blocks and
// whose Pull suspends until an item or the end marker is available.
package channel

import (
	"context"
	"io"
	"sync"
)

// Channel is a FIFO queue with an explicit end marker. Push never blocks;
// callers that need a bound check Len and throttle themselves. The zero value
// is not usable; construct with New.
type Channel[T any] struct {
	mu      sync.Mutex
	items   []T
	ended   bool
	wake    chan struct{}
	release func(T)

	pushed  int64
	dropped int64
}

// New returns an empty Channel. release, if non-nil, is invoked for every
// item discarded without being pulled (Clear, or Push after End).
func New[T any](release func(T)) *Channel[T] {
	return &Channel[T]{
		wake:    make(chan struct{}, 1),
		release: release,
	}
}

// Push appends v. Items pushed after End are released immediately.
func (c *Channel[T]) Push(v T) {
	c.mu.Lock()
	if c.ended {
		c.dropped++
		c.mu.Unlock()
		c.discard(v)
		return
	}
	c.items = append(c.items, v)
	c.pushed++
	c.mu.Unlock()
	c.signal()
}

// End pushes the end marker. Items already queued are still delivered; Pull
// returns io.EOF once they are drained. End is idempotent.
func (c *Channel[T]) End() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	c.signal()
}

// Pull returns the oldest item, suspending until one is available. It returns
// io.EOF after the end marker has been reached, or ctx.Err() if ctx is done
// first.
func (c *Channel[T]) Pull(ctx context.Context) (T, error) {
	for {
		c.mu.Lock()
		if len(c.items) > 0 {
			v := c.items[0]
			var zero T
			c.items[0] = zero
			c.items = c.items[1:]
			c.mu.Unlock()
			return v, nil
		}
		ended := c.ended
		c.mu.Unlock()

		if ended {
			var zero T
			return zero, io.EOF
		}

		select {
		case <-c.wake:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TryPull returns the oldest item without suspending. ok is false when the
// channel is empty; done is true once the end marker has been reached.
func (c *Channel[T]) TryPull() (v T, ok, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) > 0 {
		v = c.items[0]
		var zero T
		c.items[0] = zero
		c.items = c.items[1:]
		return v, true, false
	}
	return v, false, c.ended
}

// Clear releases every queued item and wakes a suspended Pull so it can
// observe the new state. The end marker, if pushed, is kept.
func (c *Channel[T]) Clear() {
	c.mu.Lock()
	items := c.items
	c.items = nil
	c.dropped += int64(len(items))
	c.mu.Unlock()

	for _, v := range items {
		c.discard(v)
	}
	c.signal()
}

// Close clears the channel and pushes the end marker, unblocking any
// suspended Pull. Used on teardown.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	c.Clear()
}

// Len returns the number of queued items.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Ended reports whether the end marker has been pushed.
func (c *Channel[T]) Ended() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// Stats returns how many items were accepted and how many were released
// without being pulled.
func (c *Channel[T]) Stats() (pushed, dropped int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushed, c.dropped
}

func (c *Channel[T]) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel[T]) discard(v T) {
	if c.release != nil {
		c.release(v)
	}
}

// IsEnd reports whether err is the end-of-channel marker returned by Pull.
func IsEnd(err error) bool {
	return err == io.EOF
}
