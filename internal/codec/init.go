package codec

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// InitFunc builds a runtime. It may be slow, for example when it loads
// native codec libraries.
type InitFunc func(ctx context.Context) (*Runtime, error)

// Initializer runs an InitFunc at most once successfully. Concurrent callers
// of Initialize wait for the same in-flight initialization; a failed attempt
// is not cached, so the next call retries.
type Initializer struct {
	fn    InitFunc
	group singleflight.Group

	mu sync.Mutex
	rt *Runtime
}

// NewInitializer returns an Initializer for fn. A nil fn builds NewDefault.
func NewInitializer(fn InitFunc) *Initializer {
	if fn == nil {
		fn = func(context.Context) (*Runtime, error) { return NewDefault(), nil }
	}
	return &Initializer{fn: fn}
}

// Ready returns an Initializer already holding rt.
func Ready(rt *Runtime) *Initializer {
	return &Initializer{rt: rt, fn: func(context.Context) (*Runtime, error) { return rt, nil }}
}

// Initialize returns the runtime, building it on first use. If ctx ends
// while waiting, Initialize returns ctx.Err() and the initialization keeps
// running for the other callers.
func (i *Initializer) Initialize(ctx context.Context) (*Runtime, error) {
	if rt, ok := i.Runtime(); ok {
		return rt, nil
	}
	ch := i.group.DoChan("init", func() (any, error) {
		if rt, ok := i.Runtime(); ok {
			return rt, nil
		}
		// The init outlives any one caller's context.
		rt, err := i.fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		i.rt = rt
		i.mu.Unlock()
		return rt, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Runtime), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Runtime returns the runtime if initialization has completed.
func (i *Initializer) Runtime() (*Runtime, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.rt, i.rt != nil
}
