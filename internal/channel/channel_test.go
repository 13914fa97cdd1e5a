package channel

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reframe/media"
)

func TestPushPullFIFO(t *testing.T) {
	t.Parallel()

	c := New[int](nil)
	for i := 0; i < 5; i++ {
		c.Push(i)
	}
	c.End()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v, err := c.Pull(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}

	_, err := c.Pull(ctx)
	assert.ErrorIs(t, err, io.EOF)
	assert.True(t, IsEnd(err))
}

func TestPullSuspendsUntilPush(t *testing.T) {
	t.Parallel()

	c := New[string](nil)
	got := make(chan string, 1)
	go func() {
		v, err := c.Pull(context.Background())
		if err == nil {
			got <- v
		}
	}()

	select {
	case <-got:
		t.Fatal("Pull returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	c.Push("frame")
	select {
	case v := <-got:
		assert.Equal(t, "frame", v)
	case <-time.After(time.Second):
		t.Fatal("Pull did not wake after Push")
	}
}

func TestPullHonorsContext(t *testing.T) {
	t.Parallel()

	c := New[int](nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Pull(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClearReleasesQueuedFrames(t *testing.T) {
	t.Parallel()

	c := New[*media.Frame](func(f *media.Frame) { f.Release() })
	frames := make([]*media.Frame, 4)
	for i := range frames {
		frames[i] = media.NewVideoFrame(int64(i), 1, 1, 1, make([]byte, 4), nil)
		c.Push(frames[i])
	}

	c.Clear()

	assert.Equal(t, 0, c.Len())
	for i, f := range frames {
		assert.True(t, f.Released(), "frame %d not released", i)
	}
	pushed, dropped := c.Stats()
	assert.Equal(t, int64(4), pushed)
	assert.Equal(t, int64(4), dropped)
}

func TestCloseUnblocksSuspendedPull(t *testing.T) {
	t.Parallel()

	c := New[*media.Frame](func(f *media.Frame) { f.Release() })
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Pull(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Pull")
	}
}

func TestPushAfterEndIsReleased(t *testing.T) {
	t.Parallel()

	c := New[*media.Frame](func(f *media.Frame) { f.Release() })
	c.End()

	f := media.NewVideoFrame(0, 1, 1, 1, make([]byte, 4), nil)
	c.Push(f)

	assert.True(t, f.Released())
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.Ended())
}

func TestTryPull(t *testing.T) {
	t.Parallel()

	c := New[int](nil)
	_, ok, done := c.TryPull()
	assert.False(t, ok)
	assert.False(t, done)

	c.Push(7)
	c.End()

	v, ok, done := c.TryPull()
	assert.True(t, ok)
	assert.False(t, done)
	assert.Equal(t, 7, v)

	_, ok, done = c.TryPull()
	assert.False(t, ok)
	assert.True(t, done)
}
