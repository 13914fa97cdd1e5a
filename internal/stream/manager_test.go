package stream

import (
	"errors"
	"testing"
)

func TestManagerCreateAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s, err := m.Create("/media/clip.mp4", "session-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Key != "/media/clip.mp4" || s.Owner != "session-1" {
		t.Errorf("got key %q owner %q", s.Key, s.Owner)
	}
	if s.StartedAt.IsZero() {
		t.Error("StartedAt should not be zero")
	}

	got, ok := m.Get("/media/clip.mp4")
	if !ok || got != s {
		t.Error("Get should return the created stream")
	}
}

func TestManagerRejectsSecondLoop(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	if _, err := m.Create("clip.gif", "a"); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	s, err := m.Create("clip.gif", "b")
	if !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("duplicate Create: got %v, want ErrSourceBusy", err)
	}
	if s != nil {
		t.Error("duplicate Create should return nil stream")
	}
}

func TestManagerRemove(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	s, _ := m.Create("clip.gif", "a")
	m.Remove(s)
	if len(m.List()) != 0 {
		t.Errorf("count after remove: got %d, want 0", len(m.List()))
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done should be closed after Remove")
	}

	if _, err := m.Create("clip.gif", "b"); err != nil {
		t.Errorf("Create after Remove: %v", err)
	}
}

func TestManagerRemoveStaleHandle(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	old, _ := m.Create("clip.gif", "a")
	m.Remove(old)
	cur, _ := m.Create("clip.gif", "b")

	m.Remove(old)
	if got, ok := m.Get("clip.gif"); !ok || got != cur {
		t.Error("removing a stale handle must not evict the current owner")
	}
	m.Remove(nil)
}

func TestManagerReplaceHandsOver(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	old, _ := m.Create("clip.gif", "a")
	next, err := m.Replace(old, "clip.gif", "b")
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got, ok := m.Get("clip.gif"); !ok || got != next {
		t.Error("Replace should register the new owner")
	}
	select {
	case <-old.Done():
	default:
		t.Error("old stream Done should be closed after handover")
	}

	m.Remove(old)
	if got, ok := m.Get("clip.gif"); !ok || got != next {
		t.Error("removing the handed-over stream must not evict the new owner")
	}
}

func TestManagerReplaceRejectsForeignOwner(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	mine, _ := m.Create("a.mp4", "a")
	theirs, _ := m.Create("b.mp4", "b")

	s, err := m.Replace(mine, "b.mp4", "a2")
	if !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("Replace onto a foreign key: got %v, want ErrSourceBusy", err)
	}
	if s != nil {
		t.Error("rejected Replace should return nil stream")
	}
	if got, _ := m.Get("a.mp4"); got != mine {
		t.Error("rejected Replace must leave the old stream registered")
	}
	if got, _ := m.Get("b.mp4"); got != theirs {
		t.Error("rejected Replace must leave the foreign owner registered")
	}
}

func TestManagerReplaceDifferentKeyKeepsOld(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	old, _ := m.Create("a.mp4", "a")
	if _, err := m.Replace(old, "b.mp4", "a2"); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if got, ok := m.Get("a.mp4"); !ok || got != old {
		t.Error("old stream under another key stays until removed")
	}
	m.Remove(old)
	if len(m.List()) != 1 {
		t.Errorf("count after remove: got %d, want 1", len(m.List()))
	}
}

func TestManagerList(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)

	for _, k := range []string{"c.mp4", "a.mp4", "b.mp4"} {
		if _, err := m.Create(k, "owner"); err != nil {
			t.Fatal(err)
		}
	}

	streams := m.List()
	if len(streams) != 3 {
		t.Fatalf("expected 3 streams, got %d", len(streams))
	}
	for i, want := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		if streams[i].Key != want {
			t.Errorf("List()[%d] = %q, want %q", i, streams[i].Key, want)
		}
	}
}
