package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func drainEventsUntil(t *testing.T, events <-chan Event, want EventType, timeout time.Duration) []Event {
	t.Helper()
	deadline := time.After(timeout)
	var seen []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return seen
			}
			seen = append(seen, ev)
			if ev.Type == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s, saw: %+v", want, seen)
			return seen
		}
	}
}

func TestIdleThenEnqueueFiresOnce(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{
		Roots:          []string{dir},
		IdleTimeout:    150 * time.Millisecond,
		StabilityLocal: 20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	w.Start()
	defer w.Stop()

	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"s1"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	drainEventsUntil(t, w.Events, EventNew, 2*time.Second)

	// Read until the deadline so that a second idle event would be counted.
	idleCount := 0
	deadline := time.After(2 * time.Second)
loop:
	for {
		select {
		case ev := <-w.Events:
			if ev.Type == EventIdle {
				idleCount++
			}
		case <-deadline:
			break loop
		}
	}
	if idleCount != 1 {
		t.Errorf("expected exactly 1 idle event, got %d", idleCount)
	}
}

func TestSpokeStabilityLongerThreshold(t *testing.T) {
	dir := t.TempDir()
	spoke := filepath.Join(dir, "spoke")
	if err := os.MkdirAll(spoke, 0o750); err != nil {
		t.Fatal(err)
	}

	w, err := New(Config{
		Roots:          []string{dir},
		SpokeRoots:     []string{spoke},
		IdleTimeout:    5 * time.Second,
		StabilityLocal: 20 * time.Millisecond,
		StabilitySpoke: 300 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	path := filepath.Join(spoke, "x.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"s1"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Within 100ms (well under the 300ms spoke threshold) we should not yet
	// see a "new" event.
	select {
	case ev := <-w.Events:
		t.Fatalf("unexpected early event before stability threshold: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// After the spoke threshold elapses, the write surfaces.
	drainEventsUntil(t, w.Events, EventNew, 2*time.Second)
}

func TestMarkAnalyzingSuppressesIdle(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{
		Roots:          []string{dir},
		IdleTimeout:    100 * time.Millisecond,
		StabilityLocal: 10 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"s1"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	drainEventsUntil(t, w.Events, EventNew, 2*time.Second)

	w.MarkAnalyzing(path)

	select {
	case ev := <-w.Events:
		if ev.Type == EventIdle {
			t.Fatal("idle event should be suppressed while analyzing")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStopDropsSubsequentEvents(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{Roots: []string{dir}, IdleTimeout: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	w.Stop()

	// Events channel must be closed, not leaking goroutines producing into it.
	_, ok := <-w.Events
	if ok {
		t.Error("expected Events channel to be closed after Stop")
	}
}

func TestRemoveEvent(t *testing.T) {
	dir := t.TempDir()
	w, err := New(Config{
		Roots:          []string{dir},
		IdleTimeout:    5 * time.Second,
		StabilityLocal: 10 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.Stop()

	path := filepath.Join(dir, "session.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"s1"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	drainEventsUntil(t, w.Events, EventNew, 2*time.Second)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	drainEventsUntil(t, w.Events, EventRemove, 2*time.Second)
}
