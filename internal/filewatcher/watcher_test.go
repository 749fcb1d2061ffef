package filewatcher

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

type captureSink struct {
	mu        sync.Mutex
	events    []map[string]any
	reminders []models.Message
}

func (c *captureSink) EmitMonitor(agentID string, eventType models.EventType, data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, data)
}

func (c *captureSink) QueueReminder(agentID string, msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reminders = append(c.reminders, msg)
}

func (c *captureSink) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events), len(c.reminders)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestTrackedFileChangeEmitsEventAndReminder(t *testing.T) {
	sink := &captureSink{}
	w, err := New(sink, sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	if err := w.Track("a1", path); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if err := os.WriteFile(path, []byte("v2 from outside"), 0o644); err != nil {
		t.Fatalf("modify file: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		ev, rem := sink.counts()
		return ev >= 1 && rem >= 1
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0]["path"] != path {
		t.Fatalf("event carries wrong path: %v", sink.events[0])
	}
	rem := sink.reminders[0]
	if rem.Role != models.RoleSystem {
		t.Fatalf("reminder must be system-role, got %v", rem.Role)
	}
	if tag, _ := rem.Metadata[models.MetadataReminderKey].(models.ReminderTag); tag != models.ReminderTagFile {
		t.Fatalf("reminder must carry the file tag, got %v", rem.Metadata)
	}
}

func TestUntrackStopsNotifications(t *testing.T) {
	sink := &captureSink{}
	w, err := New(sink, sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	os.WriteFile(path, []byte("v1"), 0o644)

	if err := w.Track("a1", path); err != nil {
		t.Fatalf("Track: %v", err)
	}
	w.Untrack("a1", path)

	os.WriteFile(path, []byte("v2"), 0o644)
	time.Sleep(200 * time.Millisecond)

	if ev, _ := sink.counts(); ev != 0 {
		t.Fatalf("expected no events after Untrack, got %d", ev)
	}
}

func TestUntrackAgentDropsAllPaths(t *testing.T) {
	sink := &captureSink{}
	w, err := New(sink, sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	dir := t.TempDir()
	p1 := filepath.Join(dir, "a.txt")
	p2 := filepath.Join(dir, "b.txt")
	os.WriteFile(p1, []byte("x"), 0o644)
	os.WriteFile(p2, []byte("x"), 0o644)
	w.Track("a1", p1)
	w.Track("a1", p2)

	w.UntrackAgent("a1")

	os.WriteFile(p1, []byte("y"), 0o644)
	os.WriteFile(p2, []byte("y"), 0o644)
	time.Sleep(200 * time.Millisecond)

	if ev, _ := sink.counts(); ev != 0 {
		t.Fatalf("expected no events after UntrackAgent, got %d", ev)
	}
}

func TestTrackAfterCloseFails(t *testing.T) {
	w, err := New(nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Track("a1", t.TempDir()); err == nil {
		t.Fatal("expected Track to fail after Close")
	}
}
