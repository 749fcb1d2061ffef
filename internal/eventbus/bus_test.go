package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/pkg/models"
)

func TestEmitAssignsMonotonicCursor(t *testing.T) {
	b := New(store.NewMemoryStore())
	e1 := b.Emit(context.Background(), "a1", models.ChannelProgress, models.EventTextChunk, nil)
	e2 := b.Emit(context.Background(), "a1", models.ChannelProgress, models.EventTextChunk, nil)
	if e1.Cursor != 1 || e2.Cursor != 2 {
		t.Fatalf("expected monotonic cursors 1,2, got %d,%d", e1.Cursor, e2.Cursor)
	}
}

func TestSubscribeFiltersByChannel(t *testing.T) {
	b := New(store.NewMemoryStore())
	sub, err := b.Subscribe(context.Background(), "a1", []models.Channel{models.ChannelMonitor}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	b.Emit(context.Background(), "a1", models.ChannelProgress, models.EventTextChunk, nil)
	b.Emit(context.Background(), "a1", models.ChannelMonitor, models.EventTokenUsage, nil)

	select {
	case e := <-sub.Events:
		if e.Channel != models.ChannelMonitor {
			t.Fatalf("expected only monitor events, got %v", e.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for monitor event")
	}

	select {
	case e := <-sub.Events:
		t.Fatalf("expected no further events, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeReplaysFromBookmarkWithoutDuplicates(t *testing.T) {
	s := store.NewMemoryStore()
	b := New(s)
	ctx := context.Background()

	e1 := b.Emit(ctx, "a1", models.ChannelMonitor, models.EventTokenUsage, nil)
	e2 := b.Emit(ctx, "a1", models.ChannelMonitor, models.EventTokenUsage, nil)

	sub, err := b.Subscribe(ctx, "a1", nil, &e1.Bookmark)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	got := <-sub.Events
	if got.Cursor != e2.Cursor {
		t.Fatalf("expected replay to start after the since bookmark, got cursor %d", got.Cursor)
	}

	e3 := b.Emit(ctx, "a1", models.ChannelMonitor, models.EventTokenUsage, nil)
	got = <-sub.Events
	if got.Cursor != e3.Cursor {
		t.Fatalf("expected live event after replay, got cursor %d want %d", got.Cursor, e3.Cursor)
	}
}

func TestEmitConvenienceWrappersRouteToCorrectChannel(t *testing.T) {
	b := New(nil)
	sub, err := b.Subscribe(context.Background(), "a1", nil, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	b.EmitControl("a1", models.EventPermissionRequired, nil)

	select {
	case e := <-sub.Events:
		if e.Channel != models.ChannelControl {
			t.Fatalf("expected control channel, got %v", e.Channel)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestObserverSeesEveryEmit(t *testing.T) {
	b := New(store.NewMemoryStore())
	var seen []models.Event
	b.RegisterObserver(func(e models.Event) { seen = append(seen, e) })

	b.Emit(context.Background(), "a1", models.ChannelProgress, models.EventTextChunk, nil)
	b.Emit(context.Background(), "a2", models.ChannelMonitor, models.EventStepComplete, nil)

	if len(seen) != 2 {
		t.Fatalf("observer must see every emit across agents and channels, got %d", len(seen))
	}
	if seen[0].AgentID != "a1" || seen[1].AgentID != "a2" {
		t.Fatalf("observer events out of order: %+v", seen)
	}
}
