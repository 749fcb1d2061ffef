// Package eventbus implements the three-channel (progress/control/
// monitor) event stream every agent emits on, with per-agent monotonic
// cursors and replay-from-bookmark so a reconnecting subscriber never
// sees a gap or a duplicate.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/pkg/models"
)

// Persister is the narrow slice of store.Store the bus needs. Any
// store.Store (or store.ExtendedStore) backend satisfies this directly.
type Persister interface {
	AppendEvent(ctx context.Context, event models.Event) error
	ReadEvents(ctx context.Context, agentID string, since *models.Bookmark, filter store.EventFilter) ([]models.Event, error)
}

type subscriber struct {
	ch       chan models.Event
	channels map[models.Channel]bool
}

type agentState struct {
	mu          sync.Mutex
	cursor      uint64
	subscribers map[*subscriber]struct{}
}

// Bus fans events out to live subscribers and persists every event so a
// late or reconnecting subscriber can replay from a bookmark.
type Bus struct {
	store Persister

	mu        sync.Mutex
	agents    map[string]*agentState
	observers []func(models.Event)
}

// New constructs a Bus backed by store for persistence and replay.
// store may be nil, in which case replay-from-bookmark is unavailable
// and Subscribe only ever delivers events emitted after it is called.
func New(store Persister) *Bus {
	return &Bus{store: store, agents: make(map[string]*agentState)}
}

// RegisterObserver adds fn to the synchronous observer chain: it is
// called inline on every Emit, across all agents and channels, before
// subscriber fan-out. Observers must be fast and must not block; they
// exist for cross-cutting read-only taps like infra.Metrics.
func (b *Bus) RegisterObserver(fn func(models.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

func (b *Bus) stateFor(agentID string) *agentState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.agents[agentID]
	if !ok {
		st = &agentState{subscribers: make(map[*subscriber]struct{})}
		b.agents[agentID] = st
	}
	return st
}

// Emit assigns the next monotonic cursor/bookmark for agentID, persists
// the event (if a store is configured), and fans it out to every live
// subscriber whose channel filter matches.
func (b *Bus) Emit(ctx context.Context, agentID string, channel models.Channel, eventType models.EventType, data map[string]any) models.Event {
	st := b.stateFor(agentID)

	st.mu.Lock()
	st.cursor++
	event := models.Event{
		AgentID:  agentID,
		Cursor:   st.cursor,
		Bookmark: models.Bookmark{Seq: st.cursor, Timestamp: time.Now()},
		Channel:  channel,
		Type:     eventType,
		Data:     data,
	}
	subs := make([]*subscriber, 0, len(st.subscribers))
	for s := range st.subscribers {
		subs = append(subs, s)
	}
	st.mu.Unlock()

	b.mu.Lock()
	observers := b.observers
	b.mu.Unlock()
	for _, fn := range observers {
		fn(event)
	}

	if b.store != nil {
		_ = b.store.AppendEvent(ctx, event) // persistence failure must not block live delivery
	}

	for _, s := range subs {
		if len(s.channels) > 0 && !s.channels[channel] {
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Slow subscriber: drop rather than block Emit. The subscriber
			// can always recover via Subscribe(since=lastSeenBookmark).
		}
	}
	return event
}

// EmitProgress/EmitControl/EmitMonitor are thin convenience wrappers so
// callers that only ever emit on one channel (e.g. permission.Emitter,
// context.Emitter) can satisfy those narrow interfaces directly.
func (b *Bus) EmitProgress(agentID string, eventType models.EventType, data map[string]any) {
	b.Emit(context.Background(), agentID, models.ChannelProgress, eventType, data)
}

func (b *Bus) EmitControl(agentID string, eventType models.EventType, data map[string]any) {
	b.Emit(context.Background(), agentID, models.ChannelControl, eventType, data)
}

func (b *Bus) EmitMonitor(agentID string, eventType models.EventType, data map[string]any) {
	b.Emit(context.Background(), agentID, models.ChannelMonitor, eventType, data)
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	Events <-chan models.Event
	Close  func()
}

// Subscribe returns a channel of events for agentID, filtered to
// channels (nil/empty means all three). If since is non-nil and a
// store is configured, persisted events after that bookmark are
// replayed first; the live feed then picks up from the highest cursor
// observed during replay (the watermark), so no event is ever
// delivered twice and no event emitted between replay and subscribe
// registration is lost.
func (b *Bus) Subscribe(ctx context.Context, agentID string, channels []models.Channel, since *models.Bookmark) (*Subscription, error) {
	st := b.stateFor(agentID)

	filter := make(map[models.Channel]bool, len(channels))
	for _, c := range channels {
		filter[c] = true
	}

	sub := &subscriber{ch: make(chan models.Event, 256), channels: filter}

	st.mu.Lock()
	st.subscribers[sub] = struct{}{}
	st.mu.Unlock()

	closeFn := func() {
		st.mu.Lock()
		delete(st.subscribers, sub)
		st.mu.Unlock()
		close(sub.ch)
	}

	// No bookmark means live-only; replay is opt-in via since.
	if b.store == nil || since == nil {
		return &Subscription{Events: sub.ch, Close: closeFn}, nil
	}

	replayed, err := b.store.ReadEvents(ctx, agentID, since, store.EventFilter{Channels: channels})
	if err != nil {
		closeFn()
		return nil, err
	}

	// Merge replay with anything already queued live since registration,
	// deduping by cursor so nothing the replay already covered repeats.
	out := make(chan models.Event, len(replayed)+256)
	watermark := uint64(0)
	if since != nil {
		watermark = since.Seq
	}
	for _, e := range replayed {
		if e.Bookmark.Seq > watermark {
			watermark = e.Bookmark.Seq
		}
		out <- e
	}

	go func() {
		for e := range sub.ch {
			if e.Bookmark.Seq <= watermark {
				continue
			}
			out <- e
		}
		close(out)
	}()

	return &Subscription{Events: out, Close: closeFn}, nil
}
