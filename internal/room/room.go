// Package room implements the mention-based message router between named
// members of one agent pool. A message with @name mentions goes to those
// members; anything else broadcasts to everyone but the sender. Delivery
// enqueues synchronously; the recipients process asynchronously on their
// own loops.
package room

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

// Deliverer enqueues a message onto a live agent. Implemented by
// pool.Pool; kept as an interface so the room has no dependency on the
// pool's lifecycle machinery.
type Deliverer interface {
	Deliver(ctx context.Context, agentID string, msg models.Message) error
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_][A-Za-z0-9_-]*)`)

// Room is a named membership map over one pool.
type Room struct {
	pool Deliverer

	mu      sync.Mutex
	members map[string]string // display name -> agent id
}

// New constructs an empty Room over pool.
func New(pool Deliverer) *Room {
	return &Room{pool: pool, members: make(map[string]string)}
}

// Join adds (or replaces) a member under name.
func (r *Room) Join(name, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[name] = agentID
}

// Leave removes a member by name.
func (r *Room) Leave(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, name)
}

// Members returns the current display names in sorted order.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.members))
	for n := range r.members {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Say routes text from fromName. Mentions matching room members deliver
// to each mentioned member except the sender; a message with no matching
// mention broadcasts to every member except the sender. The message
// lands in each recipient's queue before Say returns.
func (r *Room) Say(ctx context.Context, fromName, text string) error {
	r.mu.Lock()
	if _, ok := r.members[fromName]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("room: %q is not a member", fromName)
	}

	var recipients []string
	for _, match := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if name == fromName {
			continue
		}
		if id, ok := r.members[name]; ok {
			recipients = append(recipients, id)
		}
	}

	if len(recipients) == 0 {
		for name, id := range r.members {
			if name == fromName {
				continue
			}
			recipients = append(recipients, id)
		}
	}
	r.mu.Unlock()

	recipients = dedupe(recipients)
	msg := models.Message{
		Role: models.RoleUser,
		Content: []models.ContentBlock{{
			Type: models.BlockText,
			Text: fmt.Sprintf("[from:%s] %s", fromName, text),
		}},
		Metadata: map[string]any{
			models.MetadataReminderKey: models.ReminderTagRoom,
			"room_sender":              fromName,
		},
		CreatedAt: time.Now(),
	}

	var firstErr error
	for _, id := range recipients {
		m := msg
		m.AgentID = id
		if err := r.pool.Deliver(ctx, id, m); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("room: deliver to %s: %w", id, err)
		}
	}
	return firstErr
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
