// Package scheduler implements Scheduler: per-agent step, wall-clock
// interval, cron, and external-trigger callbacks, all of which run as
// system messages injected onto the owning agent's own loop rather than
// on an arbitrary goroutine.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentcore/kernel/pkg/models"
)

// cronParser accepts both the classic 5-field form and an optional
// leading seconds field, matching what operators typically hand-author.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Callback produces the system message to inject when a trigger fires.
// Returning a zero Message (no content blocks) suppresses injection for
// that firing.
type Callback func(ctx context.Context, agentID string) models.Message

// ReminderSink receives a message to enqueue onto an agent's next turn.
type ReminderSink interface {
	QueueReminder(agentID string, msg models.Message)
}

// Emitter is the narrow slice of eventbus.Bus the scheduler needs.
type Emitter interface {
	EmitMonitor(agentID string, eventType models.EventType, data map[string]any)
}

type triggerKind string

const (
	triggerSteps    triggerKind = "steps"
	triggerInterval triggerKind = "interval"
	triggerCron     triggerKind = "cron"
	triggerExternal triggerKind = "external"
)

type trigger struct {
	kind     triggerKind
	agentID  string
	callback Callback

	everyN   int // steps
	interval time.Duration
	schedule cron.Schedule
	nextRun  time.Time

	externalID string

	timer *time.Timer
}

// Scheduler owns every registered trigger for every agent it serves.
// One Scheduler instance is shared across agents; triggers are keyed by
// agent so a single agent's shutdown only tears down its own triggers.
type Scheduler struct {
	reminder ReminderSink
	emitter  Emitter

	mu        sync.Mutex
	stepCount map[string]int
	triggers  map[string][]*trigger // agentID -> triggers
	wallClock *time.Ticker
	stopWall  chan struct{}
	closed    bool
}

// New constructs a Scheduler. The wall-clock ticker driving interval and
// cron triggers runs at resolution; callers that never register interval
// or cron triggers may pass 0 to skip starting it.
func New(resolution time.Duration, reminder ReminderSink, emitter Emitter) *Scheduler {
	s := &Scheduler{
		reminder:  reminder,
		emitter:   emitter,
		stepCount: make(map[string]int),
		triggers:  make(map[string][]*trigger),
	}
	if resolution > 0 {
		s.wallClock = time.NewTicker(resolution)
		s.stopWall = make(chan struct{})
		go s.runWallClock()
	}
	return s
}

// Close stops the wall-clock driver. Safe to call once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.wallClock != nil {
		s.wallClock.Stop()
		close(s.stopWall)
	}
}

// EverySteps registers a trigger that fires every n completed turns of
// agentID's loop, driven by OnStep.
func (s *Scheduler) EverySteps(agentID string, n int, cb Callback) error {
	if n <= 0 {
		return fmt.Errorf("scheduler: everySteps requires n > 0, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[agentID] = append(s.triggers[agentID], &trigger{kind: triggerSteps, agentID: agentID, callback: cb, everyN: n})
	return nil
}

// EveryInterval registers a trigger that fires every d of wall-clock
// time for agentID.
func (s *Scheduler) EveryInterval(agentID string, d time.Duration, cb Callback) error {
	if d <= 0 {
		return fmt.Errorf("scheduler: everyInterval requires d > 0, got %v", d)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[agentID] = append(s.triggers[agentID], &trigger{
		kind: triggerInterval, agentID: agentID, callback: cb, interval: d, nextRun: time.Now().Add(d),
	})
	return nil
}

// Cron registers a trigger firing on spec, a standard or
// seconds-optional cron expression.
func (s *Scheduler) Cron(agentID, spec string, cb Callback) error {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("scheduler: parse cron spec %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[agentID] = append(s.triggers[agentID], &trigger{
		kind: triggerCron, agentID: agentID, callback: cb, schedule: schedule, nextRun: schedule.Next(time.Now()),
	})
	return nil
}

// NotifyExternalTrigger registers an external trigger identified by id;
// fire it with FireExternalTrigger, which runs it on every call and
// leaves it registered. Re-registering the same id replaces the prior
// callback.
func (s *Scheduler) NotifyExternalTrigger(agentID, id string, cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.triggers[agentID] {
		if t.kind == triggerExternal && t.externalID == id {
			s.triggers[agentID][i] = &trigger{kind: triggerExternal, agentID: agentID, callback: cb, externalID: id}
			return
		}
	}
	s.triggers[agentID] = append(s.triggers[agentID], &trigger{kind: triggerExternal, agentID: agentID, callback: cb, externalID: id})
}

// FireExternalTrigger invokes the external trigger id for agentID, if
// one was registered via NotifyExternalTrigger, and injects the
// resulting message exactly as a step or cron trigger would.
func (s *Scheduler) FireExternalTrigger(ctx context.Context, agentID, id string, payload any) {
	s.mu.Lock()
	var hit *trigger
	for _, t := range s.triggers[agentID] {
		if t.kind == triggerExternal && t.externalID == id {
			hit = t
			break
		}
	}
	s.mu.Unlock()
	if hit == nil {
		return
	}
	s.fire(ctx, hit)
}

// OnStep advances agentID's step counter and fires any due step triggers.
// Called once per completed agent turn.
func (s *Scheduler) OnStep(ctx context.Context, agentID string) {
	s.mu.Lock()
	s.stepCount[agentID]++
	count := s.stepCount[agentID]
	var due []*trigger
	for _, t := range s.triggers[agentID] {
		if t.kind == triggerSteps && count%t.everyN == 0 {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.fire(ctx, t)
	}
}

func (s *Scheduler) runWallClock() {
	for {
		select {
		case <-s.stopWall:
			return
		case now := <-s.wallClock.C:
			s.checkWallClockTriggers(now)
		}
	}
}

func (s *Scheduler) checkWallClockTriggers(now time.Time) {
	s.mu.Lock()
	var due []*trigger
	for _, triggers := range s.triggers {
		for _, t := range triggers {
			if (t.kind != triggerInterval && t.kind != triggerCron) || t.nextRun.After(now) {
				continue
			}
			due = append(due, t)
			switch t.kind {
			case triggerInterval:
				t.nextRun = now.Add(t.interval)
			case triggerCron:
				t.nextRun = t.schedule.Next(now)
			}
		}
	}
	s.mu.Unlock()

	for _, t := range due {
		s.fire(context.Background(), t)
	}
}

func (s *Scheduler) fire(ctx context.Context, t *trigger) {
	msg := t.callback(ctx, t.agentID)
	if s.emitter != nil {
		s.emitter.EmitMonitor(t.agentID, models.EventSchedulerTriggered, map[string]any{"kind": string(t.kind)})
	}
	if len(msg.Content) == 0 {
		return
	}
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}
	msg.Metadata[models.MetadataReminderKey] = models.ReminderTagSchedule
	if s.reminder != nil {
		s.reminder.QueueReminder(t.agentID, msg)
	}
}
