package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentcore/kernel/internal/agent"
	"github.com/agentcore/kernel/internal/eventbus"
	"github.com/agentcore/kernel/internal/infra"
	"github.com/agentcore/kernel/internal/permission"
	"github.com/agentcore/kernel/internal/provider"
	"github.com/agentcore/kernel/internal/store"
	"github.com/agentcore/kernel/pkg/models"
)

// echoProvider answers every turn with a fixed text completion.
type echoProvider struct{ reply string }

func (p *echoProvider) Name() string             { return "echo" }
func (p *echoProvider) Models() []provider.Model { return nil }
func (p *echoProvider) CountTokens(ctx context.Context, req provider.CompletionRequest) (int, error) {
	return 0, nil
}

func (p *echoProvider) Complete(ctx context.Context, req provider.CompletionRequest) (<-chan provider.CompletionChunk, error) {
	out := make(chan provider.CompletionChunk, 2)
	out <- provider.CompletionChunk{Kind: provider.ChunkTextDelta, TextDelta: p.reply}
	out <- provider.CompletionChunk{Kind: provider.ChunkMessageStop}
	close(out)
	return out, nil
}

func poolDeps(s store.Store, reply string) agent.Deps {
	return agent.Deps{
		Store:    s,
		Bus:      eventbus.New(s),
		Provider: &echoProvider{reply: reply},
	}
}

func autoCfg() agent.Config {
	return agent.Config{Permission: permission.Config{Mode: permission.ModeAuto}}
}

func TestCreateAndDestroy(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{}, s, nil, nil)
	ctx := context.Background()

	a, err := p.Create(ctx, "a1", autoCfg(), poolDeps(s, "hi"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got, ok := p.Get("a1"); !ok || got != a {
		t.Fatal("created agent must be tracked")
	}

	if _, err := p.Create(ctx, "a1", autoCfg(), poolDeps(s, "hi")); !errors.Is(err, ErrAlreadyLive) {
		t.Fatalf("expected ErrAlreadyLive, got %v", err)
	}

	if err := p.Destroy(ctx, "a1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, ok := p.Get("a1"); ok {
		t.Fatal("destroyed agent must leave the pool")
	}
	// Persisted state survives Destroy.
	if exists, _ := s.Exists(ctx, "a1"); !exists {
		t.Fatal("destroy must not delete persisted state")
	}
}

func TestMaxAgentsEnforced(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{MaxAgents: 1}, s, nil, nil)
	ctx := context.Background()

	if _, err := p.Create(ctx, "a1", autoCfg(), poolDeps(s, "x")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := p.Create(ctx, "a2", autoCfg(), poolDeps(s, "x")); !errors.Is(err, ErrPoolFull) {
		t.Fatalf("expected ErrPoolFull, got %v", err)
	}
}

func TestResumeRequiresStoredAgent(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{}, s, nil, nil)
	ctx := context.Background()

	if _, err := p.Resume(ctx, "ghost", autoCfg(), poolDeps(s, "x"), agent.ResumeOptions{}); !errors.Is(err, agent.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	// A failed admit must release the reservation.
	s.SaveInfo(ctx, models.AgentInfo{AgentID: "ghost"})
	if _, err := p.Resume(ctx, "ghost", autoCfg(), poolDeps(s, "x"), agent.ResumeOptions{}); err != nil {
		t.Fatalf("Resume after seeding: %v", err)
	}
}

func TestGracefulShutdownSavesRunningList(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{}, s, nil, nil)
	ctx := context.Background()

	p.Create(ctx, "a1", autoCfg(), poolDeps(s, "x"))
	p.Create(ctx, "a2", autoCfg(), poolDeps(s, "x"))

	report, err := p.GracefulShutdown(ctx, ShutdownOptions{SaveRunningList: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("GracefulShutdown: %v", err)
	}
	if len(report.Completed) != 2 {
		t.Fatalf("expected both idle agents completed, got %+v", report)
	}
	if len(p.LiveIDs()) != 0 {
		t.Fatal("pool must be empty after shutdown")
	}

	ids, err := s.LoadPoolMeta(ctx)
	if err != nil {
		t.Fatalf("LoadPoolMeta: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 saved ids, got %v", ids)
	}
}

func TestResumeFromShutdown(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{}, s, nil, nil)
	ctx := context.Background()

	p.Create(ctx, "a1", autoCfg(), poolDeps(s, "x"))
	if _, err := p.GracefulShutdown(ctx, ShutdownOptions{SaveRunningList: true}); err != nil {
		t.Fatalf("GracefulShutdown: %v", err)
	}

	resumed, err := p.ResumeFromShutdown(ctx, func(id string) (agent.Config, agent.Deps, error) {
		return autoCfg(), poolDeps(s, "back"), nil
	})
	if err != nil {
		t.Fatalf("ResumeFromShutdown: %v", err)
	}
	if len(resumed) != 1 || resumed[0].ID() != "a1" {
		t.Fatalf("expected a1 resumed, got %d agents", len(resumed))
	}

	// The running list is cleared after resume.
	ids, _ := s.LoadPoolMeta(ctx)
	if len(ids) != 0 {
		t.Fatalf("expected cleared running list, got %v", ids)
	}
}

func TestDeliverToLiveAgent(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{}, s, nil, nil)
	ctx := context.Background()

	a, err := p.Create(ctx, "a1", autoCfg(), poolDeps(s, "x"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = a

	msg := models.Message{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hi"}}}
	if err := p.Deliver(ctx, "a1", msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := p.Deliver(ctx, "nobody", msg); !errors.Is(err, ErrNotLive) {
		t.Fatalf("expected ErrNotLive, got %v", err)
	}
}

func TestForkBringsChildLiveWithLineage(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{}, s, nil, nil)
	ctx := context.Background()

	a, err := p.Create(ctx, "a1", autoCfg(), poolDeps(s, "first answer"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := a.Send(ctx, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	child, err := p.Fork(ctx, "a1", "", poolDeps(s, "child answer"), agent.ResumeOptions{Strategy: agent.ResumeCrash})
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	info, err := child.Info(ctx)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if len(info.Lineage) != 1 || info.Lineage[0] != "a1" {
		t.Fatalf("expected lineage [a1], got %v", info.Lineage)
	}

	// Parent and child histories share the prefix and then diverge.
	if _, err := a.Send(ctx, "parent follow-up"); err != nil {
		t.Fatalf("parent Send: %v", err)
	}
	if _, err := child.Send(ctx, "child follow-up"); err != nil {
		t.Fatalf("child Send: %v", err)
	}

	parentMsgs, _ := s.LoadMessages(ctx, "a1")
	childMsgs, _ := s.LoadMessages(ctx, child.ID())
	if parentMsgs[0].Text() != childMsgs[0].Text() {
		t.Fatal("fork must share the prefix")
	}
	if parentMsgs[len(parentMsgs)-2].Text() == childMsgs[len(childMsgs)-2].Text() {
		t.Fatal("fork histories must diverge after the fork point")
	}

	// Event logs stay disjoint: the child's events all carry its own id.
	childEvents, _ := s.ReadEvents(ctx, child.ID(), nil, store.EventFilter{})
	for _, e := range childEvents {
		if e.AgentID != child.ID() {
			t.Fatalf("child event owned by %q", e.AgentID)
		}
	}
}

func TestSpawnChildRunsTemplate(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{}, s, nil, nil)
	ctx := context.Background()

	parent, err := p.Create(ctx, "parent", autoCfg(), poolDeps(s, "parent reply"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = parent

	p.RegisterTemplate("researcher", func(parentID string) (agent.Config, agent.Deps, error) {
		return autoCfg(), poolDeps(s, "research finding"), nil
	})

	result, childID, err := p.SpawnChild(ctx, "parent", "researcher", "dig into this", false)
	if err != nil {
		t.Fatalf("SpawnChild: %v", err)
	}
	if result != "research finding" {
		t.Fatalf("expected the child's final text, got %q", result)
	}
	if _, live := p.Get(childID); live {
		t.Fatal("spawned child must be destroyed after the task")
	}

	info, err := s.LoadInfo(ctx, childID)
	if err != nil {
		t.Fatalf("child info: %v", err)
	}
	if len(info.Lineage) != 1 || info.Lineage[0] != "parent" {
		t.Fatalf("expected child lineage [parent], got %v", info.Lineage)
	}

	if _, _, err := p.SpawnChild(ctx, "parent", "ghost-template", "x", false); err == nil {
		t.Fatal("expected unknown template to fail")
	}
}

func TestHealthChecksReportStoreAndPool(t *testing.T) {
	s := store.NewMemoryStore()
	p := New(Config{MaxAgents: 1}, s, nil, nil)
	ctx := context.Background()

	registry := infra.NewHealthCheckRegistry()
	p.RegisterHealthChecks(registry)

	report := registry.CheckAll(ctx)
	if !report.IsHealthy() {
		t.Fatalf("expected healthy report, got %+v", report)
	}

	storeCheck, ok := registry.Check(ctx, "store")
	if !ok {
		t.Fatal("store check not registered")
	}
	if storeCheck.Metadata["single_process_only"] != "true" {
		t.Fatalf("memory backend must disclose its in-process lock: %+v", storeCheck)
	}

	// Saturate the pool; its check degrades.
	if _, err := p.Create(ctx, "a1", autoCfg(), poolDeps(s, "x")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	poolCheck, _ := registry.Check(ctx, "agent-pool")
	if poolCheck.Status == infra.ServiceHealthHealthy {
		t.Fatalf("saturated pool must not report healthy, got %+v", poolCheck)
	}
}
