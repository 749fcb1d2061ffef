package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agentcore/kernel/pkg/models"
)

type scriptableTool struct {
	name  string
	attrs ToolAttributes
	exec  func(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error)
}

func (t *scriptableTool) Name() string        { return t.name }
func (t *scriptableTool) Description() string { return "scriptable" }
func (t *scriptableTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {"path": {"type": "string"}},
  "required": ["path"],
  "additionalProperties": false
}`)
}
func (t *scriptableTool) Attributes() ToolAttributes { return t.attrs }
func (t *scriptableTool) Exec(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error) {
	return t.exec(ctx, args, tc)
}

func okTool(name string) *scriptableTool {
	return &scriptableTool{
		name: name,
		exec: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error) {
			return models.ToolResultPayload{OK: true, Content: "fine"}, nil
		},
	}
}

func TestExecuteUnknownToolIsValidationFailure(t *testing.T) {
	r := NewRegistry("a1", nil, nil)
	out, err := r.Execute(context.Background(), "ghost", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.OK || out.ErrorType != models.ErrorValidation || out.Retryable {
		t.Fatalf("expected non-retryable validation failure, got %+v", out)
	}
}

func TestExecuteSchemaRejection(t *testing.T) {
	r := NewRegistry("a1", nil, nil)
	if err := r.Register(okTool("fs_read")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.RegisterRecommendations("fs_read", []string{"pass a path string"})

	out, err := r.Execute(context.Background(), "fs_read", json.RawMessage(`{"path": 42}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.OK || out.ErrorType != models.ErrorValidation {
		t.Fatalf("expected validation failure, got %+v", out)
	}
	if len(out.Recommendations) != 1 || out.Recommendations[0] != "pass a path string" {
		t.Fatalf("recommendations lookup not applied: %+v", out)
	}
}

func TestExecuteLogicalFailureGetsClassified(t *testing.T) {
	r := NewRegistry("a1", nil, nil)
	tool := &scriptableTool{
		name: "fs_read",
		exec: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error) {
			return models.ToolResultPayload{OK: false, Error: "no such file"}, nil
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.RegisterRecommendations("fs_read", []string{"check the path exists"})

	out, err := r.Execute(context.Background(), "fs_read", json.RawMessage(`{"path":"/nope"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.OK || out.ErrorType != models.ErrorLogical || !out.Retryable {
		t.Fatalf("expected retryable logical failure, got %+v", out)
	}
	if len(out.Recommendations) == 0 {
		t.Fatal("failed results must carry the tool's recommendations")
	}
}

func TestExecuteRuntimeError(t *testing.T) {
	r := NewRegistry("a1", nil, nil)
	tool := &scriptableTool{
		name: "fs_read",
		exec: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error) {
			return models.ToolResultPayload{}, errors.New("disk on fire")
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Execute(context.Background(), "fs_read", json.RawMessage(`{"path":"/x"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.OK || out.ErrorType != models.ErrorRuntime || !out.Retryable {
		t.Fatalf("expected retryable runtime failure, got %+v", out)
	}
}

func TestExecuteTimeoutIsAborted(t *testing.T) {
	r := NewRegistry("a1", nil, nil)
	tool := &scriptableTool{
		name:  "slow",
		attrs: ToolAttributes{Timeout: 20 * time.Millisecond},
		exec: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error) {
			select {
			case <-ctx.Done():
				return models.ToolResultPayload{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return models.ToolResultPayload{OK: true}, nil
			}
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Execute(context.Background(), "slow", json.RawMessage(`{"path":"/x"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.OK || out.ErrorType != models.ErrorAborted || out.Retryable {
		t.Fatalf("expected non-retryable aborted failure, got %+v", out)
	}
}

func TestExecutePanicIsException(t *testing.T) {
	r := NewRegistry("a1", nil, nil)
	tool := &scriptableTool{
		name: "boom",
		exec: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error) {
			panic("unexpected nil")
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Execute(context.Background(), "boom", json.RawMessage(`{"path":"/x"}`))
	if err != nil {
		t.Fatalf("Execute must recover the panic, got error %v", err)
	}
	if out.OK || out.ErrorType != models.ErrorException || !out.Retryable {
		t.Fatalf("expected retryable exception failure, got %+v", out)
	}
}

type monitorCapture struct {
	events []map[string]any
}

func (m *monitorCapture) EmitMonitor(agentID string, eventType models.EventType, data map[string]any) {
	m.events = append(m.events, data)
}

func TestExecuteCustomEventReachesMonitor(t *testing.T) {
	mon := &monitorCapture{}
	r := NewRegistry("a1", nil, mon)
	tool := &scriptableTool{
		name: "emitter",
		exec: func(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error) {
			tc.Emit("progress_report", map[string]any{"pct": 50})
			return models.ToolResultPayload{OK: true}, nil
		},
	}
	if err := r.Register(tool); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Execute(context.Background(), "emitter", json.RawMessage(`{"path":"/x"}`)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(mon.events) != 1 || mon.events[0]["event"] != "progress_report" || mon.events[0]["tool"] != "emitter" {
		t.Fatalf("custom event not forwarded: %+v", mon.events)
	}
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry("a1", nil, nil)
	if err := r.Register(badSchema{}); err == nil {
		t.Fatal("expected malformed schema rejected at registration")
	}
}

type badSchema struct{}

func (badSchema) Name() string               { return "bad" }
func (badSchema) Description() string        { return "bad schema" }
func (badSchema) Schema() json.RawMessage    { return json.RawMessage(`{nope`) }
func (badSchema) Attributes() ToolAttributes { return ToolAttributes{} }
func (badSchema) Exec(ctx context.Context, args json.RawMessage, tc *ToolContext) (models.ToolResultPayload, error) {
	return models.ToolResultPayload{OK: true}, nil
}
