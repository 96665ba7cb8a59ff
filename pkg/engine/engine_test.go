package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/chartly-labs/agentrt/pkg/adapter"
	"github.com/chartly-labs/agentrt/pkg/envelope"
	"github.com/chartly-labs/agentrt/pkg/eventstore"
	"github.com/chartly-labs/agentrt/pkg/telemetry"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMillis() int64 { return c.ms }

type fakePublisher struct {
	events   []envelope.Envelope
	commands []envelope.Envelope
}

func (p *fakePublisher) PublishEvent(env envelope.Envelope, verb string) error {
	p.events = append(p.events, env)
	return nil
}
func (p *fakePublisher) PublishCommand(env envelope.Envelope, verb string) error {
	p.commands = append(p.commands, env)
	return nil
}

// echoAgent emits one evt.echo.done per cmd it receives, and tracks applied
// message IDs in order, the way a pure fold would.
type echoAgent struct {
	applied []string
}

func (a *echoAgent) Name() string { return "echo" }

func (a *echoAgent) Decide(_ context.Context, in envelope.Envelope) ([]envelope.Envelope, error) {
	out := envelope.Envelope{
		MessageID:     "out-" + in.MessageID,
		Type:          "evt.echo.done",
		SchemaVersion: "1.0",
		Actor:         in.Actor,
		Source:        envelope.Source{Agent: "echo"},
		Payload:       in.Payload,
	}
	return []envelope.Envelope{out}, nil
}

func (a *echoAgent) Apply(in envelope.Envelope) error {
	a.applied = append(a.applied, in.MessageID)
	return nil
}

func (a *echoAgent) State() adapter.State { return adapter.State{Agent: "echo", Data: a.applied} }

func (a *echoAgent) Health(ctx context.Context) telemetry.HealthSnapshot {
	snap, _ := telemetry.NewHealthSnapshot("echo", "", "", nil, time.Time{})
	return snap
}

func newTestEngine(t *testing.T) (*Engine, *echoAgent, *fakePublisher, eventstore.Store) {
	t.Helper()
	reg := adapter.NewRegistry()
	a := &echoAgent{}
	reg.Register(a)
	store := eventstore.NewMemory()
	pub := &fakePublisher{}
	e := New(Options{
		Tenant:    "acme",
		Workspace: "default",
		Store:     store,
		Registry:  reg,
		Publisher: pub,
		Clock:     &fakeClock{ms: 100},
	})
	return e, a, pub, store
}

func cmdEnvelope(msgID, idemKey string) envelope.Envelope {
	return envelope.Envelope{
		MessageID:       msgID,
		TS:              1,
		Type:            "cmd.echo.ping",
		SchemaVersion:   "1.0",
		Tenant:          "acme",
		Workspace:       "default",
		SecurityContext: envelope.SecurityContext{PrincipalID: "u1", PrincipalType: "human"},
		Actor:           envelope.Actor{ID: "u1"},
		Source:          envelope.Source{Agent: "echo"},
		Payload:         json.RawMessage(`{"n":1}`),
		IdempotencyKey:  idemKey,
	}
}

func TestProcessHappyPath(t *testing.T) {
	e, a, pub, _ := newTestEngine(t)
	res, err := e.Process(context.Background(), cmdEnvelope("m1", "v1:acme:default:k1"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Kind != KindOK {
		t.Fatalf("expected KindOK, got %v (%v)", res.Kind, res.Err)
	}
	if len(res.Outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(res.Outputs))
	}
	if res.Outputs[0].Tenant != "acme" || res.Outputs[0].Workspace != "default" {
		t.Fatalf("egress scope not rewritten: %+v", res.Outputs[0])
	}
	if len(a.applied) != 1 || a.applied[0] != "m1" {
		t.Fatalf("apply not called correctly: %+v", a.applied)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(pub.events))
	}
}

func TestProcessIdempotentReplayDoesNotReapply(t *testing.T) {
	e, a, pub, _ := newTestEngine(t)
	ctx := context.Background()
	first, err := e.Process(ctx, cmdEnvelope("m1", "v1:acme:default:k1"))
	if err != nil {
		t.Fatalf("first process: %v", err)
	}

	second, err := e.Process(ctx, cmdEnvelope("m2-different-content", "v1:acme:default:k1"))
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if !second.Replayed {
		t.Fatalf("expected Replayed=true on idempotency hit")
	}
	if second.Outputs[0].MessageID != first.Outputs[0].MessageID {
		t.Fatalf("idempotent replay must return the original outputs, got %+v vs %+v", second.Outputs, first.Outputs)
	}
	if len(a.applied) != 1 {
		t.Fatalf("apply must not run again on dedup hit, got %d calls", len(a.applied))
	}
	if len(pub.events) != 2 {
		t.Fatalf("dedup hit should still republish outputs, got %d publishes", len(pub.events))
	}
}

func TestProcessScopeViolation(t *testing.T) {
	e, _, pub, store := newTestEngine(t)
	ctx := context.Background()
	env := cmdEnvelope("m1", "")
	env.Tenant = "other-tenant"
	res, err := e.Process(ctx, env)
	if err != nil {
		t.Fatalf("expected the violation to be fully handled (audited + acked), got error: %v", err)
	}
	if res.Kind != KindScopeViolation {
		t.Fatalf("expected KindScopeViolation, got %v", res.Kind)
	}

	records, rerr := store.Replay(ctx, "acme", "default", "security")
	if rerr != nil {
		t.Fatalf("replay security stream: %v", rerr)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one persisted security record, got %d", len(records))
	}
	if records[0].Envelope.Type != "evt.security.violation" {
		t.Fatalf("expected evt.security.violation, got %q", records[0].Envelope.Type)
	}
	if records[0].Envelope.Tenant != "acme" || records[0].Envelope.Workspace != "default" {
		t.Fatalf("violation event must be stored under the engine's own scope, got %+v", records[0].Envelope)
	}

	if len(pub.events) != 1 || pub.events[0].Type != "evt.security.violation" {
		t.Fatalf("expected the violation event to be published, got %+v", pub.events)
	}
}

func TestProcessConcurrencyConflict(t *testing.T) {
	e, _, pub, store := newTestEngine(t)
	ctx := context.Background()
	v0 := int64(0)
	env := cmdEnvelope("m1", "")
	env.EntityID = "ent-1"
	env.ExpectedVersion = &v0

	if _, err := e.Process(ctx, env); err != nil {
		t.Fatalf("first process: %v", err)
	}

	env2 := cmdEnvelope("m2", "")
	env2.EntityID = "ent-1"
	env2.ExpectedVersion = &v0 // stale: entity is now at version 1
	res, err := e.Process(ctx, env2)
	if err != nil {
		t.Fatalf("expected the conflict to be fully handled (audited + acked), got error: %v", err)
	}
	if res.Kind != KindConflict {
		t.Fatalf("expected KindConflict, got %v", res.Kind)
	}
	if res.ConflictActual != 1 {
		t.Fatalf("expected conflict actual version 1, got %d", res.ConflictActual)
	}

	records, rerr := store.Replay(ctx, "acme", "default", "echo")
	if rerr != nil {
		t.Fatalf("replay echo stream: %v", rerr)
	}
	var conflictEnv *envelope.Envelope
	for i := range records {
		if records[i].Envelope.Type == "evt.echo.conflict" {
			conflictEnv = &records[i].Envelope
		}
	}
	if conflictEnv == nil {
		t.Fatalf("expected an evt.echo.conflict record in the echo stream, got %+v", records)
	}
	var payload struct {
		EntityID        string `json:"entity_id"`
		ExpectedVersion int64  `json:"expected_version"`
		CurrentVersion  int64  `json:"current_version"`
		Reason          string `json:"reason"`
	}
	if jerr := json.Unmarshal(conflictEnv.Payload, &payload); jerr != nil {
		t.Fatalf("decode conflict payload: %v", jerr)
	}
	if payload.EntityID != "ent-1" || payload.ExpectedVersion != 0 || payload.CurrentVersion != 1 || payload.Reason != "version_mismatch" {
		t.Fatalf("unexpected conflict payload: %+v", payload)
	}

	var publishedConflicts int
	for _, ev := range pub.events {
		if ev.Type == "evt.echo.conflict" {
			publishedConflicts++
		}
	}
	if publishedConflicts != 1 {
		t.Fatalf("expected exactly one published evt.echo.conflict, got %d", publishedConflicts)
	}
}

// failingDecideAgent always fails Decide, to exercise the runtime-error
// audit path.
type failingDecideAgent struct{}

func (a *failingDecideAgent) Name() string { return "broken" }
func (a *failingDecideAgent) Decide(context.Context, envelope.Envelope) ([]envelope.Envelope, error) {
	return nil, fmt.Errorf("boom")
}
func (a *failingDecideAgent) Apply(envelope.Envelope) error { return nil }
func (a *failingDecideAgent) State() adapter.State          { return adapter.State{Agent: "broken"} }
func (a *failingDecideAgent) Health(ctx context.Context) telemetry.HealthSnapshot {
	snap, _ := telemetry.NewHealthSnapshot("broken", "", "", nil, time.Time{})
	return snap
}

func TestProcessAdapterDecideFailureEmitsRuntimeError(t *testing.T) {
	reg := adapter.NewRegistry()
	reg.Register(&failingDecideAgent{})
	store := eventstore.NewMemory()
	pub := &fakePublisher{}
	e := New(Options{
		Tenant:    "acme",
		Workspace: "default",
		Store:     store,
		Registry:  reg,
		Publisher: pub,
		Clock:     &fakeClock{ms: 100},
	})

	env := cmdEnvelope("m1", "")
	env.Source.Agent = "broken"
	ctx := context.Background()
	res, err := e.Process(ctx, env)
	if err != nil {
		t.Fatalf("expected the adapter failure to be fully handled (audited + acked), got error: %v", err)
	}
	if res.Kind != KindAdapterError {
		t.Fatalf("expected KindAdapterError, got %v", res.Kind)
	}

	records, rerr := store.Replay(ctx, "acme", "default", "runtime")
	if rerr != nil {
		t.Fatalf("replay runtime stream: %v", rerr)
	}
	if len(records) != 1 || records[0].Envelope.Type != "evt.runtime.error" {
		t.Fatalf("expected one evt.runtime.error record, got %+v", records)
	}
	var payload struct {
		ErrorCode       string `json:"error_code"`
		OriginalEventID string `json:"original_event_id"`
	}
	if jerr := json.Unmarshal(records[0].Envelope.Payload, &payload); jerr != nil {
		t.Fatalf("decode runtime error payload: %v", jerr)
	}
	if payload.OriginalEventID != "m1" {
		t.Fatalf("expected original_event_id m1, got %q", payload.OriginalEventID)
	}
	if len(pub.events) != 1 || pub.events[0].Type != "evt.runtime.error" {
		t.Fatalf("expected the runtime error event to be published, got %+v", pub.events)
	}
}
