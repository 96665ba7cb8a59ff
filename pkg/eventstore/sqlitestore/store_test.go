package sqlitestore

import (
	"context"
	"testing"

	"github.com/chartly-labs/agentrt/pkg/envelope"
	"github.com/chartly-labs/agentrt/pkg/eventstore"
)

func mkEnvelope(agent, verb, msgID string) envelope.Envelope {
	return envelope.Envelope{
		MessageID:     msgID,
		Type:          "evt." + agent + "." + verb,
		SchemaVersion: "1.0",
		Tenant:        "acme",
		Workspace:     "default",
		Source:        envelope.Source{Agent: agent},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndReplayPreservesOrderAndChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := mkEnvelope("echo", "ping", "m1")
	out := mkEnvelope("echo", "done", "m1-out")
	_, err := s.Append(ctx, eventstore.AppendInput{
		Tenant: "acme", Workspace: "default", Agent: "echo",
		Input: in, Outputs: []envelope.Envelope{out},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	records, err := s.Replay(ctx, "acme", "default", "echo")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records (input + output), got %d", len(records))
	}
	if records[0].Envelope.MessageID != "m1" || records[1].Envelope.MessageID != "m1-out" {
		t.Fatalf("unexpected record order: %+v", records)
	}
	if records[0].PrevHash != eventstore.GenesisHash {
		t.Fatalf("expected first record to chain off genesis, got %q", records[0].PrevHash)
	}
	if err := s.VerifyChain(ctx, "acme", "default", "echo"); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
}

func TestAppendIsIdempotentOnKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := mkEnvelope("echo", "ping", "m1")
	out := mkEnvelope("echo", "done", "m1-out")
	first, err := s.Append(ctx, eventstore.AppendInput{
		Tenant: "acme", Workspace: "default", Agent: "echo",
		IdempotencyKey: "v1:acme:default:k1",
		Input:          in, Outputs: []envelope.Envelope{out},
	})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	differentOut := mkEnvelope("echo", "done", "m2-out")
	second, err := s.Append(ctx, eventstore.AppendInput{
		Tenant: "acme", Workspace: "default", Agent: "echo",
		IdempotencyKey: "v1:acme:default:k1",
		Input:          mkEnvelope("echo", "ping", "m2"), Outputs: []envelope.Envelope{differentOut},
	})
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if second[0].MessageID != first[0].MessageID {
		t.Fatalf("expected cached outputs on replay, got %+v vs %+v", second, first)
	}

	records, err := s.Replay(ctx, "acme", "default", "echo")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("replayed commit must not happen twice, got %d records", len(records))
	}
}

func TestAppendDetectsEntityConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	expected0 := int64(0)

	_, err := s.Append(ctx, eventstore.AppendInput{
		Tenant: "acme", Workspace: "default", Agent: "echo",
		Input: mkEnvelope("echo", "ping", "m1"),
		Bumps: []eventstore.EntityBump{{Agent: "echo", EntityID: "ent-1", ExpectedVersion: &expected0, NewVersion: 1}},
	})
	if err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, err = s.Append(ctx, eventstore.AppendInput{
		Tenant: "acme", Workspace: "default", Agent: "echo",
		Input: mkEnvelope("echo", "ping", "m2"),
		Bumps: []eventstore.EntityBump{{Agent: "echo", EntityID: "ent-1", ExpectedVersion: &expected0, NewVersion: 1}},
	})
	if err == nil {
		t.Fatalf("expected a conflict on stale expected version")
	}
	var conflict *eventstore.ConflictError
	if !asConflict(err, &conflict) {
		t.Fatalf("expected *eventstore.ConflictError, got %T: %v", err, err)
	}
	if conflict.Actual != 1 {
		t.Fatalf("expected actual version 1, got %d", conflict.Actual)
	}
}

func asConflict(err error, out **eventstore.ConflictError) bool {
	c, ok := err.(*eventstore.ConflictError)
	if ok {
		*out = c
	}
	return ok
}
