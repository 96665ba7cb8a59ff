package lockmanager

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/chartly-labs/agentrt/pkg/envelope"
)

type stepClock struct{ ms int64 }

func (c *stepClock) NowMillis() int64 { return c.ms }

func acquireCmd(msgID, resource, holder string, ttlMS int64) envelope.Envelope {
	body, _ := json.Marshal(AcquireRequest{Resource: resource, HolderID: holder, TTLMillis: ttlMS})
	return envelope.Envelope{MessageID: msgID, Type: "cmd.lock.acquire", Payload: body}
}

func TestAcquireThenDenyThenReleaseThenAcquire(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{ms: 1000}
	m := New(clock)

	cmd1 := acquireCmd("m1", "res-a", "holder-1", 5000)
	out, err := m.Decide(ctx, cmd1)
	if err != nil || len(out) != 1 {
		t.Fatalf("decide acquire: %v %+v", err, out)
	}
	if out[0].Type != "evt.lock.acquired" {
		t.Fatalf("expected acquired, got %s", out[0].Type)
	}
	if err := m.Apply(cmd1); err != nil {
		t.Fatalf("apply acquire: %v", err)
	}

	cmd2 := acquireCmd("m2", "res-a", "holder-2", 5000)
	out2, err := m.Decide(ctx, cmd2)
	if err != nil {
		t.Fatalf("decide second acquire: %v", err)
	}
	if out2[0].Type != "evt.lock.denied" {
		t.Fatalf("expected denied for competing holder, got %s", out2[0].Type)
	}

	relBody, _ := json.Marshal(ReleaseRequest{Resource: "res-a", HolderID: "holder-1"})
	relCmd := envelope.Envelope{MessageID: "m3", Type: "cmd.lock.release", Payload: relBody}
	outRel, err := m.Decide(ctx, relCmd)
	if err != nil || outRel[0].Type != "evt.lock.released" {
		t.Fatalf("expected released, got %+v err=%v", outRel, err)
	}
	if err := m.Apply(relCmd); err != nil {
		t.Fatalf("apply release: %v", err)
	}

	cmd3 := acquireCmd("m4", "res-a", "holder-2", 5000)
	out3, err := m.Decide(ctx, cmd3)
	if err != nil || out3[0].Type != "evt.lock.acquired" {
		t.Fatalf("expected acquire to succeed after release, got %+v err=%v", out3, err)
	}
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{ms: 0}
	m := New(clock)

	cmd1 := acquireCmd("m1", "res-b", "holder-1", 1000)
	if _, err := m.Decide(ctx, cmd1); err != nil {
		t.Fatalf("decide: %v", err)
	}
	if err := m.Apply(cmd1); err != nil {
		t.Fatalf("apply: %v", err)
	}

	clock.ms = 5000 // well past the 1000ms TTL
	cmd2 := acquireCmd("m2", "res-b", "holder-2", 1000)
	out, err := m.Decide(ctx, cmd2)
	if err != nil {
		t.Fatalf("decide after expiry: %v", err)
	}
	if out[0].Type != "evt.lock.acquired" {
		t.Fatalf("expected a different holder to acquire an expired lease, got %s", out[0].Type)
	}
}
