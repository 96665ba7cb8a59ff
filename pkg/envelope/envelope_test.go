package envelope

import "testing"

func validEnvelope() Envelope {
	return Envelope{
		MessageID:       "m1",
		TS:              1000,
		Type:            "cmd.echo.ping",
		SchemaVersion:   "1.0",
		Tenant:          "acme",
		Workspace:       "default",
		SecurityContext: SecurityContext{PrincipalID: "u1", PrincipalType: "human"},
		Actor:           Actor{ID: "u1"},
		Source:          Source{Agent: "echo"},
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		mod  func(e *Envelope)
	}{
		{"bad message id", func(e *Envelope) { e.MessageID = "" }},
		{"zero ts", func(e *Envelope) { e.TS = 0 }},
		{"bad type", func(e *Envelope) { e.Type = "not-a-type" }},
		{"unknown namespace", func(e *Envelope) { e.Type = "xyz.echo.ping" }},
		{"missing schema version", func(e *Envelope) { e.SchemaVersion = "" }},
		{"bad tenant", func(e *Envelope) { e.Tenant = "Has Spaces" }},
		{"bad workspace", func(e *Envelope) { e.Workspace = "" }},
		{"missing principal", func(e *Envelope) { e.SecurityContext = SecurityContext{} }},
		{"missing actor", func(e *Envelope) { e.Actor = Actor{} }},
		{"missing source agent", func(e *Envelope) { e.Source = Source{} }},
		{"expected version without entity", func(e *Envelope) { v := int64(1); e.ExpectedVersion = &v }},
		{"negative expected version", func(e *Envelope) {
			e.EntityID = "ent-1"
			v := int64(-1)
			e.ExpectedVersion = &v
		}},
	}
	for _, tc := range cases {
		e := validEnvelope()
		tc.mod(&e)
		if err := e.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
}

func TestNamespace(t *testing.T) {
	e := validEnvelope()
	if got := e.Namespace(); got != "cmd" {
		t.Fatalf("expected cmd, got %q", got)
	}
}

func TestNormalizeTrimsAndLowercases(t *testing.T) {
	e := validEnvelope()
	e.Tenant = "  ACME  "
	e.Type = "  CMD.Echo.Ping  "
	e.Normalize()
	if e.Tenant != "acme" {
		t.Fatalf("expected normalized tenant, got %q", e.Tenant)
	}
	if e.Type != "cmd.echo.ping" {
		t.Fatalf("expected normalized type, got %q", e.Type)
	}
}

func TestCanonicalBytesIsDeterministic(t *testing.T) {
	e := validEnvelope()
	e.Extensions = map[string]string{"b": "2", "a": "1"}
	b1, err := e.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical bytes: %v", err)
	}
	// rebuild the map in a different insertion order; output must be identical
	e2 := validEnvelope()
	e2.Extensions = map[string]string{"a": "1", "b": "2"}
	b2, err := e2.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical bytes 2: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("canonical bytes not order-independent:\n%s\nvs\n%s", b1, b2)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	e := validEnvelope()
	h1, err := e.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	e.MessageID = "m2"
	h2, err := e.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("expected different hashes for different content")
	}
}

func TestScopeMatches(t *testing.T) {
	e := validEnvelope()
	if !ScopeMatches(e, "acme", "default") {
		t.Fatalf("expected scope match")
	}
	if ScopeMatches(e, "other", "default") {
		t.Fatalf("expected scope mismatch on tenant")
	}
}

func TestRewriteEgressForcesScopeAndThreadsCausation(t *testing.T) {
	in := validEnvelope()
	in.CorrelationID = "corr-1"
	in.TraceID = "trace-1"
	out := Envelope{Tenant: "attacker", Workspace: "attacker-ws", Type: "evt.echo.done"}
	rewritten := RewriteEgress(out, in, 5000)
	if rewritten.Tenant != "acme" || rewritten.Workspace != "default" {
		t.Fatalf("expected egress scope forced to inbound scope, got %+v", rewritten)
	}
	if rewritten.CausationID != in.MessageID {
		t.Fatalf("expected causation_id threaded from inbound message id")
	}
	if rewritten.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation_id preserved, got %q", rewritten.CorrelationID)
	}
	if rewritten.TS != 5000 {
		t.Fatalf("expected ts filled in when adapter left it zero, got %d", rewritten.TS)
	}
	if rewritten.TraceID != "trace-1" {
		t.Fatalf("expected trace_id threaded from inbound envelope")
	}
}
