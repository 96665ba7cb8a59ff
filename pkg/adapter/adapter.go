// Package adapter defines the Agent Adapter contract (C6): the boundary
// between the runtime engine and the domain-specific logic it orchestrates.
// Decide may call out to the outside world; Apply never does — it is the
// only place allowed to fold an envelope into an agent's state, and it must
// be pure so Replay can reconstruct state by re-running it.
package adapter

import (
	"context"
	"fmt"

	"github.com/chartly-labs/agentrt/pkg/envelope"
	"github.com/chartly-labs/agentrt/pkg/telemetry"
)

// State is an opaque, agent-defined state snapshot. The engine never
// inspects its contents; it exists so State() can be logged, hashed, or
// compared in tests.
type State struct {
	Agent   string
	Version int64
	Data    any
}

// Agent is the contract every domain plugin implements.
type Agent interface {
	// Name returns the agent identifier used in envelope.Source.Agent and
	// in cmd./evt. subject tokens.
	Name() string

	// Decide may perform I/O (calling external services, reading from other
	// stores) and returns the envelopes this agent wants to emit in
	// response to in. It must not mutate the agent's own state — that is
	// Apply's job, and happens only after Decide's outputs are committed.
	Decide(ctx context.Context, in envelope.Envelope) ([]envelope.Envelope, error)

	// Apply folds in into the agent's state. It must be a pure function of
	// (current state, in): no I/O, no randomness, no wall-clock reads. The
	// engine re-runs Apply during Replay and requires byte-identical
	// results.
	Apply(in envelope.Envelope) error

	// State returns the agent's current state snapshot.
	State() State

	// Health reports the agent's own view of its readiness.
	Health(ctx context.Context) telemetry.HealthSnapshot
}

// ErrUnregistered is returned by a Registry lookup for an unknown agent.
type ErrUnregistered struct{ Agent string }

func (e *ErrUnregistered) Error() string { return fmt.Sprintf("adapter: agent %q not registered", e.Agent) }

// Registry resolves an agent name (the Source.Agent / subject token) to its
// Agent implementation. Implementations register agents at startup, before
// the engine begins processing.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent, keyed by its own Name(). Registering a name twice
// replaces the previous binding — useful for tests that swap in a fake.
func (r *Registry) Register(a Agent) {
	r.agents[a.Name()] = a
}

// Lookup resolves an agent by name.
func (r *Registry) Lookup(name string) (Agent, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, &ErrUnregistered{Agent: name}
	}
	return a, nil
}

// Names returns every registered agent name, for health/readiness reporting.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.agents))
	for n := range r.agents {
		out = append(out, n)
	}
	return out
}
