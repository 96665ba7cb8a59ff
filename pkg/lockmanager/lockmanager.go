// Package lockmanager implements C8: a system agent that grants and revokes
// TTL leases over arbitrary resource names, so other agents can coordinate
// access to a shared entity without the runtime engine itself needing to
// know what a "lock" is. It is just another adapter.Agent — the engine has
// no special case for it.
package lockmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/chartly-labs/agentrt/pkg/adapter"
	"github.com/chartly-labs/agentrt/pkg/envelope"
	"github.com/chartly-labs/agentrt/pkg/telemetry"
)

// AgentName is the fixed identifier this system agent registers under.
const AgentName = "sys_lock_manager"

const (
	VerbAcquire = "acquire"
	VerbRelease = "release"
	VerbRefresh = "refresh"

	EventAcquired = "acquired"
	EventDenied   = "denied"
	EventReleased = "released"
	EventRefreshed = "refreshed"
	EventExpired  = "expired"
)

// AcquireRequest is the payload of cmd.lock.acquire.
type AcquireRequest struct {
	Resource   string `json:"resource"`
	HolderID   string `json:"holder_id"`
	TTLMillis  int64  `json:"ttl_ms"`
}

// ReleaseRequest is the payload of cmd.lock.release.
type ReleaseRequest struct {
	Resource string `json:"resource"`
	HolderID string `json:"holder_id"`
}

// RefreshRequest is the payload of cmd.lock.refresh.
type RefreshRequest struct {
	Resource  string `json:"resource"`
	HolderID  string `json:"holder_id"`
	TTLMillis int64  `json:"ttl_ms"`
}

// LeaseEvent is the payload shared by every evt.lock.* output.
type LeaseEvent struct {
	Resource   string `json:"resource"`
	HolderID   string `json:"holder_id"`
	LeaseToken string `json:"lease_token,omitempty"`
	ExpiresAt  int64  `json:"expires_at_ms,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type lease struct {
	holderID   string
	leaseToken string
	expiresAt  int64
}

// Clock abstracts "now" for expiry comparisons.
type Clock interface {
	NowMillis() int64
}

// Manager is the Lock Manager system agent.
type Manager struct {
	clock Clock

	mu     sync.Mutex
	leases map[string]lease // resource -> current lease
}

// New constructs a Manager. clock supplies the logical or wall-clock "now"
// used for TTL expiry comparisons.
func New(clock Clock) *Manager {
	return &Manager{clock: clock, leases: make(map[string]lease)}
}

func (m *Manager) Name() string { return AgentName }

// Decide inspects the current lease table and emits exactly one lock event
// in response to one lock command. It performs no I/O; state is mutated in
// Apply, as the adapter contract requires.
func (m *Manager) Decide(_ context.Context, in envelope.Envelope) ([]envelope.Envelope, error) {
	verb := verbOf(in.Type)
	switch verb {
	case VerbAcquire:
		return m.decideAcquire(in)
	case VerbRelease:
		return m.decideRelease(in)
	case VerbRefresh:
		return m.decideRefresh(in)
	default:
		return nil, fmt.Errorf("lockmanager: unknown verb %q", verb)
	}
}

func (m *Manager) decideAcquire(in envelope.Envelope) ([]envelope.Envelope, error) {
	var req AcquireRequest
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return nil, fmt.Errorf("lockmanager: decode acquire request: %w", err)
	}

	m.mu.Lock()
	existing, held := m.leases[req.Resource]
	now := m.clock.NowMillis()
	expired := held && existing.expiresAt <= now
	m.mu.Unlock()

	if held && !expired && existing.holderID != req.HolderID {
		return m.event(in, EventDenied, LeaseEvent{
			Resource: req.Resource,
			HolderID: req.HolderID,
			Reason:   "resource already held",
		})
	}

	token := leaseToken(in.MessageID)
	return m.event(in, EventAcquired, LeaseEvent{
		Resource:   req.Resource,
		HolderID:   req.HolderID,
		LeaseToken: token,
		ExpiresAt:  now + req.TTLMillis,
	})
}

func (m *Manager) decideRelease(in envelope.Envelope) ([]envelope.Envelope, error) {
	var req ReleaseRequest
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return nil, fmt.Errorf("lockmanager: decode release request: %w", err)
	}
	m.mu.Lock()
	existing, held := m.leases[req.Resource]
	m.mu.Unlock()
	if !held || existing.holderID != req.HolderID {
		return m.event(in, EventDenied, LeaseEvent{
			Resource: req.Resource,
			HolderID: req.HolderID,
			Reason:   "not the current holder",
		})
	}
	return m.event(in, EventReleased, LeaseEvent{Resource: req.Resource, HolderID: req.HolderID})
}

func (m *Manager) decideRefresh(in envelope.Envelope) ([]envelope.Envelope, error) {
	var req RefreshRequest
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return nil, fmt.Errorf("lockmanager: decode refresh request: %w", err)
	}
	m.mu.Lock()
	existing, held := m.leases[req.Resource]
	now := m.clock.NowMillis()
	m.mu.Unlock()
	if !held || existing.holderID != req.HolderID || existing.expiresAt <= now {
		return m.event(in, EventExpired, LeaseEvent{
			Resource: req.Resource,
			HolderID: req.HolderID,
			Reason:   "lease not held or already expired",
		})
	}
	return m.event(in, EventRefreshed, LeaseEvent{
		Resource:   req.Resource,
		HolderID:   req.HolderID,
		LeaseToken: existing.leaseToken,
		ExpiresAt:  now + req.TTLMillis,
	})
}

// Apply folds the lock event Decide already computed into the lease table.
// It re-derives the same event deterministically from in (the inbound
// command) rather than trusting a side channel, so Replay can reconstruct
// lease state from the command history alone. Records that are not
// commands, such as the evt.lock.* outputs stored in the same stream, leave
// lease state unchanged.
func (m *Manager) Apply(in envelope.Envelope) error {
	if in.Namespace() != envelope.NamespaceCommand {
		return nil
	}
	verb := verbOf(in.Type)
	switch verb {
	case VerbAcquire:
		return m.applyAcquire(in)
	case VerbRelease:
		return m.applyRelease(in)
	case VerbRefresh:
		return m.applyRefresh(in)
	default:
		return fmt.Errorf("lockmanager: unknown verb %q", verb)
	}
}

func (m *Manager) applyAcquire(in envelope.Envelope) error {
	var req AcquireRequest
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return fmt.Errorf("lockmanager: decode acquire request: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.NowMillis()
	existing, held := m.leases[req.Resource]
	if held && existing.expiresAt > now && existing.holderID != req.HolderID {
		return nil // denied at Decide time; no state change
	}
	m.leases[req.Resource] = lease{
		holderID:   req.HolderID,
		leaseToken: leaseToken(in.MessageID),
		expiresAt:  now + req.TTLMillis,
	}
	return nil
}

func (m *Manager) applyRelease(in envelope.Envelope) error {
	var req ReleaseRequest
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return fmt.Errorf("lockmanager: decode release request: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, held := m.leases[req.Resource]; held && existing.holderID == req.HolderID {
		delete(m.leases, req.Resource)
	}
	return nil
}

func (m *Manager) applyRefresh(in envelope.Envelope) error {
	var req RefreshRequest
	if err := json.Unmarshal(in.Payload, &req); err != nil {
		return fmt.Errorf("lockmanager: decode refresh request: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.NowMillis()
	existing, held := m.leases[req.Resource]
	if !held || existing.holderID != req.HolderID || existing.expiresAt <= now {
		return nil
	}
	existing.expiresAt = now + req.TTLMillis
	m.leases[req.Resource] = existing
	return nil
}

// State returns a snapshot of every held lease, for diagnostics. The
// snapshot maps resource -> holder_id; it satisfies adapter.Agent's opaque
// State contract.
func (m *Manager) State() adapter.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.leases))
	for resource, l := range m.leases {
		out[resource] = l.holderID
	}
	return adapter.State{Agent: AgentName, Data: out}
}

func (m *Manager) Health(_ context.Context) telemetry.HealthSnapshot {
	snap, _ := telemetry.NewHealthSnapshot(AgentName, "", "", nil, time.Time{})
	return snap
}

// event builds a single-output evt.lock.<verb> envelope carrying body as its
// payload. The engine rewrites tenant/workspace/security_context on egress,
// so event only fills in what Decide actually knows.
func (m *Manager) event(in envelope.Envelope, verb string, body LeaseEvent) ([]envelope.Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("lockmanager: encode event: %w", err)
	}
	return []envelope.Envelope{{
		MessageID:     in.MessageID + "-" + verb,
		Type:          "evt.lock." + verb,
		SchemaVersion: "1.0",
		Actor:         in.Actor,
		Source:        envelope.Source{Agent: AgentName},
		Payload:       payload,
	}}, nil
}

func verbOf(typ string) string {
	for i := len(typ) - 1; i >= 0; i-- {
		if typ[i] == '.' {
			return typ[i+1:]
		}
	}
	return typ
}

// leaseToken derives a deterministic lease identifier from the inbound
// command's own message_id, so the same acquire command replayed produces
// the same token rather than a freshly randomized one.
func leaseToken(messageID string) string {
	sum := sha256.Sum256([]byte("lock-lease:" + messageID))
	return hex.EncodeToString(sum[:16])
}
