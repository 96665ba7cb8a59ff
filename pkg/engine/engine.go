// Package engine implements C7: the orchestration loop that turns one
// inbound envelope into committed effects, following the six-step
// processing protocol — ingress scope check, idempotency lookup, optimistic
// concurrency check, decide+persist+apply as one commit boundary, publish,
// ack — with every process() invocation on one Engine serialized behind a
// single mutex.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chartly-labs/agentrt/pkg/adapter"
	"github.com/chartly-labs/agentrt/pkg/envelope"
	"github.com/chartly-labs/agentrt/pkg/eventstore"
	"github.com/chartly-labs/agentrt/pkg/rterrors"
	"github.com/chartly-labs/agentrt/pkg/telemetry"
)

// Clock abstracts "now" so replay and tests can inject a logical clock
// instead of reading the wall clock — the same injection pattern used
// throughout this module wherever a component's output must be
// reproducible.
type Clock interface {
	NowMillis() int64
}

type systemClock struct{}

func (systemClock) NowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

// Publisher is the narrow slice of transport.Bus the engine needs: publish
// one envelope to its own subject. Kept as an interface so the engine
// package never imports transport (transport depends on engine's Handler
// shape the other direction, via cmd/enginehost wiring).
type Publisher interface {
	PublishEvent(env envelope.Envelope, verb string) error
	PublishCommand(env envelope.Envelope, verb string) error
}

// Options configures an Engine.
type Options struct {
	Tenant    string
	Workspace string
	Store     eventstore.Store
	Registry  *adapter.Registry
	Publisher Publisher // nil means "do not publish", used in tests/replay
	Clock     Clock
	Logger    *telemetry.Logger
	Meter     telemetry.Meter
}

// Engine is C7. One Engine instance owns one (tenant, workspace) scope.
type Engine struct {
	tenant    string
	workspace string
	store     eventstore.Store
	registry  *adapter.Registry
	publisher Publisher
	clock     Clock
	logger    *telemetry.Logger
	meter     telemetry.Meter

	mu sync.Mutex // serializes every Process call on this engine instance
}

// New constructs an Engine bound to a single tenant/workspace scope.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop
	}
	if opts.Meter == nil {
		opts.Meter = telemetry.NopMeterInstance
	}
	return &Engine{
		tenant:    opts.Tenant,
		workspace: opts.Workspace,
		store:     opts.Store,
		registry:  opts.Registry,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		logger:    opts.Logger,
		meter:     opts.Meter,
	}
}

// Process runs the full six-step protocol for one inbound envelope. It is
// safe to call concurrently; calls serialize internally.
func (e *Engine) Process(ctx context.Context, in envelope.Envelope) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: ingress scope check. A mismatch is persisted as an audit event
	// under this engine's own scope and published before acking — the
	// violation must never be silently dropped.
	if !envelope.ScopeMatches(in, e.tenant, e.workspace) {
		cerr := rterrors.New(rterrors.ScopeViolation, "envelope tenant/workspace does not match engine scope", map[string]string{
			"envelope_tenant":    in.Tenant,
			"envelope_workspace": in.Workspace,
			"engine_tenant":      e.tenant,
			"engine_workspace":   e.workspace,
		})
		res := scopeViolation(cerr)
		violation := e.buildSecurityViolationEvent(in)
		if auditErr := e.commitAudit(ctx, "security", in.IdempotencyKey, violation); auditErr != nil {
			return res, rterrors.Wrap(rterrors.TransientIO, "failed to persist security violation audit event", auditErr)
		}
		e.logger.Warn(ctx, "scope violation recorded", map[string]any{
			"message_id":         in.MessageID,
			"envelope_tenant":    in.Tenant,
			"envelope_workspace": in.Workspace,
		})
		return res, nil
	}

	// Step 2: idempotency lookup.
	if in.IdempotencyKey != "" {
		if outputs, hit, err := e.store.LookupOutputs(ctx, e.tenant, e.workspace, in.IdempotencyKey); err != nil {
			werr := rterrors.Wrap(rterrors.TransientIO, "idempotency lookup failed", err)
			return adapterError(werr), werr
		} else if hit {
			e.logger.Info(ctx, "idempotency hit, republishing recorded outputs", map[string]any{
				"idempotency_key": in.IdempotencyKey,
				"message_id":      in.MessageID,
			})
			if err := e.publishAll(outputs); err != nil {
				werr := rterrors.Wrap(rterrors.TransientIO, "republish of deduped outputs failed", err)
				return adapterError(werr), werr
			}
			return ok(outputs, true), nil
		}
	}

	agentImpl, err := e.registry.Lookup(in.Source.Agent)
	if err != nil {
		werr := rterrors.Wrap(rterrors.ContractViolation, "no agent registered for envelope source", err)
		return adapterError(werr), werr
	}

	// Step 3: optimistic concurrency check, before any adapter I/O.
	if in.ExpectedVersion != nil {
		current, hasCurrent, err := e.store.CurrentEntityVersion(ctx, e.tenant, e.workspace, in.Source.Agent, in.EntityID)
		if err != nil {
			werr := rterrors.Wrap(rterrors.TransientIO, "entity version lookup failed", err)
			return adapterError(werr), werr
		}
		var currentVal int64
		if hasCurrent {
			currentVal = current
		}
		if *in.ExpectedVersion != currentVal {
			cerr := rterrors.New(rterrors.ConcurrencyConflict, "expected_version does not match current entity version", map[string]string{
				"agent":     in.Source.Agent,
				"entity_id": in.EntityID,
			})
			return e.emitConflict(ctx, in, in.Source.Agent, in.EntityID, *in.ExpectedVersion, currentVal, cerr)
		}
	}

	// Step 4: decide + persist + apply as one commit boundary, with egress
	// scope rewritten on every output before it is committed or published.
	proposed, err := agentImpl.Decide(ctx, in)
	if err != nil {
		werr := rterrors.Wrap(rterrors.AdapterFailure, "agent decide failed", err)
		return e.emitRuntimeError(ctx, in, werr)
	}

	now := e.clock.NowMillis()
	hasBump := in.ExpectedVersion != nil
	var newVersion int64
	if hasBump {
		newVersion = *in.ExpectedVersion + 1
	}
	outputs := make([]envelope.Envelope, 0, len(proposed))
	var bumps []eventstore.EntityBump
	for _, out := range proposed {
		out = envelope.RewriteEgress(out, in, now)
		if hasBump {
			if out.Extensions == nil {
				out.Extensions = map[string]string{}
			}
			out.Extensions["entity_version"] = strconv.FormatInt(newVersion, 10)
		}
		out.Normalize()
		if err := out.Validate(); err != nil {
			werr := rterrors.Wrap(rterrors.ContractViolation, "agent produced an invalid output envelope", err)
			return adapterError(werr), werr
		}
		outputs = append(outputs, out)
	}
	if hasBump {
		bumps = append(bumps, eventstore.EntityBump{
			Agent:           in.Source.Agent,
			EntityID:        in.EntityID,
			ExpectedVersion: in.ExpectedVersion,
			NewVersion:      newVersion,
		})
	}

	committed, err := e.store.Append(ctx, eventstore.AppendInput{
		Tenant:         e.tenant,
		Workspace:      e.workspace,
		Agent:          in.Source.Agent,
		IdempotencyKey: in.IdempotencyKey,
		Input:          in,
		Outputs:        outputs,
		Bumps:          bumps,
	})
	if err != nil {
		var ce *eventstore.ConflictError
		if errors.As(err, &ce) {
			cerr := rterrors.New(rterrors.ConcurrencyConflict, "store rejected commit on version conflict", map[string]string{
				"agent":     ce.Agent,
				"entity_id": ce.EntityID,
			})
			return e.emitConflict(ctx, in, ce.Agent, ce.EntityID, ce.Expected, ce.Actual, cerr)
		}
		werr := rterrors.Wrap(rterrors.TransientIO, "event store append failed", err)
		return adapterError(werr), werr
	}

	if err := agentImpl.Apply(in); err != nil {
		werr := rterrors.Wrap(rterrors.AdapterFailure, "agent apply failed after commit", err)
		// The business outputs already landed in the store above; this
		// audit event is recorded with no idempotency key so it is never
		// shadowed by the idempotency row the successful commit just wrote.
		res := adapterError(werr)
		rtEvent, berr := e.buildRuntimeErrorEvent(in, werr)
		if berr != nil {
			return res, rterrors.Wrap(rterrors.TransientIO, "failed to build runtime error audit event", berr)
		}
		if auditErr := e.commitAudit(ctx, "runtime", "", rtEvent); auditErr != nil {
			return res, rterrors.Wrap(rterrors.TransientIO, "failed to persist runtime error audit event", auditErr)
		}
		return res, nil
	}

	// Step 5: publish side effects.
	if err := e.publishAll(committed); err != nil {
		werr := rterrors.Wrap(rterrors.TransientIO, "publishing committed outputs failed", err)
		return adapterError(werr), werr
	}

	// Step 6 (ack) is the caller's responsibility: a nil error here means
	// every committed output has been published and it is safe to ack.
	return ok(committed, false), nil
}

// Replay re-derives an agent's state by re-running Apply over its full
// committed history, in commit order. It never calls Decide — replay is
// pure reconstruction, not re-execution of side effects.
func (e *Engine) Replay(ctx context.Context, agentName string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	agentImpl, err := e.registry.Lookup(agentName)
	if err != nil {
		return err
	}
	records, err := e.store.Replay(ctx, e.tenant, e.workspace, agentName)
	if err != nil {
		return fmt.Errorf("engine: replay fetch: %w", err)
	}
	for _, r := range records {
		if err := agentImpl.Apply(r.Envelope); err != nil {
			return fmt.Errorf("engine: replay apply at seq %d: %w", r.SeqNo, err)
		}
	}
	return nil
}

func (e *Engine) publishAll(outputs []envelope.Envelope) error {
	if e.publisher == nil {
		return nil
	}
	for _, out := range outputs {
		verb := verbOf(out.Type)
		var err error
		switch out.Namespace() {
		case envelope.NamespaceCommand:
			err = e.publisher.PublishCommand(out, verb)
		default:
			err = e.publisher.PublishEvent(out, verb)
		}
		if err != nil {
			return fmt.Errorf("publish %s: %w", out.MessageID, err)
		}
	}
	return nil
}

func verbOf(typ string) string {
	for i := len(typ) - 1; i >= 0; i-- {
		if typ[i] == '.' {
			return typ[i+1:]
		}
	}
	return typ
}

// securityViolationPayload is the body of evt.security.violation.
type securityViolationPayload struct {
	AttemptedTenant    string `json:"attempted_tenant"`
	AttemptedWorkspace string `json:"attempted_workspace"`
	EngineTenant       string `json:"engine_tenant"`
	EngineWorkspace    string `json:"engine_workspace"`
	MessageID          string `json:"message_id"`
	Reason             string `json:"reason"`
}

// conflictPayload is the body of evt.<agent>.conflict.
type conflictPayload struct {
	EntityID        string `json:"entity_id"`
	ExpectedVersion int64  `json:"expected_version"`
	CurrentVersion  int64  `json:"current_version"`
	Reason          string `json:"reason"`
}

// runtimeErrorPayload is the body of evt.runtime.error.
type runtimeErrorPayload struct {
	ErrorCode       string `json:"error_code"`
	Message         string `json:"message"`
	OriginalEventID string `json:"original_event_id"`
}

// buildSecurityViolationEvent builds the audit record for a scope mismatch.
// Unlike RewriteEgress, it never trusts in's own tenant/workspace — those are
// exactly what's wrong — and instead pins the event to this engine's own
// scope so it lands in the right store stream regardless of what in claimed.
func (e *Engine) buildSecurityViolationEvent(in envelope.Envelope) envelope.Envelope {
	payload, _ := json.Marshal(securityViolationPayload{
		AttemptedTenant:    in.Tenant,
		AttemptedWorkspace: in.Workspace,
		EngineTenant:       e.tenant,
		EngineWorkspace:    e.workspace,
		MessageID:          in.MessageID,
		Reason:             "tenant/workspace scope mismatch",
	})
	return envelope.Envelope{
		MessageID:       in.MessageID + "-violation",
		TS:              e.clock.NowMillis(),
		Type:            "evt.security.violation",
		SchemaVersion:   "1.0",
		Tenant:          e.tenant,
		Workspace:       e.workspace,
		SecurityContext: in.SecurityContext,
		Actor:           in.Actor,
		Source:          envelope.Source{Agent: "security"},
		Payload:         payload,
		CausationID:     in.MessageID,
		CorrelationID:   correlationOf(in),
	}
}

// buildConflictEvent builds evt.<agent>.conflict for an optimistic-concurrency
// rejection, whether caught before Decide runs or by the store at commit time.
func (e *Engine) buildConflictEvent(in envelope.Envelope, agent, entityID string, expected, current int64) (envelope.Envelope, error) {
	payload, err := json.Marshal(conflictPayload{
		EntityID:        entityID,
		ExpectedVersion: expected,
		CurrentVersion:  current,
		Reason:          "version_mismatch",
	})
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("engine: encode conflict payload: %w", err)
	}
	return envelope.Envelope{
		MessageID:       in.MessageID + "-conflict",
		TS:              e.clock.NowMillis(),
		Type:            "evt." + agent + ".conflict",
		SchemaVersion:   "1.0",
		Tenant:          e.tenant,
		Workspace:       e.workspace,
		SecurityContext: in.SecurityContext,
		Actor:           in.Actor,
		Source:          envelope.Source{Agent: agent},
		Payload:         payload,
		CausationID:     in.MessageID,
		CorrelationID:   correlationOf(in),
	}, nil
}

// buildRuntimeErrorEvent builds evt.runtime.error for an adapter failure.
func (e *Engine) buildRuntimeErrorEvent(in envelope.Envelope, rtErr error) (envelope.Envelope, error) {
	payload, err := json.Marshal(runtimeErrorPayload{
		ErrorCode:       string(rterrors.CodeOf(rtErr)),
		Message:         rtErr.Error(),
		OriginalEventID: in.MessageID,
	})
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("engine: encode runtime error payload: %w", err)
	}
	return envelope.Envelope{
		MessageID:       in.MessageID + "-runtime-error",
		TS:              e.clock.NowMillis(),
		Type:            "evt.runtime.error",
		SchemaVersion:   "1.0",
		Tenant:          e.tenant,
		Workspace:       e.workspace,
		SecurityContext: in.SecurityContext,
		Actor:           in.Actor,
		Source:          envelope.Source{Agent: "runtime"},
		Payload:         payload,
		CausationID:     in.MessageID,
		CorrelationID:   correlationOf(in),
	}, nil
}

// emitConflict builds, persists, and publishes a conflict audit event and
// returns a Result that acks: a conflict is a legitimate business outcome,
// not a delivery failure, once it is durably recorded.
func (e *Engine) emitConflict(ctx context.Context, in envelope.Envelope, agent, entityID string, expected, current int64, cerr error) (Result, error) {
	res := conflict(agent, entityID, expected, current, cerr)
	ev, err := e.buildConflictEvent(in, agent, entityID, expected, current)
	if err != nil {
		return res, rterrors.Wrap(rterrors.TransientIO, "failed to build conflict audit event", err)
	}
	if err := e.commitAudit(ctx, agent, in.IdempotencyKey, ev); err != nil {
		return res, rterrors.Wrap(rterrors.TransientIO, "failed to persist concurrency conflict audit event", err)
	}
	return res, nil
}

// emitRuntimeError builds, persists, and publishes a runtime-error audit
// event for a Decide failure (no commit has happened yet, so in's own
// idempotency key is still free to use) and acks.
func (e *Engine) emitRuntimeError(ctx context.Context, in envelope.Envelope, werr error) (Result, error) {
	res := adapterError(werr)
	ev, err := e.buildRuntimeErrorEvent(in, werr)
	if err != nil {
		return res, rterrors.Wrap(rterrors.TransientIO, "failed to build runtime error audit event", err)
	}
	if err := e.commitAudit(ctx, "runtime", in.IdempotencyKey, ev); err != nil {
		return res, rterrors.Wrap(rterrors.TransientIO, "failed to persist runtime error audit event", err)
	}
	return res, nil
}

// commitAudit persists ev as a single-record commit under this engine's own
// scope and publishes it. It is used for every audit/error event the engine
// emits on its own behalf, as opposed to an agent's decided outputs.
func (e *Engine) commitAudit(ctx context.Context, agent, idempotencyKey string, ev envelope.Envelope) error {
	ev.Normalize()
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("engine: invalid audit envelope: %w", err)
	}
	if _, err := e.store.Append(ctx, eventstore.AppendInput{
		Tenant:         e.tenant,
		Workspace:      e.workspace,
		Agent:          agent,
		IdempotencyKey: idempotencyKey,
		Input:          ev,
	}); err != nil {
		return fmt.Errorf("engine: persist audit event: %w", err)
	}
	return e.publishAll([]envelope.Envelope{ev})
}

// correlationOf mirrors RewriteEgress's own correlation threading: use in's
// correlation id if it has one, else in's own message id.
func correlationOf(in envelope.Envelope) string {
	if in.CorrelationID != "" {
		return in.CorrelationID
	}
	return in.MessageID
}
