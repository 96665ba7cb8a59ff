package engine

import "github.com/chartly-labs/agentrt/pkg/envelope"

// Kind discriminates a Process outcome. Callers should switch on Kind rather
// than inspect Err's type directly — Result is the stable public contract,
// the concrete error types behind it are not.
type Kind string

const (
	// KindOK means the envelope was processed (or was a known-duplicate
	// idempotency hit) and Outputs is ready to publish/was published.
	KindOK Kind = "ok"
	// KindScopeViolation means the envelope's (tenant, workspace) does not
	// match this engine instance's own scope. The envelope itself is never
	// committed or retried under this engine; instead an
	// evt.security.violation audit event is committed and published under
	// the engine's own scope before the caller acks.
	KindScopeViolation Kind = "scope_violation"
	// KindConflict means an entity-version check failed: another writer
	// has moved the entity past the envelope's expected_version. An
	// evt.<agent>.conflict audit event is committed and published before
	// the caller acks; the envelope is not retried as-is.
	KindConflict Kind = "conflict"
	// KindAdapterError covers every failure that isn't a scope violation or
	// a conflict: no agent registered, a transient store/bus failure, an
	// invalid output envelope from Decide, or the registered agent's
	// Decide/Apply returning an error. Only the last case commits and
	// publishes an evt.runtime.error audit event
	// before acking; the others return a non-nil error so the caller
	// retries instead.
	KindAdapterError Kind = "adapter_error"
)

// Result is the discriminated outcome of Engine.Process. Exactly one of the
// Kind-specific fields is meaningful at a time.
type Result struct {
	Kind Kind

	// Populated when Kind == KindOK.
	Outputs    []envelope.Envelope
	Replayed   bool // true when Outputs came from an idempotency hit, not a fresh Decide

	// Populated when Kind == KindConflict.
	ConflictAgent    string
	ConflictEntityID string
	ConflictExpected int64
	ConflictActual   int64

	// Populated for KindScopeViolation/KindConflict/KindAdapterError.
	Err error
}

func ok(outputs []envelope.Envelope, replayed bool) Result {
	return Result{Kind: KindOK, Outputs: outputs, Replayed: replayed}
}

func scopeViolation(err error) Result {
	return Result{Kind: KindScopeViolation, Err: err}
}

func conflict(agent, entityID string, expected, actual int64, err error) Result {
	return Result{
		Kind:             KindConflict,
		ConflictAgent:    agent,
		ConflictEntityID: entityID,
		ConflictExpected: expected,
		ConflictActual:   actual,
		Err:              err,
	}
}

func adapterError(err error) Result {
	return Result{Kind: KindAdapterError, Err: err}
}
