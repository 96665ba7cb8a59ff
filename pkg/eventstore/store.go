// Package eventstore is the append-only, never-evicting log behind C2: the
// single source of truth for "has this idempotency key already produced
// outputs" and "what is an entity's current version". Two backends
// implement Store — sqlitestore (embedded, reference) and pgstore
// (production) — both against the same append/lookup/replay contract.
package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/chartly-labs/agentrt/pkg/envelope"
)

var (
	// ErrConflict is returned by Append when an EntityBump's expected
	// version does not match the stored current version.
	ErrConflict = errors.New("eventstore: version conflict")
	// ErrNotFound is not returned by any Store in this module; their
	// lookups report a miss through an ok result instead.
	ErrNotFound = errors.New("eventstore: not found")
)

// EntityBump records the version an entity moves to as a side effect of
// processing one envelope. ExpectedVersion mirrors the inbound envelope's
// own expected_version (nil means "no OCC check requested").
type EntityBump struct {
	Agent           string
	EntityID        string
	ExpectedVersion *int64
	NewVersion      int64
}

// Record is one committed row of the log: the envelope plus its position
// and tamper-evident hash-chain linkage within its (tenant, workspace,
// agent) stream.
type Record struct {
	Envelope envelope.Envelope
	SeqNo    int64
	PrevHash string
	Hash     string
}

// AppendInput bundles everything one process() commit boundary writes
// atomically: the inbound envelope, the outputs it produced, and any
// entity-version bumps it implies. A single Append call is the atomicity
// boundary spec.md's processing protocol calls step 4.
type AppendInput struct {
	Tenant         string
	Workspace      string
	Agent          string
	IdempotencyKey string // empty means "do not record for dedup"
	Input          envelope.Envelope
	Outputs        []envelope.Envelope
	Bumps          []EntityBump
}

// Store is the Event Store contract (C2). Implementations must make Append
// atomic: either every effect (log rows, idempotency mapping, version
// bumps) lands, or none does.
type Store interface {
	// Append commits one processing outcome. If in.IdempotencyKey is
	// already known for (Tenant, Workspace), Append must not duplicate the
	// log entry; callers are expected to have already checked
	// LookupOutputs before calling Decide/Apply, so reaching Append with a
	// known key is a caller bug, not a normal path — implementations may
	// treat it as a no-op returning the previously stored outputs.
	Append(ctx context.Context, in AppendInput) ([]envelope.Envelope, error)

	// LookupOutputs returns the outputs previously recorded for key, if
	// any. ok=false means the key has never been committed.
	LookupOutputs(ctx context.Context, tenant, workspace, key string) (outputs []envelope.Envelope, ok bool, err error)

	// CurrentEntityVersion returns an entity's current version. ok=false
	// means the entity has never been bumped (callers should treat this as
	// version 0 for optimistic-concurrency comparisons).
	CurrentEntityVersion(ctx context.Context, tenant, workspace, agent, entityID string) (version int64, ok bool, err error)

	// Replay returns the full ordered envelope history for
	// (tenant, workspace, agent), oldest first.
	Replay(ctx context.Context, tenant, workspace, agent string) ([]Record, error)

	// VerifyChain recomputes the hash chain for (tenant, workspace, agent)
	// from the stored records and reports the first broken link, if any.
	VerifyChain(ctx context.Context, tenant, workspace, agent string) error

	Close() error
}

// ConflictError reports which entity bump failed its optimistic check.
type ConflictError struct {
	Agent           string
	EntityID        string
	Expected        int64
	Actual          int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventstore: conflict on %s/%s: expected %d, have %d", e.Agent, e.EntityID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
