package eventstore

import (
	"context"
	"sort"
	"sync"

	"github.com/chartly-labs/agentrt/pkg/envelope"
)

type streamKey struct {
	tenant, workspace, agent string
}

type entityKey struct {
	tenant, workspace, agent, entityID string
}

type idemKey struct {
	tenant, workspace, key string
}

// Memory is a deterministic, never-evicting in-process Store. It backs
// unit tests and single-process demos; sqlitestore and pgstore are the
// durable implementations of the same contract.
type Memory struct {
	mu          sync.Mutex
	streams     map[streamKey][]Record
	versions    map[entityKey]int64
	idempotency map[idemKey][]envelope.Envelope
	seq         int64
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		streams:     make(map[streamKey][]Record),
		versions:    make(map[entityKey]int64),
		idempotency: make(map[idemKey][]envelope.Envelope),
	}
}

func (m *Memory) Append(_ context.Context, in AppendInput) ([]envelope.Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.IdempotencyKey != "" {
		ik := idemKey{in.Tenant, in.Workspace, in.IdempotencyKey}
		if existing, ok := m.idempotency[ik]; ok {
			return existing, nil
		}
	}

	for _, b := range in.Bumps {
		ek := entityKey{in.Tenant, in.Workspace, b.Agent, b.EntityID}
		current := m.versions[ek]
		if b.ExpectedVersion != nil && *b.ExpectedVersion != current {
			return nil, &ConflictError{Agent: b.Agent, EntityID: b.EntityID, Expected: *b.ExpectedVersion, Actual: current}
		}
	}

	sk := streamKey{in.Tenant, in.Workspace, in.Agent}
	stream := m.streams[sk]
	prev := GenesisHash
	if len(stream) > 0 {
		prev = stream[len(stream)-1].Hash
	}
	hash, err := NextHash(prev, in.Input)
	if err != nil {
		return nil, err
	}
	m.seq++
	stream = append(stream, Record{Envelope: in.Input, SeqNo: m.seq, PrevHash: prev, Hash: hash})
	m.streams[sk] = stream

	for _, out := range in.Outputs {
		osk := streamKey{out.Tenant, out.Workspace, out.Source.Agent}
		ostream := m.streams[osk]
		oprev := GenesisHash
		if len(ostream) > 0 {
			oprev = ostream[len(ostream)-1].Hash
		}
		ohash, err := NextHash(oprev, out)
		if err != nil {
			return nil, err
		}
		m.seq++
		ostream = append(ostream, Record{Envelope: out, SeqNo: m.seq, PrevHash: oprev, Hash: ohash})
		m.streams[osk] = ostream
	}

	for _, b := range in.Bumps {
		ek := entityKey{in.Tenant, in.Workspace, b.Agent, b.EntityID}
		m.versions[ek] = b.NewVersion
	}

	if in.IdempotencyKey != "" {
		ik := idemKey{in.Tenant, in.Workspace, in.IdempotencyKey}
		m.idempotency[ik] = in.Outputs
	}

	return in.Outputs, nil
}

func (m *Memory) LookupOutputs(_ context.Context, tenant, workspace, key string) ([]envelope.Envelope, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.idempotency[idemKey{tenant, workspace, key}]
	return out, ok, nil
}

func (m *Memory) CurrentEntityVersion(_ context.Context, tenant, workspace, agent, entityID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[entityKey{tenant, workspace, agent, entityID}]
	return v, ok, nil
}

func (m *Memory) Replay(_ context.Context, tenant, workspace, agent string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stream := m.streams[streamKey{tenant, workspace, agent}]
	out := make([]Record, len(stream))
	copy(out, stream)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SeqNo < out[j].SeqNo })
	return out, nil
}

func (m *Memory) VerifyChain(ctx context.Context, tenant, workspace, agent string) error {
	records, err := m.Replay(ctx, tenant, workspace, agent)
	if err != nil {
		return err
	}
	return VerifyRecords(records)
}

func (m *Memory) Close() error { return nil }
