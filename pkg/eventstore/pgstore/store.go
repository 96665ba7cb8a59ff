// Package pgstore is the production implementation of eventstore.Store,
// backed by lib/pq. Like sqlitestore it is append-only for the event log;
// only entity_versions is upserted, and only because it is a derived
// projection the log itself can always rebuild. Idempotency rows are
// written once per key with a plain INSERT.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/chartly-labs/agentrt/pkg/envelope"
	"github.com/chartly-labs/agentrt/pkg/eventstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq_no BIGSERIAL PRIMARY KEY,
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	agent TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	envelope_json JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_stream ON records(tenant, workspace, agent, seq_no);

CREATE TABLE IF NOT EXISTS entity_versions (
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	agent TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	version BIGINT NOT NULL,
	PRIMARY KEY (tenant, workspace, agent, entity_id)
);

CREATE TABLE IF NOT EXISTS idempotency (
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	outputs_json JSONB NOT NULL,
	PRIMARY KEY (tenant, workspace, idempotency_key)
);
`

// Store is the postgres-backed eventstore.Store.
type Store struct {
	db *sql.DB
}

// Open opens a postgres connection pool and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Append(ctx context.Context, in eventstore.AppendInput) ([]envelope.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin: %w", err)
	}
	defer tx.Rollback()

	if in.IdempotencyKey != "" {
		var outJSON []byte
		err := tx.QueryRowContext(ctx,
			`SELECT outputs_json FROM idempotency WHERE tenant=$1 AND workspace=$2 AND idempotency_key=$3`,
			in.Tenant, in.Workspace, in.IdempotencyKey,
		).Scan(&outJSON)
		switch {
		case err == nil:
			var outs []envelope.Envelope
			if jerr := json.Unmarshal(outJSON, &outs); jerr != nil {
				return nil, fmt.Errorf("pgstore: decode cached outputs: %w", jerr)
			}
			return outs, nil
		case err != sql.ErrNoRows:
			return nil, fmt.Errorf("pgstore: idempotency lookup: %w", err)
		}
	}

	// Lock each bumped entity's row (if present) so concurrent Append calls
	// serialize on the same entity rather than racing the version check.
	for _, b := range in.Bumps {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM entity_versions WHERE tenant=$1 AND workspace=$2 AND agent=$3 AND entity_id=$4 FOR UPDATE`,
			in.Tenant, in.Workspace, b.Agent, b.EntityID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			current = 0
		} else if err != nil {
			return nil, fmt.Errorf("pgstore: version lookup: %w", err)
		}
		if b.ExpectedVersion != nil && *b.ExpectedVersion != current {
			return nil, &eventstore.ConflictError{Agent: b.Agent, EntityID: b.EntityID, Expected: *b.ExpectedVersion, Actual: current}
		}
	}

	if err := appendRecord(ctx, tx, in.Input); err != nil {
		return nil, err
	}
	for _, out := range in.Outputs {
		if err := appendRecord(ctx, tx, out); err != nil {
			return nil, err
		}
	}

	for _, b := range in.Bumps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_versions(tenant, workspace, agent, entity_id, version) VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (tenant, workspace, agent, entity_id) DO UPDATE SET version=excluded.version`,
			in.Tenant, in.Workspace, b.Agent, b.EntityID, b.NewVersion,
		); err != nil {
			return nil, fmt.Errorf("pgstore: bump version: %w", err)
		}
	}

	if in.IdempotencyKey != "" {
		outJSON, err := json.Marshal(in.Outputs)
		if err != nil {
			return nil, fmt.Errorf("pgstore: encode outputs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency(tenant, workspace, idempotency_key, outputs_json) VALUES ($1,$2,$3,$4)`,
			in.Tenant, in.Workspace, in.IdempotencyKey, outJSON,
		); err != nil {
			return nil, fmt.Errorf("pgstore: record idempotency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pgstore: commit: %w", err)
	}
	return in.Outputs, nil
}

func appendRecord(ctx context.Context, tx *sql.Tx, e envelope.Envelope) error {
	var prev string
	err := tx.QueryRowContext(ctx,
		`SELECT hash FROM records WHERE tenant=$1 AND workspace=$2 AND agent=$3 ORDER BY seq_no DESC LIMIT 1`,
		e.Tenant, e.Workspace, e.Source.Agent,
	).Scan(&prev)
	if err == sql.ErrNoRows {
		prev = eventstore.GenesisHash
	} else if err != nil {
		return fmt.Errorf("pgstore: chain lookup: %w", err)
	}
	hash, err := eventstore.NextHash(prev, e)
	if err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pgstore: encode envelope: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records(tenant, workspace, agent, prev_hash, hash, envelope_json) VALUES ($1,$2,$3,$4,$5,$6)`,
		e.Tenant, e.Workspace, e.Source.Agent, prev, hash, body,
	); err != nil {
		return fmt.Errorf("pgstore: insert record: %w", err)
	}
	return nil
}

func (s *Store) LookupOutputs(ctx context.Context, tenant, workspace, key string) ([]envelope.Envelope, bool, error) {
	var outJSON []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT outputs_json FROM idempotency WHERE tenant=$1 AND workspace=$2 AND idempotency_key=$3`,
		tenant, workspace, key,
	).Scan(&outJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pgstore: lookup: %w", err)
	}
	var outs []envelope.Envelope
	if err := json.Unmarshal(outJSON, &outs); err != nil {
		return nil, false, fmt.Errorf("pgstore: decode: %w", err)
	}
	return outs, true, nil
}

func (s *Store) CurrentEntityVersion(ctx context.Context, tenant, workspace, agent, entityID string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM entity_versions WHERE tenant=$1 AND workspace=$2 AND agent=$3 AND entity_id=$4`,
		tenant, workspace, agent, entityID,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pgstore: version: %w", err)
	}
	return v, true, nil
}

func (s *Store) Replay(ctx context.Context, tenant, workspace, agent string) ([]eventstore.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq_no, prev_hash, hash, envelope_json FROM records
		 WHERE tenant=$1 AND workspace=$2 AND agent=$3 ORDER BY seq_no ASC`,
		tenant, workspace, agent,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: replay: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Record
	for rows.Next() {
		var r eventstore.Record
		var body []byte
		if err := rows.Scan(&r.SeqNo, &r.PrevHash, &r.Hash, &body); err != nil {
			return nil, fmt.Errorf("pgstore: scan: %w", err)
		}
		if err := json.Unmarshal(body, &r.Envelope); err != nil {
			return nil, fmt.Errorf("pgstore: decode envelope: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) VerifyChain(ctx context.Context, tenant, workspace, agent string) error {
	records, err := s.Replay(ctx, tenant, workspace, agent)
	if err != nil {
		return err
	}
	return eventstore.VerifyRecords(records)
}
