// Package sqlitestore is the embedded reference implementation of
// eventstore.Store, backed by mattn/go-sqlite3. It is append-only: event
// rows are INSERT-only and are never updated or deleted; only the small
// entity-version table is upserted, since it is a derived projection, not
// the log itself. Idempotency rows are written once per key with a plain
// INSERT.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chartly-labs/agentrt/pkg/envelope"
	"github.com/chartly-labs/agentrt/pkg/eventstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq_no INTEGER PRIMARY KEY AUTOINCREMENT,
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	agent TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	hash TEXT NOT NULL,
	envelope_json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_stream ON records(tenant, workspace, agent, seq_no);

CREATE TABLE IF NOT EXISTS entity_versions (
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	agent TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (tenant, workspace, agent, entity_id)
);

CREATE TABLE IF NOT EXISTS idempotency (
	tenant TEXT NOT NULL,
	workspace TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	outputs_json TEXT NOT NULL,
	PRIMARY KEY (tenant, workspace, idempotency_key)
);
`

// Store is the sqlite-backed eventstore.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a sqlite database at dsn and ensures the
// schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: one writer at a time, serialize through it
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Append(ctx context.Context, in eventstore.AppendInput) ([]envelope.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	if in.IdempotencyKey != "" {
		var outJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT outputs_json FROM idempotency WHERE tenant=? AND workspace=? AND idempotency_key=?`,
			in.Tenant, in.Workspace, in.IdempotencyKey,
		).Scan(&outJSON)
		switch {
		case err == nil:
			var outs []envelope.Envelope
			if jerr := json.Unmarshal([]byte(outJSON), &outs); jerr != nil {
				return nil, fmt.Errorf("sqlitestore: decode cached outputs: %w", jerr)
			}
			return outs, nil
		case err != sql.ErrNoRows:
			return nil, fmt.Errorf("sqlitestore: idempotency lookup: %w", err)
		}
	}

	for _, b := range in.Bumps {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM entity_versions WHERE tenant=? AND workspace=? AND agent=? AND entity_id=?`,
			in.Tenant, in.Workspace, b.Agent, b.EntityID,
		).Scan(&current)
		if err == sql.ErrNoRows {
			current = 0
		} else if err != nil {
			return nil, fmt.Errorf("sqlitestore: version lookup: %w", err)
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
			`INSERT INTO entity_versions(tenant, workspace, agent, entity_id, version) VALUES (?,?,?,?,?)
			 ON CONFLICT(tenant, workspace, agent, entity_id) DO UPDATE SET version=excluded.version`,
			in.Tenant, in.Workspace, b.Agent, b.EntityID, b.NewVersion,
		); err != nil {
			return nil, fmt.Errorf("sqlitestore: bump version: %w", err)
		}
	}

	if in.IdempotencyKey != "" {
		outJSON, err := json.Marshal(in.Outputs)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: encode outputs: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO idempotency(tenant, workspace, idempotency_key, outputs_json) VALUES (?,?,?,?)`,
			in.Tenant, in.Workspace, in.IdempotencyKey, string(outJSON),
		); err != nil {
			return nil, fmt.Errorf("sqlitestore: record idempotency: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return in.Outputs, nil
}

func appendRecord(ctx context.Context, tx *sql.Tx, e envelope.Envelope) error {
	var prev string
	err := tx.QueryRowContext(ctx,
		`SELECT hash FROM records WHERE tenant=? AND workspace=? AND agent=? ORDER BY seq_no DESC LIMIT 1`,
		e.Tenant, e.Workspace, e.Source.Agent,
	).Scan(&prev)
	if err == sql.ErrNoRows {
		prev = eventstore.GenesisHash
	} else if err != nil {
		return fmt.Errorf("sqlitestore: chain lookup: %w", err)
	}
	hash, err := eventstore.NextHash(prev, e)
	if err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode envelope: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records(tenant, workspace, agent, prev_hash, hash, envelope_json) VALUES (?,?,?,?,?,?)`,
		e.Tenant, e.Workspace, e.Source.Agent, prev, hash, string(body),
	); err != nil {
		return fmt.Errorf("sqlitestore: insert record: %w", err)
	}
	return nil
}

func (s *Store) LookupOutputs(ctx context.Context, tenant, workspace, key string) ([]envelope.Envelope, bool, error) {
	var outJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT outputs_json FROM idempotency WHERE tenant=? AND workspace=? AND idempotency_key=?`,
		tenant, workspace, key,
	).Scan(&outJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlitestore: lookup: %w", err)
	}
	var outs []envelope.Envelope
	if err := json.Unmarshal([]byte(outJSON), &outs); err != nil {
		return nil, false, fmt.Errorf("sqlitestore: decode: %w", err)
	}
	return outs, true, nil
}

func (s *Store) CurrentEntityVersion(ctx context.Context, tenant, workspace, agent, entityID string) (int64, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM entity_versions WHERE tenant=? AND workspace=? AND agent=? AND entity_id=?`,
		tenant, workspace, agent, entityID,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlitestore: version: %w", err)
	}
	return v, true, nil
}

func (s *Store) Replay(ctx context.Context, tenant, workspace, agent string) ([]eventstore.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq_no, prev_hash, hash, envelope_json FROM records
		 WHERE tenant=? AND workspace=? AND agent=? ORDER BY seq_no ASC`,
		tenant, workspace, agent,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: replay: %w", err)
	}
	defer rows.Close()

	var out []eventstore.Record
	for rows.Next() {
		var r eventstore.Record
		var body string
		if err := rows.Scan(&r.SeqNo, &r.PrevHash, &r.Hash, &body); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &r.Envelope); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode envelope: %w", err)
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
