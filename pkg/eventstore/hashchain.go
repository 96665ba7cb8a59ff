package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/chartly-labs/agentrt/pkg/envelope"
)

// GenesisHash seeds every (tenant, workspace, agent) stream's chain.
const GenesisHash = "GENESIS"

// NextHash computes the next link in a per-stream hash chain: the SHA-256
// of prevHash concatenated with the envelope's own canonical bytes. Chains
// are additive only — recomputing one never mutates stored records, it only
// checks them.
func NextHash(prevHash string, e envelope.Envelope) (string, error) {
	body, err := e.CanonicalBytes()
	if err != nil {
		return "", fmt.Errorf("eventstore: canonicalizing envelope for hash chain: %w", err)
	}
	h := sha256.New()
	_, _ = h.Write([]byte(prevHash))
	_, _ = h.Write([]byte{'\n'})
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyRecords recomputes a stream's hash chain from a replay-ordered
// record slice and reports the first record whose stored hash does not
// match what its predecessor implies. A nil return means the chain is
// intact end to end.
func VerifyRecords(records []Record) error {
	prev := GenesisHash
	for i, r := range records {
		want, err := NextHash(prev, r.Envelope)
		if err != nil {
			return err
		}
		if r.PrevHash != prev {
			return fmt.Errorf("eventstore: record %d (seq %d) has prev_hash %q, expected %q", i, r.SeqNo, r.PrevHash, prev)
		}
		if r.Hash != want {
			return fmt.Errorf("eventstore: record %d (seq %d) has hash %q, expected %q", i, r.SeqNo, r.Hash, want)
		}
		prev = r.Hash
	}
	return nil
}
