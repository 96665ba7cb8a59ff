package transport

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// deterministicJitter spreads retry timing across redeliveries of the same
// message without using math/rand: the jitter fraction is derived from a
// SHA-256 of the message's own identity and attempt number, so replaying the
// same (messageID, attempt) pair always yields the same delay. pct bounds
// the jitter to +/- pct of base (e.g. 0.2 for +/-20%).
func deterministicJitter(messageID string, attempt int, base time.Duration, pct float64) time.Duration {
	if base <= 0 {
		return 0
	}
	h := sha256.New()
	_, _ = h.Write([]byte(messageID))
	var attemptBytes [8]byte
	binary.BigEndian.PutUint64(attemptBytes[:], uint64(attempt))
	_, _ = h.Write(attemptBytes[:])
	sum := h.Sum(nil)

	// Take the first 8 bytes as an unsigned fraction in [0, 1).
	frac := float64(binary.BigEndian.Uint64(sum[:8])) / float64(^uint64(0))
	// Map [0, 1) to [-pct, +pct].
	offset := (frac*2 - 1) * pct
	delta := time.Duration(float64(base) * offset)
	out := base + delta
	if out < 0 {
		return 0
	}
	return out
}

// BackoffForAttempt returns the configured backoff for a 1-indexed attempt
// number, applying deterministic jitter, clamping to the last configured
// step once attempts exceed len(scheduleMS).
func BackoffForAttempt(messageID string, attempt int, scheduleMS []int, jitterPct float64) time.Duration {
	if len(scheduleMS) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(scheduleMS) {
		idx = len(scheduleMS) - 1
	}
	base := time.Duration(scheduleMS[idx]) * time.Millisecond
	return deterministicJitter(messageID, attempt, base, jitterPct)
}
