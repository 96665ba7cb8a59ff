package telemetry

import (
	"testing"
	"time"
)

func TestNewHealthSnapshotComputesWorstOverallStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	comps := []ComponentStatus{
		{Name: "store", Status: StatusOK, CheckedAt: now},
		{Name: "bus", Status: StatusDegraded, CheckedAt: now},
	}
	snap, err := NewHealthSnapshot("enginehost", "prod", "acme", comps, now)
	if err != nil {
		t.Fatalf("new health snapshot: %v", err)
	}
	if snap.Overall != StatusDegraded {
		t.Fatalf("expected overall degraded (worst component), got %v", snap.Overall)
	}
	if snap.Hash == "" {
		t.Fatalf("expected a stable hash to be computed")
	}
}

func TestNewHealthSnapshotDedupesComponentsByName(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	comps := []ComponentStatus{
		{Name: "store", Status: StatusOK, CheckedAt: now},
		{Name: "Store", Status: StatusFatal, CheckedAt: now},
	}
	snap, err := NewHealthSnapshot("enginehost", "", "", comps, now)
	if err != nil {
		t.Fatalf("new health snapshot: %v", err)
	}
	if len(snap.Components) != 1 {
		t.Fatalf("expected duplicate component names to be deduped, got %d", len(snap.Components))
	}
}

func TestStableHashIsDeterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	comps := []ComponentStatus{{Name: "store", Status: StatusOK, CheckedAt: now}}
	s1, err := NewHealthSnapshot("enginehost", "", "", comps, now)
	if err != nil {
		t.Fatalf("snapshot 1: %v", err)
	}
	s2, err := NewHealthSnapshot("enginehost", "", "", comps, now)
	if err != nil {
		t.Fatalf("snapshot 2: %v", err)
	}
	if s1.Hash != s2.Hash {
		t.Fatalf("expected identical inputs to hash identically, got %q vs %q", s1.Hash, s2.Hash)
	}
}

func TestValidateRejectsMissingService(t *testing.T) {
	snap := HealthSnapshot{GeneratedAt: time.Now()}
	if err := snap.Validate(); err == nil {
		t.Fatalf("expected validation error for missing service")
	}
}
