package audit

import (
	"errors"
	"testing"
	"time"

	coreerrors "github.com/davidahmann/warden/core/errors"
	schemaaudit "github.com/davidahmann/warden/core/schema/v1/audit"
)

func tickingClock() func() time.Time {
	now := time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(time.Second)
		return now
	}
}

func TestCaptureDeltaChainsEntries(t *testing.T) {
	engine := NewEngine(EngineOptions{Now: tickingClock()})

	first, err := engine.CaptureDelta("sess-1", ClassLifecycle, "session created")
	if err != nil {
		t.Fatalf("capture first delta: %v", err)
	}
	if first.ParentHash != "" {
		t.Fatalf("first entry must have empty parent hash")
	}
	if first.Sequence != 1 {
		t.Fatalf("unexpected first sequence: %d", first.Sequence)
	}

	second, err := engine.CaptureDelta("sess-1", ClassLifecycle, "agent joined")
	if err != nil {
		t.Fatalf("capture second delta: %v", err)
	}
	if second.ParentHash != first.Hash {
		t.Fatalf("second entry must link to first entry hash")
	}

	entries, err := engine.Snapshot("sess-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if _, err := engine.CaptureDelta("", ClassLifecycle, "x"); err == nil {
		t.Fatalf("expected error for missing session id")
	}
	if _, err := engine.CaptureDelta("sess-1", ClassLifecycle, ""); err == nil {
		t.Fatalf("expected error for missing description")
	}
	if _, err := engine.CaptureDelta("sess-1", ClassTombstone, "x"); err == nil {
		t.Fatalf("tombstones are synthesized by GC, not captured")
	}
}

func TestSessionsChainIndependently(t *testing.T) {
	engine := NewEngine(EngineOptions{Now: tickingClock()})
	a, err := engine.CaptureDelta("sess-a", ClassLifecycle, "created")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	b, err := engine.CaptureDelta("sess-b", ClassLifecycle, "created")
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if a.ParentHash != "" || b.ParentHash != "" {
		t.Fatalf("each session starts its own chain")
	}
}

func TestCommitSummaryRoundTrip(t *testing.T) {
	engine := NewEngine(EngineOptions{Now: tickingClock()})
	for i := 0; i < 10; i++ {
		if _, err := engine.CaptureDelta("sess-1", ClassStepStarted, "step started"); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}
	if _, err := engine.CaptureDelta("sess-1", ClassTermination, "session terminated"); err != nil {
		t.Fatalf("capture termination: %v", err)
	}

	summary, err := engine.CommitSummary("sess-1")
	if err != nil {
		t.Fatalf("commit summary: %v", err)
	}
	if summary.EntryCount != 11 || summary.SummaryHash == "" {
		t.Fatalf("unexpected summary: %#v", summary)
	}

	entries, err := engine.Snapshot("sess-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := VerifyChain(entries, summary); err != nil {
		t.Fatalf("recomputed chain should reproduce the digest: %v", err)
	}
}

func TestTamperEvidence(t *testing.T) {
	engine := NewEngine(EngineOptions{Now: tickingClock()})
	for i := 0; i < 5; i++ {
		if _, err := engine.CaptureDelta("sess-1", ClassLifecycle, "routine change"); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}
	summary, err := engine.CommitSummary("sess-1")
	if err != nil {
		t.Fatalf("commit summary: %v", err)
	}
	entries, err := engine.Snapshot("sess-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	tampered := append([]schemaaudit.DeltaEntry{}, entries...)
	tampered[2].Description = "rewritten history"
	err = VerifyChain(tampered, summary)
	if err == nil {
		t.Fatalf("tampered entry must break verification")
	}
	var integrity *ChainIntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected ChainIntegrityError, got %T", err)
	}
	if integrity.Sequence != 3 {
		t.Fatalf("tamper should be detected at sequence 3, got %d", integrity.Sequence)
	}
}

func TestGarbageCollectPreservesVerifiableChain(t *testing.T) {
	engine := NewEngine(EngineOptions{Now: tickingClock()})
	for i := 0; i < 498; i++ {
		if _, err := engine.CaptureDelta("sess-1", ClassStepStarted, "step started"); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}
	if _, err := engine.CaptureDelta("sess-1", ClassEscalation, "saga escalated"); err != nil {
		t.Fatalf("capture escalation: %v", err)
	}
	if _, err := engine.CaptureDelta("sess-1", ClassTermination, "session terminated"); err != nil {
		t.Fatalf("capture termination: %v", err)
	}

	report, err := engine.GarbageCollect("sess-1", nil)
	if err != nil {
		t.Fatalf("garbage collect: %v", err)
	}
	if report.Before != 500 || report.After != 3 {
		t.Fatalf("unexpected report: %#v", report)
	}
	if report.Tombstones != 1 || report.Elided != 498 {
		t.Fatalf("expected one tombstone over 498 entries: %#v", report)
	}

	entries, err := engine.Snapshot("sess-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if entries[0].Tombstone == nil {
		t.Fatalf("first entry should be the tombstone")
	}
	if entries[0].Tombstone.SequenceStart != 1 || entries[0].Tombstone.SequenceEnd != 498 {
		t.Fatalf("unexpected tombstone range: %#v", entries[0].Tombstone)
	}
	if entries[1].Class != string(ClassEscalation) || entries[2].Class != string(ClassTermination) {
		t.Fatalf("forensic entries must survive GC")
	}

	summary, err := engine.CommitSummary("sess-1")
	if err != nil {
		t.Fatalf("commit summary after GC: %v", err)
	}
	if err := VerifyChain(entries, summary); err != nil {
		t.Fatalf("chain verification must still succeed after GC: %v", err)
	}
}

func TestGarbageCollectKeepsCustomRetention(t *testing.T) {
	engine := NewEngine(EngineOptions{Now: tickingClock()})
	if _, err := engine.CaptureDelta("sess-1", ClassLifecycle, "created"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if _, err := engine.CaptureDelta("sess-1", ClassBond, "bond recorded"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	report, err := engine.GarbageCollect("sess-1", func(entry schemaaudit.DeltaEntry) bool {
		return entry.Class == string(ClassBond)
	})
	if err != nil {
		t.Fatalf("garbage collect: %v", err)
	}
	if report.After != 2 || report.Tombstones != 1 {
		t.Fatalf("unexpected report: %#v", report)
	}

	// A second pass must not elide the tombstone itself.
	if _, err = engine.GarbageCollect("sess-1", func(entry schemaaudit.DeltaEntry) bool { return false }); err != nil {
		t.Fatalf("second gc: %v", err)
	}
	entries, err := engine.Snapshot("sess-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, entry := range entries {
		if entry.Tombstone == nil && entry.Class != string(ClassTombstone) {
			t.Fatalf("expected only tombstones to remain, found %s", entry.Class)
		}
	}
	summary, err := engine.CommitSummary("sess-1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := VerifyChain(entries, summary); err != nil {
		t.Fatalf("verify after repeated GC: %v", err)
	}
}

func TestBrokenChainHaltsWrites(t *testing.T) {
	engine := NewEngine(EngineOptions{Now: tickingClock()})
	for i := 0; i < 3; i++ {
		if _, err := engine.CaptureDelta("sess-1", ClassLifecycle, "routine change"); err != nil {
			t.Fatalf("capture: %v", err)
		}
	}

	engine.mu.Lock()
	engine.chains["sess-1"].entries[1].Description = "mutated in place"
	engine.mu.Unlock()

	err := engine.VerifySession("sess-1")
	if err == nil {
		t.Fatalf("expected integrity failure")
	}
	if coreerrors.CategoryOf(err) != coreerrors.CategoryAuditIntegrity {
		t.Fatalf("unexpected category: %s", coreerrors.CategoryOf(err))
	}

	if _, err := engine.CaptureDelta("sess-1", ClassLifecycle, "after halt"); err == nil {
		t.Fatalf("writes must be rejected after an integrity failure")
	} else if coreerrors.CodeOf(err) != "audit_chain_halted" {
		t.Fatalf("unexpected code: %s", coreerrors.CodeOf(err))
	}
	if _, err := engine.CommitSummary("sess-1"); err == nil {
		t.Fatalf("commit must fail on a broken chain")
	}
}

func TestVerifyChainCountAndHeadMismatch(t *testing.T) {
	engine := NewEngine(EngineOptions{Now: tickingClock()})
	if _, err := engine.CaptureDelta("sess-1", ClassLifecycle, "created"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	summary, err := engine.CommitSummary("sess-1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := engine.CaptureDelta("sess-1", ClassLifecycle, "joined"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	entries, err := engine.Snapshot("sess-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := VerifyChain(entries, summary); err == nil {
		t.Fatalf("stale digest must not verify a longer chain")
	}
}
