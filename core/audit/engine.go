package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/warden/core/digest"
	coreerrors "github.com/davidahmann/warden/core/errors"
	schemaaudit "github.com/davidahmann/warden/core/schema/v1/audit"
)

const (
	deltaEntrySchemaID    = "warden.audit.delta_entry"
	deltaEntrySchemaV1    = "1.0.0"
	sessionDigestSchemaID = "warden.audit.session_digest"
	sessionDigestSchemaV1 = "1.0.0"
)

// Class labels the kind of state change an entry describes. Forensic classes
// survive garbage collection; everything else is ephemeral.
type Class string

const (
	ClassLifecycle     Class = "lifecycle"
	ClassRingChange    Class = "ring_change"
	ClassBond          Class = "bond"
	ClassStepStarted   Class = "step_started"
	ClassStepSucceeded Class = "step_succeeded"
	ClassStepFailed    Class = "step_failed"
	ClassCompensation  Class = "compensation"
	ClassSlash         Class = "slash"
	ClassEscalation    Class = "escalation"
	ClassTermination   Class = "termination"
	ClassTombstone     Class = "tombstone"
)

// Forensic reports whether entries of this class must always be retained.
func (c Class) Forensic() bool {
	switch c {
	case ClassStepFailed, ClassCompensation, ClassSlash, ClassEscalation, ClassTermination:
		return true
	default:
		return false
	}
}

// RetentionPredicate decides whether a garbage-collection pass keeps an
// entry. Tombstones and forensic classes are kept regardless of what the
// predicate says.
type RetentionPredicate func(entry schemaaudit.DeltaEntry) bool

// RetainForensic is the default retention policy.
func RetainForensic(entry schemaaudit.DeltaEntry) bool {
	return Class(entry.Class).Forensic()
}

// ChainIntegrityError reports a broken hash chain. It is fatal for the
// session's audit trust: further writes are rejected until an operator
// intervenes.
type ChainIntegrityError struct {
	SessionID string
	Sequence  int64
	Reason    string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain integrity failure for session %s at sequence %d: %s", e.SessionID, e.Sequence, e.Reason)
}

type GCReport struct {
	SessionID  string `json:"session_id"`
	Before     int    `json:"before"`
	After      int    `json:"after"`
	Elided     int    `json:"elided"`
	Tombstones int    `json:"tombstones"`
}

type sessionChain struct {
	entries  []schemaaudit.DeltaEntry
	nextSeq  int64
	headHash string
	halted   bool
}

// Engine captures per-session delta audit chains. Appends are single-writer
// per session (serialized through the engine lock); snapshot reads copy the
// chain so verification never observes a partially written entry.
type Engine struct {
	mu     sync.Mutex
	now    func() time.Time
	chains map[string]*sessionChain
}

type EngineOptions struct {
	// Now is the injected clock; defaults to time.Now.
	Now func() time.Time
}

func NewEngine(opts EngineOptions) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		now:    now,
		chains: map[string]*sessionChain{},
	}
}

// CaptureDelta appends one entry to the session's chain and returns it.
func (e *Engine) CaptureDelta(sessionID string, class Class, description string) (schemaaudit.DeltaEntry, error) {
	if sessionID == "" {
		return schemaaudit.DeltaEntry{}, fmt.Errorf("session_id is required")
	}
	if description == "" {
		return schemaaudit.DeltaEntry{}, fmt.Errorf("description is required")
	}
	if class == "" || class == ClassTombstone {
		return schemaaudit.DeltaEntry{}, fmt.Errorf("unsupported delta class: %q", class)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	chain := e.chains[sessionID]
	if chain == nil {
		chain = &sessionChain{nextSeq: 1}
		e.chains[sessionID] = chain
	}
	if chain.halted {
		return schemaaudit.DeltaEntry{}, coreerrors.Wrap(
			&ChainIntegrityError{SessionID: sessionID, Sequence: chain.nextSeq, Reason: "writes halted after integrity failure"},
			coreerrors.CategoryAuditIntegrity,
			"audit_chain_halted",
			"inspect the session chain and restore from the anchored digest",
			false,
		)
	}

	createdAt := e.now().UTC()
	entry := schemaaudit.DeltaEntry{
		SchemaID:      deltaEntrySchemaID,
		SchemaVersion: deltaEntrySchemaV1,
		EntryID:       uuid.NewString(),
		SessionID:     sessionID,
		Sequence:      chain.nextSeq,
		ParentHash:    chain.headHash,
		Class:         string(class),
		Description:   description,
		CreatedAt:     createdAt,
		Hash:          digest.ChainLink(chain.headHash, string(class), description, createdAt),
	}
	chain.entries = append(chain.entries, entry)
	chain.nextSeq++
	chain.headHash = entry.Hash
	return entry, nil
}

// Snapshot returns a copy of the session's chain for concurrent verification.
func (e *Engine) Snapshot(sessionID string) ([]schemaaudit.DeltaEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chain := e.chains[sessionID]
	if chain == nil {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return append([]schemaaudit.DeltaEntry{}, chain.entries...), nil
}

// GarbageCollect elides ephemeral entries, replacing each contiguous elided
// run with one tombstone whose hash is the final hash of the run, so the
// chain still links through it. Forensic entries and prior tombstones are
// never elided.
func (e *Engine) GarbageCollect(sessionID string, retain RetentionPredicate) (GCReport, error) {
	if retain == nil {
		retain = RetainForensic
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	chain := e.chains[sessionID]
	if chain == nil {
		return GCReport{}, fmt.Errorf("unknown session: %s", sessionID)
	}
	if chain.halted {
		return GCReport{}, coreerrors.Wrap(
			&ChainIntegrityError{SessionID: sessionID, Sequence: chain.nextSeq, Reason: "writes halted after integrity failure"},
			coreerrors.CategoryAuditIntegrity,
			"audit_chain_halted",
			"inspect the session chain and restore from the anchored digest",
			false,
		)
	}

	report := GCReport{SessionID: sessionID, Before: len(chain.entries)}
	now := e.now().UTC()
	kept := make([]schemaaudit.DeltaEntry, 0, len(chain.entries))
	var run []schemaaudit.DeltaEntry
	flush := func() {
		if len(run) == 0 {
			return
		}
		first := run[0]
		last := run[len(run)-1]
		kept = append(kept, schemaaudit.DeltaEntry{
			SchemaID:      deltaEntrySchemaID,
			SchemaVersion: deltaEntrySchemaV1,
			EntryID:       uuid.NewString(),
			SessionID:     sessionID,
			Sequence:      last.Sequence,
			ParentHash:    first.ParentHash,
			Class:         string(ClassTombstone),
			Description:   fmt.Sprintf("elided %d ephemeral entries", len(run)),
			CreatedAt:     now,
			Tombstone: &schemaaudit.TombstoneRange{
				SequenceStart: first.Sequence,
				SequenceEnd:   last.Sequence,
				ElidedCount:   len(run),
			},
			Hash: last.Hash,
		})
		report.Elided += len(run)
		report.Tombstones++
		run = nil
	}
	for _, entry := range chain.entries {
		if entry.Tombstone != nil || retain(entry) || Class(entry.Class).Forensic() {
			flush()
			kept = append(kept, entry)
			continue
		}
		run = append(run, entry)
	}
	flush()

	chain.entries = kept
	report.After = len(kept)
	return report, nil
}

// CommitSummary folds the full chain, tombstones included, into one summary
// digest. The fold is checked against the live chain first: a broken chain
// halts further writes and surfaces a ChainIntegrityError.
func (e *Engine) CommitSummary(sessionID string) (schemaaudit.SessionDigest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chain := e.chains[sessionID]
	if chain == nil {
		return schemaaudit.SessionDigest{}, fmt.Errorf("unknown session: %s", sessionID)
	}
	if integrityErr := verifyEntries(sessionID, chain.entries); integrityErr != nil {
		chain.halted = true
		return schemaaudit.SessionDigest{}, coreerrors.Wrap(
			integrityErr,
			coreerrors.CategoryAuditIntegrity,
			"audit_chain_broken",
			"halt the session and inspect the chain",
			false,
		)
	}
	hashes := make([]string, 0, len(chain.entries))
	for _, entry := range chain.entries {
		hashes = append(hashes, entry.Hash)
	}
	return schemaaudit.SessionDigest{
		SchemaID:      sessionDigestSchemaID,
		SchemaVersion: sessionDigestSchemaV1,
		SessionID:     sessionID,
		CreatedAt:     e.now().UTC(),
		EntryCount:    len(chain.entries),
		HeadHash:      chain.headHash,
		SummaryHash:   digest.Fold(hashes),
	}, nil
}

// VerifySession checks the live chain's linkage and halts writes on failure.
func (e *Engine) VerifySession(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	chain := e.chains[sessionID]
	if chain == nil {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	if integrityErr := verifyEntries(sessionID, chain.entries); integrityErr != nil {
		chain.halted = true
		return coreerrors.Wrap(
			integrityErr,
			coreerrors.CategoryAuditIntegrity,
			"audit_chain_broken",
			"halt the session and inspect the chain",
			false,
		)
	}
	return nil
}

// VerifyChain recomputes a captured chain and compares it against a candidate
// summary digest. Tampering with any entry invalidates every hash after it.
func VerifyChain(entries []schemaaudit.DeltaEntry, summary schemaaudit.SessionDigest) error {
	if integrityErr := verifyEntries(summary.SessionID, entries); integrityErr != nil {
		return integrityErr
	}
	if len(entries) != summary.EntryCount {
		return &ChainIntegrityError{
			SessionID: summary.SessionID,
			Reason:    fmt.Sprintf("entry count mismatch: chain has %d, digest records %d", len(entries), summary.EntryCount),
		}
	}
	hashes := make([]string, 0, len(entries))
	for _, entry := range entries {
		hashes = append(hashes, entry.Hash)
	}
	if fold := digest.Fold(hashes); fold != summary.SummaryHash {
		return &ChainIntegrityError{
			SessionID: summary.SessionID,
			Reason:    "summary hash mismatch",
		}
	}
	if len(entries) > 0 && entries[len(entries)-1].Hash != summary.HeadHash {
		return &ChainIntegrityError{
			SessionID: summary.SessionID,
			Sequence:  entries[len(entries)-1].Sequence,
			Reason:    "head hash mismatch",
		}
	}
	return nil
}

func verifyEntries(sessionID string, entries []schemaaudit.DeltaEntry) *ChainIntegrityError {
	prev := ""
	for _, entry := range entries {
		if entry.ParentHash != prev {
			return &ChainIntegrityError{SessionID: sessionID, Sequence: entry.Sequence, Reason: "parent hash linkage mismatch"}
		}
		if entry.Tombstone == nil {
			recomputed := digest.ChainLink(entry.ParentHash, entry.Class, entry.Description, entry.CreatedAt)
			if recomputed != entry.Hash {
				return &ChainIntegrityError{SessionID: sessionID, Sequence: entry.Sequence, Reason: "content hash mismatch"}
			}
		}
		prev = entry.Hash
	}
	return nil
}
