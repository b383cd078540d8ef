package audit

import "time"

// DeltaEntry is one immutable record of an observed semantic state change
// inside a session. Entries form a singly-linked hash chain: ParentHash is
// the Hash of the previous entry, empty for the first entry of a session.
type DeltaEntry struct {
	SchemaID      string          `json:"schema_id"`
	SchemaVersion string          `json:"schema_version"`
	EntryID       string          `json:"entry_id"`
	SessionID     string          `json:"session_id"`
	Sequence      int64           `json:"sequence"`
	ParentHash    string          `json:"parent_hash,omitempty"`
	Class         string          `json:"class"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at"`
	Tombstone     *TombstoneRange `json:"tombstone,omitempty"`
	Hash          string          `json:"hash"`
}

// TombstoneRange marks a garbage-collected span of ephemeral entries. The
// tombstone entry's Hash carries the final hash of the elided range so the
// chain still links through it.
type TombstoneRange struct {
	SequenceStart int64 `json:"sequence_start"`
	SequenceEnd   int64 `json:"sequence_end"`
	ElidedCount   int   `json:"elided_count"`
}

// SessionDigest is the fold of a session's full audit chain, produced at
// termination and handed to the external anchoring sink.
type SessionDigest struct {
	SchemaID      string    `json:"schema_id"`
	SchemaVersion string    `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	EntryCount    int       `json:"entry_count"`
	HeadHash      string    `json:"head_hash"`
	SummaryHash   string    `json:"summary_hash"`
}
