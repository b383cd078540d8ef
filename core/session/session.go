// Package session is the composition root of the governance runtime. A
// Manager owns sessions; each session carries its own trust ledger, ring
// assignments, isolated namespace, and audit chain, and is serialized by its
// own mutex so distinct sessions never contend.
package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/davidahmann/warden/core/liability"
	"github.com/davidahmann/warden/core/ring"
	schemaaudit "github.com/davidahmann/warden/core/schema/v1/audit"
)

// State is the session lifecycle: Created -> Active -> Terminated.
type State string

const (
	StateCreated    State = "created"
	StateActive     State = "active"
	StateTerminated State = "terminated"
)

// ConsistencyMode declares how namespace reads relate to writes. In-process
// both modes serialize under the session lock; eventual is the contract
// reserved for multi-node hosts.
const (
	ConsistencyStrict   = "strict"
	ConsistencyEventual = "eventual"
)

// Config creates one session. Zero values inherit the runtime defaults.
type Config struct {
	SessionID         string
	MaxParticipants   int
	MinEffectiveTrust float64
	ConsistencyMode   string
}

// Participant is an agent admitted to a session. RingHint and TrustHint are
// the manifest's advisory suggestions, recorded for the host; the held Ring
// and EffectiveTrust come from the trust machinery alone.
type Participant struct {
	AgentID         string    `json:"agent_id"`
	EffectiveTrust  float64   `json:"effective_trust"`
	Ring            ring.Ring `json:"ring"`
	DeclaredActions []string  `json:"declared_actions,omitempty"`
	RingHint        string    `json:"ring_hint,omitempty"`
	TrustHint       *float64  `json:"trust_hint,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	JoinedAt        time.Time `json:"joined_at"`
}

// JoinOptions carries the admission inputs. A nil RawTrust resolves the
// baseline through the configured trust resolver; a manifest, when present,
// is analyzed for declared actions and advisory hints.
type JoinOptions struct {
	RawTrust        *float64
	DeclaredActions []string
	Manifest        []byte
}

// Info is a read-only session snapshot.
type Info struct {
	SessionID         string    `json:"session_id"`
	State             State     `json:"state"`
	ConsistencyMode   string    `json:"consistency_mode"`
	MaxParticipants   int       `json:"max_participants"`
	MinEffectiveTrust float64   `json:"min_effective_trust"`
	ParticipantCount  int       `json:"participant_count"`
	CreatedAt         time.Time `json:"created_at"`
}

// TerminationReport is the result of a clean termination. AnchorWarning is
// set when the summary digest could not be anchored; the termination itself
// still holds.
type TerminationReport struct {
	Digest         schemaaudit.SessionDigest `json:"digest"`
	EscalatedSagas []string                  `json:"escalated_sagas,omitempty"`
	AnchorWarning  string                    `json:"anchor_warning,omitempty"`
}

// StateError reports an operation attempted against the wrong session state.
type StateError struct {
	SessionID string
	State     State
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s: cannot %s while %s", e.SessionID, e.Op, e.State)
}

type session struct {
	mu                sync.Mutex
	id                string
	state             State
	consistencyMode   string
	maxParticipants   int
	minEffectiveTrust float64
	createdAt         time.Time
	ledger            *liability.Engine
	participants      map[string]*Participant
	kv                map[string]json.RawMessage
}

func (s *session) info() Info {
	return Info{
		SessionID:         s.id,
		State:             s.state,
		ConsistencyMode:   s.consistencyMode,
		MaxParticipants:   s.maxParticipants,
		MinEffectiveTrust: s.minEffectiveTrust,
		ParticipantCount:  len(s.participants),
		CreatedAt:         s.createdAt,
	}
}
