package ring

import (
	"crypto/ed25519"
	"fmt"

	"github.com/davidahmann/warden/core/digest"
	"github.com/davidahmann/warden/core/sign"
)

const (
	DenialCodeInsufficientRing = "ring_insufficient"
	DenialCodeWitnessMissing   = "witness_missing"
	DenialCodeWitnessInvalid   = "witness_invalid"
	DenialCodeConsensusMissing = "consensus_missing"
)

// DeniedError is a structured authorization denial. The action is rejected,
// never silently downgraded; the caller may re-request after a trust change.
type DeniedError struct {
	Code     string
	AgentID  string
	Held     Ring
	Required Ring
	Err      error
}

func (e *DeniedError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: agent %s holds %s, action requires %s", e.Code, e.AgentID, e.Held, e.Required)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeniedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ActionRequest describes one action to authorize. Digest is the sha256 hex
// of the action payload; a root-tier witness sign-off must bind to it.
type ActionRequest struct {
	ActionID       string
	Class          ActionClass
	AgentID        string
	Digest         string
	Witness        *sign.Signature
	ConsensusCount int
}

// Enforcer classifies actions into required rings and grants or denies them
// from an agent's held ring, with the extra witness and consensus gates for
// the two highest tiers.
type Enforcer struct {
	table      Table
	required   map[ActionClass]Ring
	thresholds [Sandbox + 1]float64
	quorum     int
	witnessKey ed25519.PublicKey
}

// NewEnforcer normalizes the table and builds an enforcer. The witness key
// may be nil when no root-tier actions are expected; a root-class request
// without a configured key is denied, not waved through.
func NewEnforcer(table Table, witnessKey ed25519.PublicKey) (*Enforcer, error) {
	normalized, err := normalizeTable(table)
	if err != nil {
		return nil, err
	}
	enforcer := &Enforcer{
		table:      normalized,
		required:   make(map[ActionClass]Ring, len(normalized.Classes)),
		quorum:     normalized.ConsensusQuorum,
		witnessKey: witnessKey,
	}
	for _, rule := range normalized.Classes {
		class, _ := ParseActionClass(rule.ActionClass)
		ring, _ := ParseRing(rule.RequiredRing)
		enforcer.required[class] = ring
	}
	for _, rule := range normalized.Thresholds {
		ring, _ := ParseRing(rule.Ring)
		enforcer.thresholds[ring] = rule.MinTrust
	}
	return enforcer, nil
}

// Table returns the normalized classification table in effect.
func (e *Enforcer) Table() Table {
	return e.table
}

// AssignRing maps effective trust to the most privileged ring whose
// threshold it satisfies. The sandbox threshold is zero, so every
// participant holds some ring.
func (e *Enforcer) AssignRing(effectiveTrust float64) Ring {
	for ring := Root; ring < Sandbox; ring++ {
		if effectiveTrust >= e.thresholds[ring] {
			return ring
		}
	}
	return Sandbox
}

// RequiredRing returns the ring the classification table demands for an
// action class.
func (e *Enforcer) RequiredRing(class ActionClass) (Ring, error) {
	ring, ok := e.required[class]
	if !ok {
		return Sandbox, fmt.Errorf("unknown action class: %q", class)
	}
	return ring, nil
}

// Authorize grants the request when the held ring satisfies the required
// ring and, for the two highest tiers, the extra gate holds: a valid witness
// sign-off bound to the action digest for root, a declared consensus count
// meeting the quorum for privileged.
func (e *Enforcer) Authorize(held Ring, req ActionRequest) error {
	required, err := e.RequiredRing(req.Class)
	if err != nil {
		return err
	}
	if !held.AtLeast(required) {
		return &DeniedError{
			Code:     DenialCodeInsufficientRing,
			AgentID:  req.AgentID,
			Held:     held,
			Required: required,
		}
	}

	switch required {
	case Root:
		if req.Witness == nil {
			return &DeniedError{
				Code:     DenialCodeWitnessMissing,
				AgentID:  req.AgentID,
				Held:     held,
				Required: required,
				Err:      fmt.Errorf("root-tier actions need an external witness sign-off"),
			}
		}
		if len(e.witnessKey) == 0 {
			return &DeniedError{
				Code:     DenialCodeWitnessInvalid,
				AgentID:  req.AgentID,
				Held:     held,
				Required: required,
				Err:      fmt.Errorf("no witness key configured"),
			}
		}
		if !digest.IsHex(req.Digest) || req.Witness.SignedDigest != req.Digest {
			return &DeniedError{
				Code:     DenialCodeWitnessInvalid,
				AgentID:  req.AgentID,
				Held:     held,
				Required: required,
				Err:      fmt.Errorf("witness sign-off not bound to action digest"),
			}
		}
		ok, verifyErr := sign.VerifyDigestHex(e.witnessKey, *req.Witness)
		if verifyErr != nil || !ok {
			return &DeniedError{
				Code:     DenialCodeWitnessInvalid,
				AgentID:  req.AgentID,
				Held:     held,
				Required: required,
				Err:      verifyErr,
			}
		}
	case Privileged:
		if req.ConsensusCount < e.quorum {
			return &DeniedError{
				Code:     DenialCodeConsensusMissing,
				AgentID:  req.AgentID,
				Held:     held,
				Required: required,
				Err:      fmt.Errorf("declared consensus %d below quorum %d", req.ConsensusCount, e.quorum),
			}
		}
	}
	return nil
}
