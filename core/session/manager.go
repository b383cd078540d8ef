package session

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/warden/core/audit"
	"github.com/davidahmann/warden/core/collab"
	"github.com/davidahmann/warden/core/config"
	werr "github.com/davidahmann/warden/core/errors"
	"github.com/davidahmann/warden/core/liability"
	"github.com/davidahmann/warden/core/ring"
	"github.com/davidahmann/warden/core/saga"
)

// ManagerOptions wires the runtime together. Only the runtime config is
// required; collaborators are optional and their absence degrades the
// matching feature instead of failing construction.
type ManagerOptions struct {
	Runtime    config.Runtime
	WitnessKey ed25519.PublicKey
	Resolver   collab.TrustResolver
	Verifier   collab.DriftVerifier
	Analyzer   collab.ManifestAnalyzer
	Sink       collab.AnchorSink
	Clock      saga.Clock
	Logger     *slog.Logger
}

// Manager owns every session and composes the ring enforcer, liability
// ledgers, saga orchestrator, and audit engine behind one API.
type Manager struct {
	runtime  config.Runtime
	enforcer *ring.Enforcer
	auditor  *audit.Engine
	orch     *saga.Orchestrator
	resolver collab.TrustResolver
	verifier collab.DriftVerifier
	analyzer collab.ManifestAnalyzer
	sink     collab.AnchorSink
	now      func() time.Time
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(opts ManagerOptions) (*Manager, error) {
	runtime, err := config.Normalize(opts.Runtime)
	if err != nil {
		return nil, werr.Wrap(err, werr.CategoryInvalidConfig, "runtime_config_invalid",
			"fix the runtime configuration before starting the manager", false)
	}

	table := ring.DefaultTable()
	if runtime.RingTable != nil {
		table = *runtime.RingTable
	}
	enforcer, err := ring.NewEnforcer(table, opts.WitnessKey)
	if err != nil {
		return nil, werr.Wrap(err, werr.CategoryInvalidConfig, "ring_table_invalid",
			"fix the ring classification table", false)
	}

	now := time.Now
	if opts.Clock != nil {
		now = opts.Clock.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	resolver := opts.Resolver
	if resolver != nil && runtime.TrustTTL() > 0 {
		resolver = collab.NewCachedTrustResolver(resolver, runtime.TrustTTL())
	}

	manager := &Manager{
		runtime:  runtime,
		enforcer: enforcer,
		auditor:  audit.NewEngine(audit.EngineOptions{Now: now}),
		resolver: resolver,
		verifier: opts.Verifier,
		analyzer: opts.Analyzer,
		sink:     opts.Sink,
		now:      now,
		log:      log,
		sessions: map[string]*session{},
	}
	manager.orch = saga.NewOrchestrator(saga.Options{
		Clock:       opts.Clock,
		Authorize:   manager.AuthorizeAction,
		Record:      manager.sagaRecord,
		Escalate:    manager.sagaEscalate,
		BackoffBase: runtime.Saga.Backoff(),
		Logger:      log,
	})
	return manager, nil
}

// Audit exposes the audit engine for snapshots, verification, and garbage
// collection.
func (m *Manager) Audit() *audit.Engine {
	return m.auditor
}

// Sagas exposes the orchestrator for step registration and execution.
func (m *Manager) Sagas() *saga.Orchestrator {
	return m.orch
}

// CreateSession registers a new session in the Created state.
func (m *Manager) CreateSession(cfg Config) (string, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = "sess-" + uuid.NewString()
	}
	if cfg.MaxParticipants == 0 {
		cfg.MaxParticipants = m.runtime.Session.MaxParticipants
	}
	if cfg.MaxParticipants < 1 {
		return "", invalidSessionConfig(fmt.Errorf("max_participants must be positive, got %d", cfg.MaxParticipants))
	}
	if cfg.MinEffectiveTrust == 0 {
		cfg.MinEffectiveTrust = m.runtime.Session.MinEffectiveTrust
	}
	if cfg.MinEffectiveTrust < 0 || cfg.MinEffectiveTrust > 1 {
		return "", invalidSessionConfig(fmt.Errorf("min_effective_trust outside [0,1]: %.3f", cfg.MinEffectiveTrust))
	}
	if cfg.ConsistencyMode == "" {
		cfg.ConsistencyMode = m.runtime.Session.ConsistencyMode
	}
	if cfg.ConsistencyMode != ConsistencyStrict && cfg.ConsistencyMode != ConsistencyEventual {
		return "", invalidSessionConfig(fmt.Errorf("invalid consistency_mode: %s", cfg.ConsistencyMode))
	}

	created := &session{
		id:                cfg.SessionID,
		state:             StateCreated,
		consistencyMode:   cfg.ConsistencyMode,
		maxParticipants:   cfg.MaxParticipants,
		minEffectiveTrust: cfg.MinEffectiveTrust,
		createdAt:         m.now().UTC(),
		participants:      map[string]*Participant{},
		kv:                map[string]json.RawMessage{},
	}
	created.ledger = liability.NewEngine(liability.EngineOptions{
		ExposureCeiling: m.runtime.Liability.ExposureCeiling,
		SeverityScale:   m.runtime.Liability.EngineSeverityScale(),
		OnTrustChange:   m.trustListener(created),
		Record: func(class, description string) {
			m.capture(created.id, audit.Class(class), description)
		},
		Now: m.now,
	})

	m.mu.Lock()
	if _, exists := m.sessions[created.id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("session %s already exists", created.id)
	}
	m.sessions[created.id] = created
	m.mu.Unlock()

	m.capture(created.id, audit.ClassLifecycle, fmt.Sprintf("session created (%s, max %d participants, min trust %.3f)",
		created.consistencyMode, created.maxParticipants, created.minEffectiveTrust))
	m.log.Info("session created",
		slog.String("session_id", created.id),
		slog.String("consistency_mode", created.consistencyMode))
	return created.id, nil
}

// ActivateSession moves a created session to Active. Activating an already
// active session is a no-op.
func (m *Manager) ActivateSession(sessionID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateActive:
		return nil
	case StateCreated:
		s.state = StateActive
	default:
		return &StateError{SessionID: sessionID, State: s.state, Op: "activate"}
	}
	m.capture(sessionID, audit.ClassLifecycle, "session activated")
	return nil
}

// JoinSession admits an agent: resolves its baseline trust, analyzes its
// manifest when one is presented, registers the trust account, and assigns
// the initial ring. Admission is rejected below the session's trust floor.
func (m *Manager) JoinSession(ctx context.Context, sessionID, agentID string, opts JoinOptions) (Participant, error) {
	if agentID == "" {
		return Participant{}, fmt.Errorf("agent_id is required")
	}
	s, err := m.lookup(sessionID)
	if err != nil {
		return Participant{}, err
	}

	rawTrust, err := m.baselineTrust(ctx, agentID, opts.RawTrust)
	if err != nil {
		return Participant{}, err
	}

	declared := append([]string(nil), opts.DeclaredActions...)
	var warnings []string
	var ringHint string
	var trustHint *float64
	if len(opts.Manifest) > 0 {
		if m.analyzer == nil {
			warnings = append(warnings, "manifest presented but no analyzer configured")
		} else {
			analysis, err := m.analyzer.AnalyzeManifest(ctx, opts.Manifest)
			if err != nil {
				return Participant{}, werr.Wrap(
					fmt.Errorf("agent %s: %w", agentID, err),
					werr.CategoryPolicyRejected, "manifest_rejected",
					"fix the capability manifest and rejoin", false)
			}
			if analysis.AgentID != agentID {
				return Participant{}, werr.Wrap(
					fmt.Errorf("manifest agent_id %s does not match joining agent %s", analysis.AgentID, agentID),
					werr.CategoryPolicyRejected, "manifest_agent_mismatch", "", false)
			}
			declared = append(declared, analysis.DeclaredActions...)
			warnings = append(warnings, analysis.Warnings...)
			ringHint = analysis.RingHint
			trustHint = analysis.TrustHint
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return Participant{}, &StateError{SessionID: sessionID, State: s.state, Op: "join"}
	}
	if _, exists := s.participants[agentID]; exists {
		return Participant{}, fmt.Errorf("agent %s already joined session %s", agentID, sessionID)
	}
	if len(s.participants) >= s.maxParticipants {
		return Participant{}, werr.Wrap(
			fmt.Errorf("session %s at capacity (%d)", sessionID, s.maxParticipants),
			werr.CategoryPolicyRejected, "session_at_capacity",
			"raise max_participants or wait for a slot", true)
	}
	if rawTrust < s.minEffectiveTrust {
		return Participant{}, werr.Wrap(
			fmt.Errorf("agent %s trust %.3f below session minimum %.3f", agentID, rawTrust, s.minEffectiveTrust),
			werr.CategoryPolicyRejected, "trust_below_minimum",
			"the agent needs a voucher or a higher baseline score", false)
	}

	account, err := s.ledger.Register(agentID, rawTrust)
	if err != nil {
		return Participant{}, err
	}
	participant := &Participant{
		AgentID:         agentID,
		EffectiveTrust:  account.EffectiveTrust,
		Ring:            m.enforcer.AssignRing(account.EffectiveTrust),
		DeclaredActions: normalizeActions(declared),
		RingHint:        ringHint,
		TrustHint:       trustHint,
		Warnings:        warnings,
		JoinedAt:        m.now().UTC(),
	}
	s.participants[agentID] = participant

	m.capture(sessionID, audit.ClassLifecycle, fmt.Sprintf("agent %s joined (trust %.4f, ring %s)",
		agentID, participant.EffectiveTrust, participant.Ring))
	m.log.Info("agent joined",
		slog.String("session_id", sessionID),
		slog.String("agent_id", agentID),
		slog.String("ring", participant.Ring.String()))
	return *participant, nil
}

func invalidSessionConfig(err error) error {
	return werr.Wrap(err, werr.CategoryInvalidConfig, "session_config_invalid",
		"fix the session config and retry", false)
}

func (m *Manager) baselineTrust(ctx context.Context, agentID string, explicit *float64) (float64, error) {
	if explicit != nil {
		return *explicit, nil
	}
	if m.resolver == nil {
		return 0, fmt.Errorf("agent %s: no raw trust supplied and no trust resolver configured", agentID)
	}
	trust, err := m.resolver.ResolveTrust(ctx, agentID)
	if err != nil {
		return 0, werr.Wrap(
			fmt.Errorf("resolve trust for %s: %w", agentID, err),
			werr.CategoryDependencyDegraded, "trust_resolver_unavailable",
			"retry the join once the trust source recovers", true)
	}
	return trust, nil
}

// Vouch creates a collateral bond between two participants of one session.
func (m *Manager) Vouch(sessionID, voucher, vouchee string, fraction, weight float64) (liability.Bond, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return liability.Bond{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return liability.Bond{}, &StateError{SessionID: sessionID, State: s.state, Op: "vouch"}
	}
	return s.ledger.Vouch(voucher, vouchee, fraction, weight)
}

// Unbond releases a bond.
func (m *Manager) Unbond(sessionID, bondID string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return &StateError{SessionID: sessionID, State: s.state, Op: "unbond"}
	}
	return s.ledger.Unbond(bondID)
}

// Slash applies a severity-scaled trust penalty with joint-liability cascade
// and synchronous ring recomputation.
func (m *Manager) Slash(sessionID, agentID, reason string, severity liability.Severity) (liability.SlashReport, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return liability.SlashReport{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return liability.SlashReport{}, &StateError{SessionID: sessionID, State: s.state, Op: "slash"}
	}
	return s.ledger.Slash(agentID, reason, severity)
}

// UpdateRawTrust applies an external trust-update event.
func (m *Manager) UpdateRawTrust(sessionID, agentID string, rawTrust float64) (liability.Account, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return liability.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return liability.Account{}, &StateError{SessionID: sessionID, State: s.state, Op: "update trust"}
	}
	account, err := s.ledger.UpdateRawTrust(agentID, rawTrust)
	if err != nil {
		return liability.Account{}, err
	}
	m.capture(sessionID, audit.ClassLifecycle, fmt.Sprintf("agent %s raw trust updated to %.4f", agentID, rawTrust))
	return account, nil
}

// Account returns an agent's current trust ledger entry.
func (m *Manager) Account(sessionID, agentID string) (liability.Account, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return liability.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Account(agentID)
}

// ReportDrift runs the external drift verifier for one agent and, when the
// verifier calls for it, slashes with a severity scaled to the drift score.
func (m *Manager) ReportDrift(ctx context.Context, sessionID, agentID string) (collab.DriftReport, error) {
	if m.verifier == nil {
		return collab.DriftReport{}, fmt.Errorf("no drift verifier configured")
	}
	if _, err := m.lookup(sessionID); err != nil {
		return collab.DriftReport{}, err
	}
	report, err := m.verifier.VerifyBehavior(ctx, sessionID, agentID)
	if err != nil {
		return collab.DriftReport{}, werr.Wrap(
			fmt.Errorf("verify behavior of %s: %w", agentID, err),
			werr.CategoryDependencyDegraded, "drift_verifier_unavailable", "", true)
	}
	if !report.ShouldSlash {
		return report, nil
	}
	reason := report.Reason
	if reason == "" {
		reason = fmt.Sprintf("behavioral drift %.3f", report.DriftScore)
	}
	if _, err := m.Slash(sessionID, agentID, reason, driftSeverity(report.DriftScore)); err != nil {
		return report, err
	}
	return report, nil
}

func driftSeverity(score float64) liability.Severity {
	switch {
	case score >= 0.9:
		return liability.SeverityCritical
	case score >= 0.6:
		return liability.SeverityHigh
	case score >= 0.3:
		return liability.SeverityMedium
	default:
		return liability.SeverityLow
	}
}

// AuthorizeAction checks one action against the agent's currently held ring.
// It also serves as the saga orchestrator's dispatch-time re-check.
func (m *Manager) AuthorizeAction(sessionID string, req ring.ActionRequest) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return &StateError{SessionID: sessionID, State: s.state, Op: "authorize action"}
	}
	participant, ok := s.participants[req.AgentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("agent %s is not a participant of session %s", req.AgentID, sessionID)
	}
	held := participant.Ring
	s.mu.Unlock()
	return m.enforcer.Authorize(held, req)
}

// StartSaga opens a saga bound to an active session.
func (m *Manager) StartSaga(sessionID string) (string, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateActive {
		return "", &StateError{SessionID: sessionID, State: state, Op: "start saga"}
	}
	return m.orch.NewSaga(sessionID)
}

// Participants returns the admitted agents sorted by id.
func (m *Manager) Participants(sessionID string) ([]Participant, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, participant := range s.participants {
		out = append(out, *participant)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// Participant returns one admitted agent.
func (m *Manager) Participant(sessionID, agentID string) (Participant, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Participant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	participant, ok := s.participants[agentID]
	if !ok {
		return Participant{}, fmt.Errorf("agent %s is not a participant of session %s", agentID, sessionID)
	}
	return *participant, nil
}

// Status returns a read-only session snapshot.
func (m *Manager) Status(sessionID string) (Info, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), nil
}

// PutValue writes one namespace entry. The namespace is isolated per session
// and writable only while Active.
func (m *Manager) PutValue(sessionID, key string, value json.RawMessage) error {
	if key == "" {
		return fmt.Errorf("namespace key is required")
	}
	if len(value) > 0 && !json.Valid(value) {
		return fmt.Errorf("namespace value for %q is not valid JSON", key)
	}
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return &StateError{SessionID: sessionID, State: s.state, Op: "write namespace"}
	}
	s.kv[key] = append(json.RawMessage(nil), value...)
	return nil
}

// GetValue reads one namespace entry.
func (m *Manager) GetValue(sessionID, key string) (json.RawMessage, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return nil, &StateError{SessionID: sessionID, State: s.state, Op: "read namespace"}
	}
	value, ok := s.kv[key]
	if !ok {
		return nil, fmt.Errorf("namespace key %q not found in session %s", key, sessionID)
	}
	return append(json.RawMessage(nil), value...), nil
}

// DeleteValue removes one namespace entry.
func (m *Manager) DeleteValue(sessionID, key string) error {
	s, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return &StateError{SessionID: sessionID, State: s.state, Op: "write namespace"}
	}
	delete(s.kv, key)
	return nil
}

// TerminateSession tears a session down: in-flight sagas are force-escalated,
// the audit chain is committed to a summary digest, and the digest is handed
// to the anchor sink. A sink failure degrades the report, never the
// termination.
func (m *Manager) TerminateSession(ctx context.Context, sessionID string) (TerminationReport, error) {
	s, err := m.lookup(sessionID)
	if err != nil {
		return TerminationReport{}, err
	}
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return TerminationReport{}, &StateError{SessionID: sessionID, State: s.state, Op: "terminate"}
	}
	s.state = StateTerminated
	s.mu.Unlock()

	report := TerminationReport{EscalatedSagas: m.orch.EscalateSession(sessionID)}
	m.capture(sessionID, audit.ClassTermination, fmt.Sprintf("session terminated (%d sagas escalated)", len(report.EscalatedSagas)))

	digest, err := m.auditor.CommitSummary(sessionID)
	if err != nil {
		return TerminationReport{}, err
	}
	report.Digest = digest

	if m.sink != nil {
		if err := m.sink.Anchor(ctx, digest); err != nil {
			report.AnchorWarning = err.Error()
			m.log.Warn("session digest not anchored",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}
	m.log.Info("session terminated",
		slog.String("session_id", sessionID),
		slog.String("summary_hash", digest.SummaryHash),
		slog.Int("escalated_sagas", len(report.EscalatedSagas)))
	return report, nil
}

// trustListener reacts to effective-trust changes inside the session's
// critical section: it refreshes the participant snapshot and reassigns the
// ring synchronously with the triggering event.
func (m *Manager) trustListener(s *session) liability.TrustListener {
	return func(agentID string, effective float64) {
		participant, ok := s.participants[agentID]
		if !ok {
			return
		}
		participant.EffectiveTrust = effective
		reassigned := m.enforcer.AssignRing(effective)
		if reassigned == participant.Ring {
			return
		}
		previous := participant.Ring
		participant.Ring = reassigned
		m.capture(s.id, audit.ClassRingChange, fmt.Sprintf("agent %s ring %s -> %s (effective trust %.4f)",
			agentID, previous, reassigned, effective))
		m.log.Info("ring reassigned",
			slog.String("session_id", s.id),
			slog.String("agent_id", agentID),
			slog.String("from", previous.String()),
			slog.String("to", reassigned.String()))
	}
}

func (m *Manager) sagaRecord(sessionID, class, description string) {
	m.capture(sessionID, audit.Class(class), description)
}

// sagaEscalate handles a failed compensation: the responsible agent is
// slashed at critical severity in addition to the saga's escalation.
func (m *Manager) sagaEscalate(sessionID, sagaID, agentID string, cause error) {
	if _, err := m.Slash(sessionID, agentID, fmt.Sprintf("compensation failure in saga %s: %v", sagaID, cause), liability.SeverityCritical); err != nil {
		m.log.Error("escalation slash failed",
			slog.String("session_id", sessionID),
			slog.String("saga_id", sagaID),
			slog.String("agent_id", agentID),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) capture(sessionID string, class audit.Class, description string) {
	if _, err := m.auditor.CaptureDelta(sessionID, class, description); err != nil {
		m.log.Warn("audit capture failed",
			slog.String("session_id", sessionID),
			slog.String("class", string(class)),
			slog.String("error", err.Error()))
	}
}

func (m *Manager) lookup(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session: %s", sessionID)
	}
	return s, nil
}

func normalizeActions(values []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" || seen[value] {
			continue
		}
		seen[value] = true
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
