package liability

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity scales how much raw trust a slash removes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// DefaultExposureCeiling caps the sum of a voucher's active bonded fractions.
const DefaultExposureCeiling = 0.8

// DefaultSeverityScale maps severities to the fraction of trust removed by a
// slash. Applied multiplicatively: raw trust becomes raw × (1 − scale).
func DefaultSeverityScale() map[Severity]float64 {
	return map[Severity]float64{
		SeverityLow:      0.15,
		SeverityMedium:   0.35,
		SeverityHigh:     0.65,
		SeverityCritical: 0.90,
	}
}

// Bond is a collateral pledge by a high-trust voucher on behalf of a
// lower-trust vouchee. VoucherTrust snapshots the voucher's raw trust at
// bond creation; slashing the voucher reduces it proportionally so vouchees
// lose part of their borrowed trust too.
type Bond struct {
	BondID       string    `json:"bond_id"`
	Voucher      string    `json:"voucher"`
	Vouchee      string    `json:"vouchee"`
	Fraction     float64   `json:"fraction"`
	Weight       float64   `json:"weight"`
	VoucherTrust float64   `json:"voucher_trust"`
	CreatedAt    time.Time `json:"created_at"`
}

// Contribution is the bond's current addition to the vouchee's effective
// trust: weight × voucher trust × bonded fraction.
func (b Bond) Contribution() float64 {
	return b.Weight * b.VoucherTrust * b.Fraction
}

// Account is one agent's trust ledger entry within a session.
type Account struct {
	AgentID        string  `json:"agent_id"`
	RawTrust       float64 `json:"raw_trust"`
	EffectiveTrust float64 `json:"effective_trust"`
}

// ExposureError rejects a vouch that would push the voucher's total bonded
// fraction above the ceiling. The bond is rejected, never clamped.
type ExposureError struct {
	Voucher   string
	Requested float64
	Active    float64
	Ceiling   float64
}

func (e *ExposureError) Error() string {
	return fmt.Sprintf("voucher %s exposure %.3f + requested %.3f exceeds ceiling %.3f", e.Voucher, e.Active, e.Requested, e.Ceiling)
}

// CycleError rejects a vouch that would create circular trust amplification.
type CycleError struct {
	Voucher string
	Vouchee string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("bond %s -> %s would create a vouching cycle", e.Voucher, e.Vouchee)
}

// AffectedBond records one cascaded reduction from a slash.
type AffectedBond struct {
	BondID             string  `json:"bond_id"`
	Vouchee            string  `json:"vouchee"`
	ContributionBefore float64 `json:"contribution_before"`
	ContributionAfter  float64 `json:"contribution_after"`
}

// SlashReport describes a slash and its joint-liability cascade.
type SlashReport struct {
	AgentID   string         `json:"agent_id"`
	Reason    string         `json:"reason"`
	Severity  Severity       `json:"severity"`
	RawBefore float64        `json:"raw_before"`
	RawAfter  float64        `json:"raw_after"`
	Affected  []AffectedBond `json:"affected,omitempty"`
}

// TrustListener observes effective-trust changes so the caller can recompute
// ring assignments synchronously with the triggering event.
type TrustListener func(agentID string, effective float64)

// Recorder receives audit descriptions for trust-affecting events.
type Recorder func(class, description string)

type EngineOptions struct {
	ExposureCeiling float64
	SeverityScale   map[Severity]float64
	OnTrustChange   TrustListener
	Record          Recorder
	Now             func() time.Time
}

// Engine tracks raw and effective trust, vouching bonds, and collateral
// slashing for one session. It carries no lock of its own: the owning
// session serializes all calls, and the trust listener runs synchronously
// inside that critical section.
type Engine struct {
	ceiling  float64
	scale    map[Severity]float64
	onChange TrustListener
	record   Recorder
	now      func() time.Time
	accounts map[string]*Account
	bonds    []*Bond
}

func NewEngine(opts EngineOptions) *Engine {
	ceiling := opts.ExposureCeiling
	if ceiling <= 0 {
		ceiling = DefaultExposureCeiling
	}
	scale := opts.SeverityScale
	if len(scale) == 0 {
		scale = DefaultSeverityScale()
	}
	onChange := opts.OnTrustChange
	if onChange == nil {
		onChange = func(string, float64) {}
	}
	record := opts.Record
	if record == nil {
		record = func(string, string) {}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		ceiling:  ceiling,
		scale:    scale,
		onChange: onChange,
		record:   record,
		now:      now,
		accounts: map[string]*Account{},
	}
}

// Register creates a trust account with the externally supplied raw score.
func (e *Engine) Register(agentID string, rawTrust float64) (Account, error) {
	if agentID == "" {
		return Account{}, fmt.Errorf("agent_id is required")
	}
	if rawTrust < 0 || rawTrust > 1 {
		return Account{}, fmt.Errorf("raw trust %.3f outside [0,1]", rawTrust)
	}
	if _, ok := e.accounts[agentID]; ok {
		return Account{}, fmt.Errorf("agent %s already registered", agentID)
	}
	account := &Account{AgentID: agentID, RawTrust: rawTrust, EffectiveTrust: rawTrust}
	e.accounts[agentID] = account
	return *account, nil
}

func (e *Engine) Account(agentID string) (Account, error) {
	account, ok := e.accounts[agentID]
	if !ok {
		return Account{}, fmt.Errorf("unknown agent: %s", agentID)
	}
	return *account, nil
}

// UpdateRawTrust applies an external trust-update event and recomputes the
// agent and every vouchee borrowing from it.
func (e *Engine) UpdateRawTrust(agentID string, rawTrust float64) (Account, error) {
	account, ok := e.accounts[agentID]
	if !ok {
		return Account{}, fmt.Errorf("unknown agent: %s", agentID)
	}
	if rawTrust < 0 || rawTrust > 1 {
		return Account{}, fmt.Errorf("raw trust %.3f outside [0,1]", rawTrust)
	}
	account.RawTrust = rawTrust
	e.recompute(agentID)
	for _, bond := range e.bonds {
		if bond.Voucher == agentID {
			bond.VoucherTrust = rawTrust
			e.recompute(bond.Vouchee)
		}
	}
	return *account, nil
}

// ActiveExposure sums the voucher's currently bonded fractions.
func (e *Engine) ActiveExposure(voucher string) float64 {
	total := 0.0
	for _, bond := range e.bonds {
		if bond.Voucher == voucher {
			total += bond.Fraction
		}
	}
	return total
}

// Bonds returns all active bonds in creation order.
func (e *Engine) Bonds() []Bond {
	out := make([]Bond, 0, len(e.bonds))
	for _, bond := range e.bonds {
		out = append(out, *bond)
	}
	return out
}

// BondsFor returns the bonds in which the agent is voucher or vouchee.
func (e *Engine) BondsFor(agentID string) []Bond {
	out := make([]Bond, 0)
	for _, bond := range e.bonds {
		if bond.Voucher == agentID || bond.Vouchee == agentID {
			out = append(out, *bond)
		}
	}
	return out
}

// Vouch creates a liability bond and recomputes the vouchee's effective
// trust. Bonds that would exceed the voucher's exposure ceiling or create a
// vouching cycle are rejected outright.
func (e *Engine) Vouch(voucher, vouchee string, fraction, weight float64) (Bond, error) {
	voucherAccount, ok := e.accounts[voucher]
	if !ok {
		return Bond{}, fmt.Errorf("unknown voucher: %s", voucher)
	}
	if _, ok := e.accounts[vouchee]; !ok {
		return Bond{}, fmt.Errorf("unknown vouchee: %s", vouchee)
	}
	if voucher == vouchee {
		return Bond{}, fmt.Errorf("agent %s cannot vouch for itself", voucher)
	}
	if fraction <= 0 || fraction > 1 {
		return Bond{}, fmt.Errorf("fraction %.3f outside (0,1]", fraction)
	}
	if weight <= 0 || weight > 1 {
		return Bond{}, fmt.Errorf("weight %.3f outside (0,1]", weight)
	}

	active := e.ActiveExposure(voucher)
	if active+fraction > e.ceiling {
		return Bond{}, &ExposureError{Voucher: voucher, Requested: fraction, Active: active, Ceiling: e.ceiling}
	}
	if e.reachable(vouchee, voucher) {
		return Bond{}, &CycleError{Voucher: voucher, Vouchee: vouchee}
	}

	bond := &Bond{
		BondID:       uuid.NewString(),
		Voucher:      voucher,
		Vouchee:      vouchee,
		Fraction:     fraction,
		Weight:       weight,
		VoucherTrust: voucherAccount.RawTrust,
		CreatedAt:    e.now().UTC(),
	}
	e.bonds = append(e.bonds, bond)
	e.recompute(vouchee)
	e.record("bond", fmt.Sprintf("bond created: %s vouches %.3f (weight %.3f) for %s", voucher, fraction, weight, vouchee))
	return *bond, nil
}

// Unbond releases a bond and recomputes the vouchee.
func (e *Engine) Unbond(bondID string) error {
	for i, bond := range e.bonds {
		if bond.BondID != bondID {
			continue
		}
		e.bonds = append(e.bonds[:i], e.bonds[i+1:]...)
		e.recompute(bond.Vouchee)
		e.record("bond", fmt.Sprintf("bond released: %s no longer vouches for %s", bond.Voucher, bond.Vouchee))
		return nil
	}
	return fmt.Errorf("unknown bond: %s", bondID)
}

// Slash reduces the agent's raw trust by a severity-scaled amount and
// cascades the reduction through every bond the agent vouches, so vouchees
// lose the same proportion of their borrowed trust.
func (e *Engine) Slash(agentID, reason string, severity Severity) (SlashReport, error) {
	account, ok := e.accounts[agentID]
	if !ok {
		return SlashReport{}, fmt.Errorf("unknown agent: %s", agentID)
	}
	factor, ok := e.scale[severity]
	if !ok {
		return SlashReport{}, fmt.Errorf("unknown severity: %s", severity)
	}

	report := SlashReport{
		AgentID:   agentID,
		Reason:    reason,
		Severity:  severity,
		RawBefore: account.RawTrust,
	}
	account.RawTrust = clamp01(account.RawTrust * (1 - factor))
	report.RawAfter = account.RawTrust
	e.recompute(agentID)

	for _, bond := range e.bonds {
		if bond.Voucher != agentID {
			continue
		}
		before := bond.Contribution()
		bond.VoucherTrust = clamp01(bond.VoucherTrust * (1 - factor))
		report.Affected = append(report.Affected, AffectedBond{
			BondID:             bond.BondID,
			Vouchee:            bond.Vouchee,
			ContributionBefore: before,
			ContributionAfter:  bond.Contribution(),
		})
		e.recompute(bond.Vouchee)
	}

	e.record("slash", fmt.Sprintf(
		"agent %s slashed (%s, severity %s): raw %.4f -> %.4f, %d bonded vouchees affected",
		agentID, reason, severity, report.RawBefore, report.RawAfter, len(report.Affected),
	))
	return report, nil
}

// recompute rebuilds effective trust as raw trust plus bonded contributions
// summed in bond-creation order, the fixed order the determinism law
// requires, clamped to [0,1].
func (e *Engine) recompute(agentID string) {
	account, ok := e.accounts[agentID]
	if !ok {
		return
	}
	effective := account.RawTrust
	for _, bond := range e.bonds {
		if bond.Vouchee == agentID {
			effective += bond.Contribution()
		}
	}
	effective = clamp01(effective)
	if effective != account.EffectiveTrust {
		account.EffectiveTrust = effective
		e.onChange(agentID, effective)
	}
}

// reachable walks voucher->vouchee edges looking for a path from start to
// target, used to reject bonds that would close a cycle.
func (e *Engine) reachable(start, target string) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true}
	frontier := []string{start}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, bond := range e.bonds {
			if bond.Voucher != current || visited[bond.Vouchee] {
				continue
			}
			if bond.Vouchee == target {
				return true
			}
			visited[bond.Vouchee] = true
			frontier = append(frontier, bond.Vouchee)
		}
	}
	return false
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
