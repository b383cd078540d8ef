package ring

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"

	"github.com/davidahmann/warden/core/digest"
)

const (
	tableSchemaID = "warden.ring.classification_table"
	tableSchemaV1 = "1.0.0"

	defaultConsensusQuorum = 2
)

// ClassRule maps one action class to the ring required to perform it.
type ClassRule struct {
	ActionClass  string `yaml:"action_class" json:"action_class"`
	RequiredRing string `yaml:"required_ring" json:"required_ring"`
}

// ThresholdRule sets the minimum effective trust for holding a ring.
type ThresholdRule struct {
	Ring     string  `yaml:"ring" json:"ring"`
	MinTrust float64 `yaml:"min_trust" json:"min_trust"`
}

// Table is the static classification table: action class to required ring,
// plus per-ring trust thresholds and the consensus quorum gating the
// privileged tier.
type Table struct {
	SchemaID        string          `yaml:"schema_id" json:"schema_id"`
	SchemaVersion   string          `yaml:"schema_version" json:"schema_version"`
	Classes         []ClassRule     `yaml:"classes" json:"classes"`
	Thresholds      []ThresholdRule `yaml:"thresholds" json:"thresholds"`
	ConsensusQuorum int             `yaml:"consensus_quorum" json:"consensus_quorum"`
}

// DefaultTable is the compiled-in classification used when no table file is
// configured.
func DefaultTable() Table {
	return Table{
		SchemaID:      tableSchemaID,
		SchemaVersion: tableSchemaV1,
		Classes: []ClassRule{
			{ActionClass: string(ActionRootConfig), RequiredRing: Root.String()},
			{ActionClass: string(ActionNonReversible), RequiredRing: Privileged.String()},
			{ActionClass: string(ActionReversible), RequiredRing: Standard.String()},
			{ActionClass: string(ActionReadOnly), RequiredRing: Sandbox.String()},
		},
		Thresholds: []ThresholdRule{
			{Ring: Root.String(), MinTrust: 0.95},
			{Ring: Privileged.String(), MinTrust: 0.90},
			{Ring: Standard.String(), MinTrust: 0.60},
			{Ring: Sandbox.String(), MinTrust: 0.0},
		},
		ConsensusQuorum: defaultConsensusQuorum,
	}
}

func LoadTableFile(path string) (Table, error) {
	// #nosec G304 -- table path is explicit local configuration.
	content, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read classification table: %w", err)
	}
	return ParseTableYAML(content)
}

func ParseTableYAML(data []byte) (Table, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return Table{}, fmt.Errorf("parse classification table yaml: %w", err)
	}
	return normalizeTable(table)
}

// NormalizeTable validates a table and returns its canonical form.
func NormalizeTable(table Table) (Table, error) {
	return normalizeTable(table)
}

// TableDigest returns the canonical sha256 digest of a normalized table.
func TableDigest(table Table) (string, error) {
	normalized, err := normalizeTable(table)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("marshal normalized table: %w", err)
	}
	return digest.JCS(raw)
}

func normalizeTable(input Table) (Table, error) {
	output := input
	if output.SchemaID == "" {
		output.SchemaID = tableSchemaID
	}
	if output.SchemaID != tableSchemaID {
		return Table{}, fmt.Errorf("unsupported table schema_id: %s", output.SchemaID)
	}
	if output.SchemaVersion == "" {
		output.SchemaVersion = tableSchemaV1
	}
	if output.SchemaVersion != tableSchemaV1 {
		return Table{}, fmt.Errorf("unsupported table schema_version: %s", output.SchemaVersion)
	}

	seenClasses := map[ActionClass]bool{}
	output.Classes = append([]ClassRule(nil), output.Classes...)
	for index := range output.Classes {
		rule := &output.Classes[index]
		class, err := ParseActionClass(rule.ActionClass)
		if err != nil {
			return Table{}, err
		}
		if seenClasses[class] {
			return Table{}, fmt.Errorf("duplicate action class: %s", class)
		}
		seenClasses[class] = true
		rule.ActionClass = string(class)
		required, err := ParseRing(rule.RequiredRing)
		if err != nil {
			return Table{}, fmt.Errorf("class %s: %w", class, err)
		}
		rule.RequiredRing = required.String()
	}
	for _, class := range allActionClasses {
		if !seenClasses[class] {
			return Table{}, fmt.Errorf("classification table missing action class: %s", class)
		}
	}

	seenRings := map[Ring]bool{}
	thresholds := [Sandbox + 1]float64{}
	output.Thresholds = append([]ThresholdRule(nil), output.Thresholds...)
	for index := range output.Thresholds {
		rule := &output.Thresholds[index]
		ring, err := ParseRing(rule.Ring)
		if err != nil {
			return Table{}, err
		}
		if seenRings[ring] {
			return Table{}, fmt.Errorf("duplicate threshold for ring: %s", ring)
		}
		seenRings[ring] = true
		if rule.MinTrust < 0 || rule.MinTrust > 1 {
			return Table{}, fmt.Errorf("threshold for %s outside [0,1]: %.3f", ring, rule.MinTrust)
		}
		rule.Ring = ring.String()
		thresholds[ring] = rule.MinTrust
	}
	for ring := Root; ring <= Sandbox; ring++ {
		if !seenRings[ring] {
			return Table{}, fmt.Errorf("classification table missing threshold for ring: %s", ring)
		}
	}
	for ring := Root; ring < Sandbox; ring++ {
		if thresholds[ring] < thresholds[ring+1] {
			return Table{}, fmt.Errorf("threshold for %s must not be below %s", ring, ring+1)
		}
	}
	if thresholds[Sandbox] != 0 {
		return Table{}, fmt.Errorf("sandbox threshold must be 0 so every participant holds a ring")
	}

	if output.ConsensusQuorum == 0 {
		output.ConsensusQuorum = defaultConsensusQuorum
	}
	if output.ConsensusQuorum < 2 {
		return Table{}, fmt.Errorf("consensus_quorum must be at least 2, got %d", output.ConsensusQuorum)
	}

	sort.Slice(output.Classes, func(i, j int) bool {
		return output.Classes[i].ActionClass < output.Classes[j].ActionClass
	})
	sort.Slice(output.Thresholds, func(i, j int) bool {
		left, _ := ParseRing(output.Thresholds[i].Ring)
		right, _ := ParseRing(output.Thresholds[j].Ring)
		return left < right
	})
	return output, nil
}
