package ring

import (
	"fmt"
	"strings"
)

// Ring is an ordinal privilege tier. Lower values are more privileged:
// Root(0) < Privileged(1) < Standard(2) < Sandbox(3).
type Ring int

const (
	Root Ring = iota
	Privileged
	Standard
	Sandbox
)

var ringNames = [...]string{"root", "privileged", "standard", "sandbox"}

func (r Ring) String() string {
	if r < Root || r > Sandbox {
		return fmt.Sprintf("ring(%d)", int(r))
	}
	return ringNames[r]
}

func (r Ring) Valid() bool {
	return r >= Root && r <= Sandbox
}

// AtLeast reports whether a participant holding this ring satisfies the
// required ring. Numerically, held <= required counts as sufficient.
func (r Ring) AtLeast(required Ring) bool {
	return r <= required
}

func ParseRing(value string) (Ring, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for i, name := range ringNames {
		if name == normalized {
			return Ring(i), nil
		}
	}
	return Sandbox, fmt.Errorf("unknown ring: %q", value)
}

// ActionClass partitions actions by their blast radius for classification
// into required rings.
type ActionClass string

const (
	ActionRootConfig    ActionClass = "root_config"
	ActionNonReversible ActionClass = "non_reversible"
	ActionReversible    ActionClass = "reversible"
	ActionReadOnly      ActionClass = "read_only"
)

var allActionClasses = []ActionClass{ActionRootConfig, ActionNonReversible, ActionReversible, ActionReadOnly}

func ParseActionClass(value string) (ActionClass, error) {
	normalized := ActionClass(strings.ToLower(strings.TrimSpace(value)))
	for _, class := range allActionClasses {
		if class == normalized {
			return class, nil
		}
	}
	return "", fmt.Errorf("unknown action class: %q", value)
}
