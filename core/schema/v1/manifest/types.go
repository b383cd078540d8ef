package manifest

// Capability is the declared capability manifest an agent presents at join
// time. Ring and trust hints are advisory only: the runtime's own ring and
// trust computation is always authoritative over them.
type Capability struct {
	SchemaID        string   `json:"schema_id"`
	SchemaVersion   string   `json:"schema_version"`
	AgentID         string   `json:"agent_id"`
	DeclaredActions []string `json:"declared_actions"`
	RingHint        string   `json:"ring_hint,omitempty"`
	TrustHint       *float64 `json:"trust_hint,omitempty"`
}
