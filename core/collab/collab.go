// Package collab declares the narrow interfaces the runtime expects from
// external collaborators. The runtime never talks to concrete verifiers,
// resolvers, or anchor stores directly; hosts inject implementations.
package collab

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	schemaaudit "github.com/davidahmann/warden/core/schema/v1/audit"
)

// TrustResolver supplies the baseline raw trust for an agent joining a
// session. How the score is derived is the host's concern.
type TrustResolver interface {
	ResolveTrust(ctx context.Context, agentID string) (float64, error)
}

// DriftReport is an external verifier's judgement of how far an agent's
// observed behavior diverges from its declared capabilities.
type DriftReport struct {
	AgentID     string  `json:"agent_id"`
	DriftScore  float64 `json:"drift_score"`
	ShouldSlash bool    `json:"should_slash"`
	Reason      string  `json:"reason,omitempty"`
}

// DriftVerifier checks declared-versus-observed behavior. The runtime treats
// the report as evidence for a slash decision, never as the decision itself.
type DriftVerifier interface {
	VerifyBehavior(ctx context.Context, sessionID, agentID string) (DriftReport, error)
}

// ManifestAnalysis is the advisory output of capability-manifest analysis.
// Hints inform the host; admission decisions stay with the trust and ring
// machinery.
type ManifestAnalysis struct {
	AgentID         string   `json:"agent_id"`
	DeclaredActions []string `json:"declared_actions"`
	RingHint        string   `json:"ring_hint,omitempty"`
	TrustHint       *float64 `json:"trust_hint,omitempty"`
	Warnings        []string `json:"warnings,omitempty"`
}

// ManifestAnalyzer validates and normalizes a raw capability manifest.
type ManifestAnalyzer interface {
	AnalyzeManifest(ctx context.Context, manifest []byte) (ManifestAnalysis, error)
}

// AnchorSink persists a terminated session's summary digest in an external
// store. Implementations should be safe for fire-and-forget use.
type AnchorSink interface {
	Anchor(ctx context.Context, digest schemaaudit.SessionDigest) error
}

// StaticTrustResolver serves raw trust from a fixed table. Unknown agents
// are an error, not a zero score.
type StaticTrustResolver map[string]float64

func (r StaticTrustResolver) ResolveTrust(_ context.Context, agentID string) (float64, error) {
	trust, ok := r[agentID]
	if !ok {
		return 0, fmt.Errorf("no trust record for agent %s", agentID)
	}
	return trust, nil
}

// CachedTrustResolver memoizes resolver lookups with a TTL so repeated joins
// of the same agent do not hammer the upstream trust source. Errors are not
// cached.
type CachedTrustResolver struct {
	inner TrustResolver
	cache *gocache.Cache
}

func NewCachedTrustResolver(inner TrustResolver, ttl time.Duration) *CachedTrustResolver {
	return &CachedTrustResolver{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (r *CachedTrustResolver) ResolveTrust(ctx context.Context, agentID string) (float64, error) {
	if cached, ok := r.cache.Get(agentID); ok {
		return cached.(float64), nil
	}
	trust, err := r.inner.ResolveTrust(ctx, agentID)
	if err != nil {
		return 0, err
	}
	r.cache.SetDefault(agentID, trust)
	return trust, nil
}

// Invalidate drops one agent's cached score, forcing the next lookup through
// to the upstream resolver.
func (r *CachedTrustResolver) Invalidate(agentID string) {
	r.cache.Delete(agentID)
}
