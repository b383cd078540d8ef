// Package anchor persists terminated-session summary digests in external
// stores. Anchoring is advisory durability: a sink failure degrades the
// termination result but never blocks or reverses it.
package anchor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"

	werr "github.com/davidahmann/warden/core/errors"
	schemaaudit "github.com/davidahmann/warden/core/schema/v1/audit"
)

const (
	envelopeSchemaID = "warden.anchor.envelope"
	envelopeSchemaV1 = "1.0.0"

	// DefaultSubject is the NATS subject anchors publish to when the host
	// does not override it.
	DefaultSubject = "warden.anchors.v1"

	defaultAttempts = 3
	defaultBackoff  = 200 * time.Millisecond
)

// Envelope is the CBOR wire record carrying one session digest.
type Envelope struct {
	SchemaID      string    `cbor:"schema_id"`
	SchemaVersion string    `cbor:"schema_version"`
	SessionID     string    `cbor:"session_id"`
	EntryCount    int       `cbor:"entry_count"`
	HeadHash      string    `cbor:"head_hash"`
	SummaryHash   string    `cbor:"summary_hash"`
	DigestedAt    time.Time `cbor:"digested_at"`
	AnchoredAt    time.Time `cbor:"anchored_at"`
}

// EncodeEnvelope wraps a session digest for the wire.
func EncodeEnvelope(digest schemaaudit.SessionDigest, anchoredAt time.Time) ([]byte, error) {
	if digest.SessionID == "" || digest.SummaryHash == "" {
		return nil, fmt.Errorf("session digest missing session_id or summary_hash")
	}
	payload, err := cbor.Marshal(Envelope{
		SchemaID:      envelopeSchemaID,
		SchemaVersion: envelopeSchemaV1,
		SessionID:     digest.SessionID,
		EntryCount:    digest.EntryCount,
		HeadHash:      digest.HeadHash,
		SummaryHash:   digest.SummaryHash,
		DigestedAt:    digest.CreatedAt.UTC(),
		AnchoredAt:    anchoredAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode anchor envelope: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope parses a wire envelope and checks its schema header.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := cbor.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode anchor envelope: %w", err)
	}
	if envelope.SchemaID != envelopeSchemaID {
		return Envelope{}, fmt.Errorf("unsupported envelope schema_id: %s", envelope.SchemaID)
	}
	if envelope.SchemaVersion != envelopeSchemaV1 {
		return Envelope{}, fmt.Errorf("unsupported envelope schema_version: %s", envelope.SchemaVersion)
	}
	return envelope, nil
}

// Publisher is the slice of a NATS connection the sink needs. *nats.Conn
// satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// SinkOptions configures a NATSSink. Zero values select the default subject,
// three attempts, and a 200ms backoff base.
type SinkOptions struct {
	Subject  string
	Attempts int
	Backoff  time.Duration
	Now      func() time.Time
}

// NATSSink publishes anchor envelopes over a NATS connection with bounded
// retries. Delivery is at-least-once; consumers dedupe on summary_hash.
type NATSSink struct {
	conn     Publisher
	subject  string
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

func NewNATSSink(conn Publisher, opts SinkOptions) (*NATSSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("anchor sink requires a connection")
	}
	sink := &NATSSink{
		conn:     conn,
		subject:  opts.Subject,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		now:      opts.Now,
	}
	if sink.subject == "" {
		sink.subject = DefaultSubject
	}
	if sink.attempts <= 0 {
		sink.attempts = defaultAttempts
	}
	if sink.backoff <= 0 {
		sink.backoff = defaultBackoff
	}
	if sink.now == nil {
		sink.now = time.Now
	}
	return sink, nil
}

// Dial connects to a NATS server and wraps the connection in a sink.
func Dial(url string, opts SinkOptions) (*NATSSink, error) {
	conn, err := nats.Connect(url, nats.Name("warden-anchor"))
	if err != nil {
		return nil, werr.Wrap(
			fmt.Errorf("connect anchor transport: %w", err),
			werr.CategoryDependencyDegraded, "anchor_transport_unavailable",
			"check the anchor NATS url and server health", true)
	}
	return NewNATSSink(conn, opts)
}

// Anchor publishes the digest, retrying up to the attempt budget. Exhausting
// the budget returns a degraded-dependency error the caller reports as a
// warning.
func (s *NATSSink) Anchor(ctx context.Context, digest schemaaudit.SessionDigest) error {
	payload, err := EncodeEnvelope(digest, s.now())
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = s.conn.Publish(s.subject, payload)
		if lastErr == nil {
			return nil
		}
		if attempt < s.attempts {
			select {
			case <-time.After(s.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return werr.Wrap(
		fmt.Errorf("anchor session %s after %d attempts: %w", digest.SessionID, s.attempts, lastErr),
		werr.CategoryDependencyDegraded, "anchor_publish_failed",
		"the session terminated cleanly; re-anchor the digest once the sink recovers", true)
}

// MemorySink collects anchored digests in memory. Test double, also useful
// for single-process hosts that archive digests themselves.
type MemorySink struct {
	mu      sync.Mutex
	digests []schemaaudit.SessionDigest
	fail    error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent Anchor calls return err. Pass nil to heal.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *MemorySink) Anchor(_ context.Context, digest schemaaudit.SessionDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return werr.Wrap(s.fail, werr.CategoryDependencyDegraded, "anchor_publish_failed", "", true)
	}
	s.digests = append(s.digests, digest)
	return nil
}

// Anchored returns a copy of everything anchored so far.
func (s *MemorySink) Anchored() []schemaaudit.SessionDigest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schemaaudit.SessionDigest(nil), s.digests...)
}
