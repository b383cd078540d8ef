package anchor

import (
	"context"
	"errors"
	"testing"
	"time"

	werr "github.com/davidahmann/warden/core/errors"
	schemaaudit "github.com/davidahmann/warden/core/schema/v1/audit"
)

func sampleDigest() schemaaudit.SessionDigest {
	return schemaaudit.SessionDigest{
		SchemaID:      "warden.audit.session_digest",
		SchemaVersion: "1.0.0",
		SessionID:     "sess-1",
		CreatedAt:     time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
		EntryCount:    12,
		HeadHash:      "aa11",
		SummaryHash:   "bb22",
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	anchoredAt := time.Date(2026, 2, 3, 10, 5, 0, 0, time.UTC)
	payload, err := EncodeEnvelope(sampleDigest(), anchoredAt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	envelope, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.SessionID != "sess-1" || envelope.SummaryHash != "bb22" || envelope.EntryCount != 12 {
		t.Fatalf("unexpected envelope: %#v", envelope)
	}
	if !envelope.AnchoredAt.Equal(anchoredAt) {
		t.Fatalf("anchored_at not preserved: %v", envelope.AnchoredAt)
	}
}

func TestEncodeEnvelopeRejectsEmptyDigest(t *testing.T) {
	if _, err := EncodeEnvelope(schemaaudit.SessionDigest{}, time.Now()); err == nil {
		t.Fatalf("expected rejection of empty digest")
	}
}

type fakeConn struct {
	failures int
	calls    int
	subject  string
	payloads [][]byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.calls++
	c.subject = subject
	if c.calls <= c.failures {
		return errors.New("no responders")
	}
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSSinkRetriesThenSucceeds(t *testing.T) {
	conn := &fakeConn{failures: 2}
	sink, err := NewNATSSink(conn, SinkOptions{Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Anchor(context.Background(), sampleDigest()); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if conn.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", conn.calls)
	}
	if conn.subject != DefaultSubject {
		t.Fatalf("unexpected subject: %s", conn.subject)
	}
	envelope, err := DecodeEnvelope(conn.payloads[0])
	if err != nil {
		t.Fatalf("decode published payload: %v", err)
	}
	if envelope.SummaryHash != "bb22" {
		t.Fatalf("unexpected payload: %#v", envelope)
	}
}

func TestNATSSinkExhaustedBudgetIsDegraded(t *testing.T) {
	conn := &fakeConn{failures: 10}
	sink, err := NewNATSSink(conn, SinkOptions{Attempts: 2, Backoff: time.Millisecond})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	err = sink.Anchor(context.Background(), sampleDigest())
	if err == nil {
		t.Fatalf("expected failure after exhausted budget")
	}
	if werr.CategoryOf(err) != werr.CategoryDependencyDegraded {
		t.Fatalf("unexpected category: %s", werr.CategoryOf(err))
	}
	if !werr.RetryableOf(err) {
		t.Fatalf("anchor failures are retryable")
	}
	if conn.calls != 2 {
		t.Fatalf("attempt budget not honored, got %d", conn.calls)
	}
}

func TestNATSSinkHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	conn := &fakeConn{}
	sink, err := NewNATSSink(conn, SinkOptions{})
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	if err := sink.Anchor(ctx, sampleDigest()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if conn.calls != 0 {
		t.Fatalf("cancelled context must not publish")
	}
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	if err := sink.Anchor(context.Background(), sampleDigest()); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if got := sink.Anchored(); len(got) != 1 || got[0].SessionID != "sess-1" {
		t.Fatalf("unexpected anchored set: %#v", got)
	}

	sink.FailWith(errors.New("store offline"))
	err := sink.Anchor(context.Background(), sampleDigest())
	if werr.CategoryOf(err) != werr.CategoryDependencyDegraded {
		t.Fatalf("unexpected category: %s", werr.CategoryOf(err))
	}
	if len(sink.Anchored()) != 1 {
		t.Fatalf("failed anchor must not be recorded")
	}
}
