package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

func TestEncodeDecodeSessionKeepsIdentity(t *testing.T) {
	msg, err := encodeSession("kedb.sessions", domain.Session{
		ID:          "s-1",
		Status:      domain.StatusUnverified,
		EvidenceIDs: []string{"E1", "E2"},
	})
	if err != nil {
		t.Fatalf("encodeSession() error = %v", err)
	}
	if msg.Subject != "kedb.sessions" || msg.Header.Get(sessionIDHeader) != "s-1" {
		t.Fatalf("unexpected message envelope: %+v", msg)
	}

	session, err := decodeSession(msg)
	if err != nil {
		t.Fatalf("decodeSession() error = %v", err)
	}
	if session.ID != "s-1" || session.Status != domain.StatusUnverified || len(session.EvidenceIDs) != 2 {
		t.Fatalf("unexpected session: %+v", session)
	}
}

func TestDecodeSessionRejectsGarbage(t *testing.T) {
	msg := nats.NewMsg("kedb.sessions")
	msg.Data = []byte("not json")
	if _, err := decodeSession(msg); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	msg.Data = []byte(`{"status":"ok"}`)
	if _, err := decodeSession(msg); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected missing id error, got %v", err)
	}
}

func TestClassifyNATSError(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
		record    bool
	}{
		{fmt.Errorf("nats publish: %w", nats.ErrConnectionClosed), true, true},
		{nats.ErrTimeout, true, true},
		{context.Canceled, false, false},
		{errors.New("permissions violation"), false, true},
		{nats.ErrMaxPayload, false, false},
	}
	for _, tc := range cases {
		class := classifyNATSError(tc.err)
		if class.Retryable != tc.retryable || class.RecordFailure != tc.record {
			t.Fatalf("classifyNATSError(%v) = %+v", tc.err, class)
		}
	}
	if err := wrapTemporary(nats.ErrNoServers); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary wrap, got %v", err)
	}
}
