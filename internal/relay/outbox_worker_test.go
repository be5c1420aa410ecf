package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/classmesh/event-relay/internal/adapters/events"
	"github.com/classmesh/event-relay/internal/adapters/memory"
	"github.com/classmesh/event-relay/internal/contracts"
	"github.com/classmesh/event-relay/internal/ports"
	"github.com/google/uuid"
)

func enqueueOutbox(t *testing.T, outbox *memory.OutboxRepository, channel, eventType, tenantID string) ports.OutboxRecord {
	t.Helper()
	env, err := contracts.NewEnvelope(eventType, tenantID, map[string]string{"k": "v"}, contracts.Correlation{})
	if err != nil {
		t.Fatalf("NewEnvelope error: %v", err)
	}
	record := ports.OutboxRecord{
		RecordID:  uuid.NewString(),
		Channel:   channel,
		Envelope:  env,
		CreatedAt: time.Now().UTC(),
	}
	if err := outbox.Enqueue(context.Background(), record); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	return record
}

func TestOutboxWorker_PublishesPendingAndMarksThem(t *testing.T) {
	outbox := memory.NewOutboxRepository()
	publisher := events.NewMemoryPublisher()
	worker := NewOutboxWorker(nil, outbox, publisher, time.Second, 50)

	first := enqueueOutbox(t, outbox, "student.events", "student.enrolled", "t1")
	second := enqueueOutbox(t, outbox, "payment.events", "payment.processed", "t1")

	if err := worker.processOnce(context.Background()); err != nil {
		t.Fatalf("processOnce error: %v", err)
	}

	if got := publisher.Published("student.events"); len(got) != 1 || got[0].EventID != first.Envelope.EventID {
		t.Fatalf("student.events publish mismatch: %+v", got)
	}
	if got := publisher.Published("payment.events"); len(got) != 1 || got[0].EventID != second.Envelope.EventID {
		t.Fatalf("payment.events publish mismatch: %+v", got)
	}
	pending, err := outbox.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPending error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected empty outbox after sweep, got %d pending", len(pending))
	}
}

func TestOutboxWorker_PublishFailureKeepsRecordPending(t *testing.T) {
	outbox := memory.NewOutboxRepository()
	publisher := events.NewMemoryPublisher()
	publisher.FailWith(errors.New("broker unavailable"))
	worker := NewOutboxWorker(nil, outbox, publisher, time.Second, 50)

	record := enqueueOutbox(t, outbox, "exam.events", "exam.scheduled", "t2")

	if err := worker.processOnce(context.Background()); err != nil {
		t.Fatalf("processOnce error: %v", err)
	}

	pending, err := outbox.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPending error: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("failed publish must stay pending, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 || pending[0].LastError == "" {
		t.Fatalf("failure not recorded on outbox row: %+v", pending[0])
	}

	// Broker comes back: the next sweep drains the same record.
	publisher.FailWith(nil)
	if err := worker.processOnce(context.Background()); err != nil {
		t.Fatalf("processOnce error: %v", err)
	}
	pending, err = outbox.ListPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPending error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected drained outbox, got %d pending", len(pending))
	}
	if got := publisher.Published("exam.events"); len(got) != 1 || got[0].EventID != record.Envelope.EventID {
		t.Fatalf("exam.events publish mismatch: %+v", got)
	}
}
