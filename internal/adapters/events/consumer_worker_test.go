package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/adapters/events"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/contracts"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/domain"
	"github.com/viralforge/mesh/services/financial-rails/M40-revenue-settlement-service/internal/ports"
)

type stubHandler struct {
	mu      sync.Mutex
	handled []string
	errs    map[string]error
}

func (h *stubHandler) HandleCanonicalEvent(_ context.Context, envelope contracts.EventEnvelope) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled = append(h.handled, envelope.EventID)
	return h.errs[envelope.EventType]
}

func (h *stubHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

type countingFlusher struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *countingFlusher) FlushOutbox(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *countingFlusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func message(t *testing.T, eventID, eventType string) events.Message {
	t.Helper()
	raw, err := json.Marshal(contracts.EventEnvelope{EventID: eventID, EventType: eventType, TraceID: "trace-" + eventID, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return events.Message{Topic: "payouts.events", Key: eventID, Payload: raw}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestConsumerWorkerDispatchesAndDeadLetters(t *testing.T) {
	t.Parallel()
	consumer := &events.MemoryConsumer{}
	consumer.Push(
		message(t, "evt-ok", domain.EventPayoutPaid),
		message(t, "evt-skip", "catalog.updated"),
		message(t, "evt-bad", domain.EventPayoutFailed),
		events.Message{Topic: "payouts.events", Payload: []byte("not json")},
	)
	handler := &stubHandler{errs: map[string]error{
		"catalog.updated":        domain.ErrUnsupportedEventType,
		domain.EventPayoutFailed: &domain.NotFoundError{Entity: "revenue_share", ID: "rs-missing"},
	}}
	dlq := events.NewMemoryPublisher()
	worker := events.NewConsumerWorker(quietLogger(), consumer, handler, dlq, "revenue-settlement.dlq", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	waitFor(t, func() bool { return handler.count() == 3 && len(dlq.DLQ()) == 2 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}

	records := dlq.DLQ()
	if records[0].OriginalEvent.EventID != "evt-bad" || records[0].SourceTopic != "payouts.events" || records[0].DLQTopic != "revenue-settlement.dlq" {
		t.Fatalf("unexpected dlq record: %+v", records[0])
	}
	if records[1].ErrorSummary != domain.ErrInvalidEnvelope.Error() {
		t.Fatalf("undecodable payload should be dead-lettered as invalid envelope, got %q", records[1].ErrorSummary)
	}
	if committed := consumer.Committed(); len(committed) != 4 {
		t.Fatalf("expected every settled record committed, got %d", len(committed))
	}
}

func TestConsumerWorkerHonorsEventHeaders(t *testing.T) {
	t.Parallel()
	skipped := message(t, "evt-catalog", "catalog.updated")
	skipped.EventID, skipped.EventType = "evt-catalog", "catalog.updated"
	mismatched := message(t, "evt-paid", domain.EventPayoutPaid)
	mismatched.EventID, mismatched.EventType = "evt-paid", domain.EventPayoutFailed
	matched := message(t, "evt-failed", domain.EventPayoutFailed)
	matched.EventID, matched.EventType = "evt-failed", domain.EventPayoutFailed

	consumer := &events.MemoryConsumer{}
	consumer.Push(skipped, mismatched, matched)
	handler := &stubHandler{}
	dlq := events.NewMemoryPublisher()
	worker := events.NewConsumerWorker(quietLogger(), consumer, handler, dlq, "revenue-settlement.dlq", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	waitFor(t, func() bool { return len(consumer.Committed()) == 3 })
	cancel()
	<-done

	handler.mu.Lock()
	handled := append([]string(nil), handler.handled...)
	handler.mu.Unlock()
	if len(handled) != 1 || handled[0] != "evt-failed" {
		t.Fatalf("only the matching payout record should reach the handler, got %v", handled)
	}
	records := dlq.DLQ()
	if len(records) != 1 || records[0].OriginalEvent.EventID != "evt-paid" || records[0].ErrorSummary != domain.ErrInvalidEnvelope.Error() {
		t.Fatalf("header mismatch should be dead-lettered as invalid envelope, got %+v", records)
	}
}

type failingDLQ struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDLQ) PublishDLQ(context.Context, contracts.DLQRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return errors.New("dlq unavailable")
}

func TestConsumerWorkerCommitsOnlySettledPrefix(t *testing.T) {
	t.Parallel()
	consumer := &events.MemoryConsumer{}
	first := message(t, "evt-1", domain.EventPayoutPaid)
	first.Offset = 10
	stuck := message(t, "evt-2", domain.EventPayoutFailed)
	stuck.Offset = 11
	later := message(t, "evt-3", domain.EventPayoutPaid)
	later.Offset = 12
	consumer.Push(first, stuck, later)
	handler := &stubHandler{errs: map[string]error{
		domain.EventPayoutFailed: &domain.NotFoundError{Entity: "revenue_share", ID: "rs-missing"},
	}}
	worker := events.NewConsumerWorker(quietLogger(), consumer, handler, &failingDLQ{}, "revenue-settlement.dlq", 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	waitFor(t, func() bool { return len(consumer.Committed()) == 1 })
	cancel()
	<-done

	committed := consumer.Committed()
	if len(committed) != 1 || committed[0].Offset != 10 {
		t.Fatalf("commit must stop before the unsettled record, got %+v", committed)
	}
	if handler.count() != 2 {
		t.Fatalf("records after the unsettled one must not be handled, got %d", handler.count())
	}
}

func TestOutboxWorkerKeepsRunningAfterFailures(t *testing.T) {
	t.Parallel()
	flusher := &countingFlusher{err: errors.New("broker unavailable")}
	worker := events.NewOutboxWorker(quietLogger(), flusher, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()
	waitFor(t, func() bool { return flusher.count() >= 3 })
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestOpsAlerterPublishesOpsEnvelope(t *testing.T) {
	t.Parallel()
	publisher := events.NewMemoryPublisher()
	alerter := events.NewOpsAlerter(quietLogger(), publisher, "M40-Revenue-Settlement-Service")
	raisedAt := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := alerter.Raise(context.Background(), ports.Alert{Kind: domain.EventAuditDegraded, Message: "sink down", Severity: "warning", RaisedAt: raisedAt}); err != nil {
		t.Fatalf("raise: %v", err)
	}
	published := publisher.Events()
	if len(published) != 1 {
		t.Fatalf("expected one envelope, got %d", len(published))
	}
	env := published[0]
	if env.EventClass != domain.CanonicalEventClassOps || env.PartitionKey != env.SourceService || env.PartitionKeyPath != domain.CanonicalPartitionKeyPath(domain.EventAuditDegraded) {
		t.Fatalf("unexpected envelope routing: %+v", env)
	}
	var payload contracts.OpsAlertPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Kind != domain.EventAuditDegraded || payload.RaisedAt != "2026-03-02T09:00:00Z" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}
