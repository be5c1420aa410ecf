package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/classmesh/event-relay/internal/adapters/cache"
	"github.com/classmesh/event-relay/internal/adapters/events"
	"github.com/classmesh/event-relay/internal/adapters/memory"
	"github.com/classmesh/event-relay/internal/contracts"
)

type testRig struct {
	dispatcher  *Dispatcher
	consumer    *events.MemoryConsumer
	claims      *cache.MemoryClaimStore
	deadLetters *memory.DeadLetterRepository
	cancel      context.CancelFunc
	done        chan struct{}
}

func newTestRig(t *testing.T, cfg DispatcherConfig) *testRig {
	t.Helper()
	if cfg.Group == "" {
		cfg.Group = "relay-test"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Ceiling: 4 * time.Millisecond}
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	consumer := events.NewMemoryConsumer()
	claims := cache.NewMemoryClaimStore()
	deadLetters := memory.NewDeadLetterRepository()
	return &testRig{
		dispatcher:  NewDispatcher(nil, cfg, consumer, claims, deadLetters),
		consumer:    consumer,
		claims:      claims,
		deadLetters: deadLetters,
	}
}

func (r *testRig) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		_ = r.dispatcher.Run(ctx)
	}()
}

func (r *testRig) stop(t *testing.T) {
	t.Helper()
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
	if got := r.dispatcher.State(); got != StateStopped {
		t.Fatalf("expected stopped state, got %s", got)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func seedEnvelope(t *testing.T, consumer *events.MemoryConsumer, channel string, env contracts.Envelope) {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	consumer.Seed(channel, env.PartitionKey, raw)
}

func mustEnvelope(t *testing.T, eventType, tenantID string, payload any) contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(eventType, tenantID, payload, contracts.Correlation{})
	if err != nil {
		t.Fatalf("NewEnvelope error: %v", err)
	}
	return env
}

func TestDispatcher_RedeliveredEnvelopeHandledOnce(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "payment.events"})
	var mu sync.Mutex
	calls := 0
	err := rig.dispatcher.Register("payment.processed", func(_ context.Context, _ contracts.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	env := mustEnvelope(t, "payment.processed", "t1", map[string]any{"amount": 100})
	rig.start(t)
	// The broker redelivers the same envelope three times.
	for i := 0; i < 3; i++ {
		seedEnvelope(t, rig.consumer, "payment.events", env)
	}

	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("deliveries were not all acknowledged")
	}
	rig.stop(t)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want exactly 1", calls)
	}
	if state := rig.claims.State("relay-test", env.EventID); state != "processed" {
		t.Fatalf("claim state = %q, want processed", state)
	}
}

func TestDispatcher_PerKeyOrderingPreserved(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "student.events", Workers: 4})
	var mu sync.Mutex
	seen := map[string][]string{}
	err := rig.dispatcher.Register("student.enrolled", func(_ context.Context, env contracts.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen[env.TenantID] = append(seen[env.TenantID], env.EventID)
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	published := map[string][]string{}
	rig.start(t)
	for i := 0; i < 20; i++ {
		tenant := fmt.Sprintf("t%d", i%3)
		env := mustEnvelope(t, "student.enrolled", tenant, map[string]int{"seq": i})
		published[tenant] = append(published[tenant], env.EventID)
		seedEnvelope(t, rig.consumer, "student.events", env)
	}

	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("deliveries were not all acknowledged")
	}
	rig.stop(t)

	mu.Lock()
	defer mu.Unlock()
	for tenant, wantOrder := range published {
		gotOrder := seen[tenant]
		if len(gotOrder) != len(wantOrder) {
			t.Fatalf("tenant %s: handled %d envelopes, want %d", tenant, len(gotOrder), len(wantOrder))
		}
		for i := range wantOrder {
			if gotOrder[i] != wantOrder[i] {
				t.Fatalf("tenant %s: position %d got %s want %s", tenant, i, gotOrder[i], wantOrder[i])
			}
		}
	}
}

func TestDispatcher_RetryCapExhaustionQuarantinesOnce(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "payment.events"})
	var mu sync.Mutex
	attempts := 0
	err := rig.dispatcher.Register("payment.failed", func(_ context.Context, _ contracts.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("downstream rejected")
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	env := mustEnvelope(t, "payment.failed", "t1", map[string]any{"amount": 50})
	rig.start(t)
	seedEnvelope(t, rig.consumer, "payment.events", env)

	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("quarantined message was never acknowledged")
	}
	rig.stop(t)

	mu.Lock()
	gotAttempts := attempts
	mu.Unlock()
	if gotAttempts != 3 {
		t.Fatalf("handler attempted %d times, want 3", gotAttempts)
	}

	records, err := rig.deadLetters.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(records))
	}
	rec := records[0]
	if rec.EventID != env.EventID || rec.Channel != "payment.events" || rec.AttemptCount != 3 {
		t.Fatalf("unexpected dead letter: %+v", rec)
	}
	if state := rig.claims.State("relay-test", env.EventID); state != "processed" {
		t.Fatalf("claim state after quarantine = %q, want processed", state)
	}
}

func TestDispatcher_RecoveryBeforeCapLeavesNoDeadLetter(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "payment.events"})
	var mu sync.Mutex
	attempts := 0
	err := rig.dispatcher.Register("payment.processed", func(_ context.Context, _ contracts.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	env := mustEnvelope(t, "payment.processed", "t2", map[string]any{"amount": 10})
	rig.start(t)
	seedEnvelope(t, rig.consumer, "payment.events", env)

	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("message was never acknowledged")
	}
	rig.stop(t)

	records, err := rig.deadLetters.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(records))
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Fatalf("handler attempted %d times, want 3", attempts)
	}
}

func TestDispatcher_PoisonMessageQuarantinedWithoutHandler(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "exam.events"})
	handled := false
	err := rig.dispatcher.Register("exam.graded", func(_ context.Context, _ contracts.Envelope) error {
		handled = true
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	rig.start(t)
	rig.consumer.Seed("exam.events", "t1", []byte("this is not an envelope"))

	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("poison message was never acknowledged")
	}
	rig.stop(t)

	if handled {
		t.Fatal("handler must never run for an undecodable message")
	}
	records, err := rig.deadLetters.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one dead letter, got %d", len(records))
	}
	if records[0].AttemptCount != 0 {
		t.Fatalf("poison message attempt count = %d, want 0", records[0].AttemptCount)
	}
	if records[0].EventID != "" {
		t.Fatalf("undecodable record should carry no event id, got %q", records[0].EventID)
	}
}

func TestDispatcher_UnknownTypeAcknowledgedAsNoop(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "notification.events"})
	rig.start(t)
	env := mustEnvelope(t, "notification.batched", "t1", map[string]int{"count": 3})
	seedEnvelope(t, rig.consumer, "notification.events", env)

	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("unknown-type message must not block the channel")
	}
	rig.stop(t)

	records, err := rig.deadLetters.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("unknown type must not be quarantined, got %d records", len(records))
	}
}

func TestDispatcher_ClaimStoreOutageFailsDelivery(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "payment.events"})
	handled := false
	err := rig.dispatcher.Register("payment.processed", func(_ context.Context, _ contracts.Envelope) error {
		handled = true
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	rig.claims.FailWith(errors.New("connection refused"))

	env := mustEnvelope(t, "payment.processed", "t1", map[string]int{"amount": 1})
	rig.start(t)
	seedEnvelope(t, rig.consumer, "payment.events", env)

	// Give the dispatcher time to run through its claim retries.
	time.Sleep(50 * time.Millisecond)
	rig.stop(t)

	if handled {
		t.Fatal("handler must not run when the idempotency store is unreachable")
	}
	if len(rig.consumer.Uncommitted()) != 1 {
		t.Fatal("delivery must stay unacknowledged so the broker redelivers it")
	}
	records, _ := rig.deadLetters.List(context.Background(), 10)
	if len(records) != 0 {
		t.Fatalf("claim outage must not quarantine, got %d records", len(records))
	}
}

func TestDispatcher_ShutdownMidHandlerRedeliversExactlyOnce(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "exam.events", ShutdownGrace: 20 * time.Millisecond})
	started := make(chan struct{})
	err := rig.dispatcher.Register("exam.graded", func(ctx context.Context, _ contracts.Envelope) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	env := mustEnvelope(t, "exam.graded", "t1", map[string]string{"exam": "x2"})
	rig.start(t)
	seedEnvelope(t, rig.consumer, "exam.events", env)
	<-started
	rig.stop(t)

	leftovers := rig.consumer.Uncommitted()
	if len(leftovers) != 1 {
		t.Fatalf("interrupted delivery must stay unacknowledged, got %d leftovers", len(leftovers))
	}
	if state := rig.claims.State("relay-test", env.EventID); state != "" {
		t.Fatalf("interrupted claim must be released, got %q", state)
	}

	// Restart: a fresh dispatcher over the same claim store sees the broker
	// redeliver the leftover and completes it exactly once.
	restarted := newTestRig(t, DispatcherConfig{Channel: "exam.events"})
	restarted.claims = rig.claims
	restarted.dispatcher = NewDispatcher(nil, DispatcherConfig{
		Group:   "relay-test",
		Channel: "exam.events",
		Retry:   RetryPolicy{MaxAttempts: 3, Base: time.Millisecond, Ceiling: 4 * time.Millisecond},
	}, restarted.consumer, rig.claims, restarted.deadLetters)
	var mu sync.Mutex
	calls := 0
	err = restarted.dispatcher.Register("exam.graded", func(_ context.Context, _ contracts.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	restarted.start(t)
	for _, msg := range leftovers {
		restarted.consumer.Seed(msg.Channel, msg.Key, msg.Value)
	}
	if !waitFor(t, 3*time.Second, func() bool { return len(restarted.consumer.Uncommitted()) == 0 }) {
		t.Fatal("redelivered message was never acknowledged")
	}
	restarted.stop(t)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("redelivered envelope handled %d times, want exactly 1", calls)
	}
}

func TestDispatcher_SharedPartitionCommitsInFetchOrder(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "payment.events", Workers: 4})
	var mu sync.Mutex
	handled := []string{}
	err := rig.dispatcher.Register("payment.processed", func(_ context.Context, env contracts.Envelope) error {
		if env.TenantID == "slow-tenant" {
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, env.TenantID)
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	// Two tenants whose keys land on the same broker partition: the commit
	// cursor is shared, so the fast one finishing first must not move it past
	// the slow one.
	slow := mustEnvelope(t, "payment.processed", "slow-tenant", map[string]int{"amount": 1})
	fast := mustEnvelope(t, "payment.processed", "fast-tenant", map[string]int{"amount": 2})
	rig.start(t)
	for _, env := range []contracts.Envelope{slow, fast} {
		raw, encErr := env.Encode()
		if encErr != nil {
			t.Fatalf("encode envelope: %v", encErr)
		}
		rig.consumer.SeedOnPartition("payment.events", 0, env.PartitionKey, raw)
	}

	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("deliveries were not all acknowledged")
	}
	rig.stop(t)

	commits := rig.consumer.Commits()
	if len(commits) != 2 {
		t.Fatalf("recorded %d commits, want 2", len(commits))
	}
	if commits[0].Key != slow.PartitionKey || commits[1].Key != fast.PartitionKey {
		t.Fatalf("commit order [%s %s], want slow-tenant before fast-tenant", commits[0].Key, commits[1].Key)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 {
		t.Fatalf("handled %d envelopes, want 2", len(handled))
	}
}

func TestDispatcher_HandlerPanicCountsAsFailure(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "payment.events"})
	err := rig.dispatcher.Register("payment.failed", func(_ context.Context, _ contracts.Envelope) error {
		panic("boom")
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}

	env := mustEnvelope(t, "payment.failed", "t3", map[string]int{"amount": 5})
	rig.start(t)
	seedEnvelope(t, rig.consumer, "payment.events", env)

	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("panicking delivery was never settled")
	}
	rig.stop(t)

	records, err := rig.deadLetters.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected one dead letter after repeated panics, got %d", len(records))
	}
}

func TestDispatcher_ConfirmFailureStillCommits(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "payment.events"})
	var mu sync.Mutex
	calls := 0
	err := rig.dispatcher.Register("payment.processed", func(_ context.Context, _ contracts.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Register error: %v", err)
	}
	rig.claims.FailConfirmWith(errors.New("connection reset"))

	env := mustEnvelope(t, "payment.processed", "t1", map[string]int{"amount": 9})
	rig.start(t)
	seedEnvelope(t, rig.consumer, "payment.events", env)

	// The handler's side effects are done, so the message is acknowledged even
	// though the processed marker could not be written. The leftover lease
	// expires on its own; a redelivery after that reprocesses, which
	// at-least-once delivery permits.
	if !waitFor(t, 3*time.Second, func() bool { return len(rig.consumer.Uncommitted()) == 0 }) {
		t.Fatal("message must be acknowledged despite the confirm failure")
	}
	rig.stop(t)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}
	records, _ := rig.deadLetters.List(context.Background(), 10)
	if len(records) != 0 {
		t.Fatalf("confirm failure must not quarantine, got %d records", len(records))
	}
	if state := rig.claims.State("relay-test", env.EventID); state != "leased" {
		t.Fatalf("claim state = %q, want the lease left to expire", state)
	}
}

func TestDispatcher_RegisterRejectsDuplicates(t *testing.T) {
	rig := newTestRig(t, DispatcherConfig{Channel: "payment.events"})
	handler := func(_ context.Context, _ contracts.Envelope) error { return nil }
	if err := rig.dispatcher.Register("payment.processed", handler); err != nil {
		t.Fatalf("first Register error: %v", err)
	}
	if err := rig.dispatcher.Register("payment.processed", handler); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := rig.dispatcher.Register("", handler); err == nil {
		t.Fatal("expected empty type registration to fail")
	}
}
