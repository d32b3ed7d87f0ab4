package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harsaa34/trustmate/internal/bus"
	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/harsaa34/trustmate/internal/repository"
	"github.com/harsaa34/trustmate/internal/verification"
	"github.com/shopspring/decimal"
)

type fakeStarter struct {
	mu       sync.Mutex
	calls    []verification.StartRequest
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	errs     []error

	// cancelled counts calls whose context ended before the work did.
	cancelled atomic.Int32
}

func (f *fakeStarter) StartVerification(ctx context.Context, req verification.StartRequest) (*domain.VerificationRecord, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		f.cancelled.Add(1)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &domain.VerificationRecord{SettlementID: req.SettlementID, Attempt: 1, Status: domain.StatusAwaitingReceiverConfirmation}, nil
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func publishRequest(t *testing.T, b domain.EventBus, req verification.StartRequest) {
	t.Helper()
	payload, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := b.Publish(context.Background(), domain.TopicVerificationRequested, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func sampleRequest(settlementID string) verification.StartRequest {
	return verification.StartRequest{
		SettlementID:           settlementID,
		PayerID:                "payer-1",
		ReceiverID:             "receiver-1",
		ExpectedAmount:         decimal.RequireFromString("500.00"),
		ExpectedCounterpartyID: "alice@okaxis",
		Evidence: verification.EvidenceInput{
			Text: "Payment Successful\nAmount ₹500.00\nTo: alice@okaxis\n12/03/2024 2:30 pm\nHDFC Bank UPI",
		},
	}
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &fakeStarter{})
		if err := w.Start(Config{WorkerCount: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicVerificationRequested {
			t.Errorf("expected topic %s, got %s", domain.TopicVerificationRequested, stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected 0 subscriptions after stop")
		}
	})

	t.Run("ProcessRequest", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &fakeStarter{}
		w := NewWorker(eventBus, svc)
		w.Start(Config{WorkerCount: 1})
		defer w.Stop()

		publishRequest(t, eventBus, sampleRequest("stl-async"))

		eventually(t, func() bool { return w.GetStats().Processed == 1 })

		svc.mu.Lock()
		defer svc.mu.Unlock()
		if svc.calls[0].SettlementID != "stl-async" {
			t.Errorf("expected settlement stl-async, got %s", svc.calls[0].SettlementID)
		}
		if !svc.calls[0].ExpectedAmount.Equal(decimal.NewFromInt(500)) {
			t.Errorf("expected amount 500, got %s", svc.calls[0].ExpectedAmount)
		}
	})

	t.Run("ValidationErrorIsRejected", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		rejections := make(chan domain.RejectedRequest, 1)
		eventBus.Subscribe(context.Background(), domain.TopicVerificationRejected, func(ctx context.Context, msg *domain.Message) error {
			var r domain.RejectedRequest
			json.Unmarshal(msg.Payload, &r)
			rejections <- r
			return nil
		})

		svc := &fakeStarter{errs: []error{&domain.ValidationError{Field: "expectedAmount", Reason: "must be positive"}}}
		w := NewWorker(eventBus, svc)
		w.Start(Config{WorkerCount: 1})
		defer w.Stop()

		publishRequest(t, eventBus, sampleRequest("stl-invalid"))

		select {
		case r := <-rejections:
			if r.SettlementID != "stl-invalid" {
				t.Errorf("expected settlement stl-invalid, got %s", r.SettlementID)
			}
			if r.Reason == "" {
				t.Error("expected a rejection reason")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for rejection")
		}
		if w.GetStats().Rejected != 1 {
			t.Errorf("expected 1 rejection, got %d", w.GetStats().Rejected)
		}
	})

	t.Run("MalformedPayloadIsRejected", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &fakeStarter{}
		w := NewWorker(eventBus, svc)
		w.Start(Config{WorkerCount: 1})
		defer w.Stop()

		eventBus.Publish(context.Background(), domain.TopicVerificationRequested, []byte("{not json"))

		eventually(t, func() bool { return w.GetStats().Rejected == 1 })
		if svc.callCount() != 0 {
			t.Errorf("malformed payload must not reach the service, got %d calls", svc.callCount())
		}
	})

	t.Run("RetriesVersionConflicts", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		conflict := &domain.ConcurrentModificationError{SettlementID: "stl-race"}
		svc := &fakeStarter{errs: []error{conflict, conflict}}
		w := NewWorker(eventBus, svc)
		w.Start(Config{WorkerCount: 1})
		defer w.Stop()

		publishRequest(t, eventBus, sampleRequest("stl-race"))

		eventually(t, func() bool { return w.GetStats().Processed == 1 })
		if svc.callCount() != 3 {
			t.Errorf("expected 3 calls (2 conflicts + success), got %d", svc.callCount())
		}
	})

	t.Run("StopDrainsAcceptedRequests", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &fakeStarter{delay: 150 * time.Millisecond}
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{WorkerCount: 1, QueueSize: 4}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		for _, id := range []string{"stl-a", "stl-b", "stl-c"} {
			publishRequest(t, eventBus, sampleRequest(id))
		}
		// One running, two waiting in the queue.
		eventually(t, func() bool {
			return svc.inFlight.Load() == 1 && len(w.jobs) == 2
		})

		if err := w.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}

		if n := svc.callCount(); n != 3 {
			t.Errorf("expected 3 accepted requests to run, got %d", n)
		}
		if n := svc.cancelled.Load(); n != 0 {
			t.Errorf("expected no request to see a cancelled context, got %d", n)
		}
		if stats := w.GetStats(); stats.Processed != 3 || stats.Failed != 0 {
			t.Errorf("expected 3 processed and 0 failed, got %d and %d", stats.Processed, stats.Failed)
		}
	})

	t.Run("StopContextAbortsOnDeadline", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &fakeStarter{delay: 5 * time.Second}
		w := NewWorker(eventBus, svc)
		if err := w.Start(Config{WorkerCount: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		publishRequest(t, eventBus, sampleRequest("stl-slow"))
		eventually(t, func() bool { return svc.inFlight.Load() == 1 })

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := w.StopContext(ctx)
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected DeadlineExceeded, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("expected stop to return promptly, took %v", elapsed)
		}
		if n := svc.cancelled.Load(); n != 1 {
			t.Errorf("expected the running request to be cancelled, got %d", n)
		}
	})

	t.Run("StopIsIdempotent", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, &fakeStarter{})
		if err := w.Start(Config{WorkerCount: 1}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := w.Stop(); err != nil {
			t.Fatalf("first Stop failed: %v", err)
		}
		if err := w.Stop(); err != nil {
			t.Errorf("second Stop failed: %v", err)
		}
	})

	t.Run("BoundedConcurrency", func(t *testing.T) {
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		svc := &fakeStarter{delay: 20 * time.Millisecond}
		w := NewWorker(eventBus, svc)
		w.Start(Config{WorkerCount: 2})
		defer w.Stop()

		for i := 0; i < 8; i++ {
			publishRequest(t, eventBus, sampleRequest("stl-pool"))
		}

		eventually(t, func() bool { return w.GetStats().Processed == 8 })
		if peak := svc.peak.Load(); peak > 2 {
			t.Errorf("expected at most 2 concurrent verifications, got %d", peak)
		}
	})
}

func TestWorkerWithService(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "worker-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	repo, err := repository.New(context.Background(), domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	svc, err := verification.NewService(verification.Options{Repo: repo, Bus: eventBus})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	updates := make(chan domain.VerificationEvent, 1)
	eventBus.Subscribe(context.Background(), domain.TopicVerificationUpdated, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.VerificationEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		updates <- ev
		return nil
	})

	w := NewWorker(eventBus, svc)
	if err := w.Start(Config{WorkerCount: 2}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	publishRequest(t, eventBus, sampleRequest("stl-e2e"))

	select {
	case ev := <-updates:
		if ev.Record.SettlementID != "stl-e2e" {
			t.Errorf("expected settlement stl-e2e, got %s", ev.Record.SettlementID)
		}
		if ev.Record.Status != domain.StatusAwaitingReceiverConfirmation {
			t.Errorf("expected AWAITING_RECEIVER_CONFIRMATION, got %s", ev.Record.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update event")
	}

	rec, err := svc.GetStatus(context.Background(), "stl-e2e")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if rec.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", rec.Attempt)
	}
}
