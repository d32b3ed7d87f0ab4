// Package worker runs verification requests that arrive on the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/harsaa34/trustmate/internal/verification"
)

// maxConflictRetries bounds retries of a request that lost a version race.
const maxConflictRetries = 3

// Starter is the part of the verification service the worker drives.
type Starter interface {
	StartVerification(ctx context.Context, req verification.StartRequest) (*domain.VerificationRecord, error)
}

// queueSubscriber is implemented by buses that can share a topic between
// replicas.
type queueSubscriber interface {
	QueueSubscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error)
}

// Worker consumes verification requests with a bounded pool.
type Worker struct {
	bus domain.EventBus
	svc Starter

	jobs          chan *domain.Message
	subscriptions []domain.Subscription
	wg            sync.WaitGroup

	// ctx gates intake; workCtx is what accepted jobs run under and is
	// only cancelled when a drain overruns its deadline.
	ctx        context.Context
	cancel     context.CancelFunc
	workCtx    context.Context
	abort      context.CancelFunc
	intakeMu   sync.RWMutex
	intakeDone bool
	stopOnce   sync.Once

	processed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// WorkerCount is the number of concurrent verifications.
	WorkerCount int

	// QueueSize bounds requests accepted but not yet started.
	QueueSize int

	// QueueGroup shares requests between replicas when the bus supports it.
	QueueGroup string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, svc Starter) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	workCtx, abort := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		svc:     svc,
		ctx:     ctx,
		cancel:  cancel,
		workCtx: workCtx,
		abort:   abort,
	}
}

// Start subscribes to verification requests and launches the pool.
func (w *Worker) Start(cfg Config) error {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.WorkerCount * 4
	}
	w.jobs = make(chan *domain.Message, cfg.QueueSize)

	enqueue := func(ctx context.Context, msg *domain.Message) error {
		w.intakeMu.RLock()
		defer w.intakeMu.RUnlock()
		if w.intakeDone {
			return context.Canceled
		}
		select {
		case w.jobs <- msg:
			return nil
		case <-w.ctx.Done():
			return w.ctx.Err()
		}
	}

	var sub domain.Subscription
	var err error
	if qs, ok := w.bus.(queueSubscriber); ok && cfg.QueueGroup != "" {
		sub, err = qs.QueueSubscribe(w.ctx, domain.TopicVerificationRequested, cfg.QueueGroup, enqueue)
	} else {
		sub, err = w.bus.Subscribe(w.ctx, domain.TopicVerificationRequested, enqueue)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicVerificationRequested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	for i := 0; i < cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.run()
	}

	slog.Info("workers started",
		"worker_count", cfg.WorkerCount,
		"queue_size", cfg.QueueSize,
		"topic", domain.TopicVerificationRequested,
	)
	return nil
}

func (w *Worker) run() {
	defer w.wg.Done()
	for msg := range w.jobs {
		w.process(w.workCtx, msg)
	}
}

// process runs one request. Requests the service refuses are answered on
// the rejected topic; infrastructure failures are logged and counted.
func (w *Worker) process(ctx context.Context, msg *domain.Message) {
	start := time.Now()

	var req verification.StartRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse verification request",
			"message_id", msg.ID,
			"error", err,
		)
		w.reject(ctx, "", fmt.Sprintf("malformed request: %v", err))
		return
	}

	var rec *domain.VerificationRecord
	var err error
	for i := 0; i <= maxConflictRetries; i++ {
		rec, err = w.svc.StartVerification(ctx, req)
		if !errors.Is(err, domain.ErrConcurrentModification) {
			break
		}
	}

	switch {
	case err == nil:
		w.processed.Add(1)
		slog.Info("verification request processed",
			"message_id", msg.ID,
			"settlement_id", rec.SettlementID,
			"attempt", rec.Attempt,
			"status", rec.Status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrNotApplicable):
		w.reject(ctx, req.SettlementID, err.Error())
	default:
		w.failed.Add(1)
		slog.Error("verification request failed",
			"message_id", msg.ID,
			"settlement_id", req.SettlementID,
			"error", err,
		)
	}
}

func (w *Worker) reject(ctx context.Context, settlementID, reason string) {
	w.rejected.Add(1)

	payload, err := json.Marshal(domain.RejectedRequest{SettlementID: settlementID, Reason: reason})
	if err != nil {
		slog.Error("failed to marshal rejection", "error", err)
		return
	}
	if err := w.bus.Publish(ctx, domain.TopicVerificationRejected, payload); err != nil {
		slog.Error("failed to publish rejection",
			"settlement_id", settlementID,
			"error", err,
		)
	}
}

// Stop unsubscribes and waits for accepted requests to finish.
func (w *Worker) Stop() error {
	return w.StopContext(context.Background())
}

// StopContext stops intake, then drains requests already queued or in
// flight. If ctx ends first the remaining work is cancelled and ctx's
// error is returned.
func (w *Worker) StopContext(ctx context.Context) error {
	var err error
	w.stopOnce.Do(func() {
		err = w.stop(ctx)
	})
	return err
}

func (w *Worker) stop(ctx context.Context) error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	// Wake blocked enqueues, then make sure no handler can send again
	// before the queue is closed.
	w.cancel()
	w.intakeMu.Lock()
	w.intakeDone = true
	if w.jobs != nil {
		close(w.jobs)
	}
	w.intakeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		w.abort()
		slog.Info("workers stopped")
		return nil
	case <-ctx.Done():
		w.abort()
		<-drained
		slog.Warn("workers stopped before draining", "error", ctx.Err())
		return ctx.Err()
	}
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
