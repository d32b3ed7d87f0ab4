package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harsaa34/trustmate/internal/decision"
	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/harsaa34/trustmate/internal/trust"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OverrideOutcome is an administrator's ruling on a verification.
type OverrideOutcome string

const (
	OverrideVerify        OverrideOutcome = "verify"
	OverrideReject        OverrideOutcome = "reject"
	OverrideDispute       OverrideOutcome = "dispute"
	OverrideFalsePositive OverrideOutcome = "false_positive"
)

var overrideEvents = map[OverrideOutcome]domain.TransitionEvent{
	OverrideVerify:        domain.EventAdminVerify,
	OverrideReject:        domain.EventAdminReject,
	OverrideDispute:       domain.EventAdminDispute,
	OverrideFalsePositive: domain.EventAdminFalsePositive,
}

// SubmitReceiverConfirmation records the receiver's answer on a settlement
// awaiting confirmation. A dispute requires a reason.
func (s *Service) SubmitReceiverConfirmation(ctx context.Context, settlementID, receiverID string, confirmed bool, reason string) (rec *domain.VerificationRecord, err error) {
	ctx, span := tracer.Start(ctx, "verification.confirm",
		trace.WithAttributes(
			attribute.String("settlement_id", settlementID),
			attribute.Bool("confirmed", confirmed),
		),
	)
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	switch {
	case settlementID == "":
		return nil, &domain.ValidationError{Field: "settlementId", Reason: "is required"}
	case receiverID == "":
		return nil, &domain.ValidationError{Field: "receiverId", Reason: "is required"}
	case !confirmed && reason == "":
		return nil, &domain.ValidationError{Field: "reason", Reason: "is required when disputing"}
	}

	event, eventType := domain.EventReceiverConfirm, domain.EventTypeConfirmed
	if !confirmed {
		event, eventType = domain.EventReceiverDispute, domain.EventTypeDisputed
	}

	return s.mutate(ctx, settlementID, string(event), eventType, func(rec *domain.VerificationRecord) error {
		if rec.Status != domain.StatusAwaitingReceiverConfirmation {
			return &domain.NotApplicableError{
				SettlementID: settlementID,
				Status:       rec.Status,
				Operation:    string(event),
				Reason:       "settlement is not awaiting receiver confirmation",
			}
		}
		if rec.ReceiverID != receiverID {
			return &domain.NotApplicableError{
				SettlementID: settlementID,
				Status:       rec.Status,
				Operation:    string(event),
				Reason:       "caller is not the receiver of this settlement",
			}
		}
		return s.machine.Apply(rec, decision.Transition{
			Event:  event,
			Actor:  receiverID,
			Reason: reason,
		})
	})
}

// ApplyManualOverride applies an administrator ruling. false_positive is
// only accepted from manual review.
func (s *Service) ApplyManualOverride(ctx context.Context, settlementID, adminID string, outcome OverrideOutcome, notes string) (rec *domain.VerificationRecord, err error) {
	ctx, span := tracer.Start(ctx, "verification.override",
		trace.WithAttributes(
			attribute.String("settlement_id", settlementID),
			attribute.String("outcome", string(outcome)),
		),
	)
	defer func() { endSpan(span, err) }()

	event, ok := overrideEvents[outcome]
	switch {
	case settlementID == "":
		return nil, &domain.ValidationError{Field: "settlementId", Reason: "is required"}
	case adminID == "":
		return nil, &domain.ValidationError{Field: "adminId", Reason: "is required"}
	case !ok:
		return nil, &domain.ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %q", outcome)}
	}

	return s.mutate(ctx, settlementID, string(event), domain.EventTypeOverridden, func(rec *domain.VerificationRecord) error {
		return s.machine.Apply(rec, decision.Transition{
			Event:  event,
			Actor:  adminID,
			Notes:  notes,
			Reason: notes,
		})
	})
}

// mutate runs fn on the latest attempt under the settlement lock and
// persists the result with a version check.
func (s *Service) mutate(ctx context.Context, settlementID, op, eventType string, fn func(*domain.VerificationRecord) error) (*domain.VerificationRecord, error) {
	unlock, err := s.locker.Lock(ctx, lockKey(settlementID))
	if err != nil {
		return nil, fmt.Errorf("lock settlement %s: %w", settlementID, err)
	}
	defer unlock()

	rec, err := s.repo.GetLatestRecord(ctx, settlementID)
	if err != nil {
		return nil, fmt.Errorf("load settlement %s: %w", settlementID, err)
	}
	expected := rec.Version

	if err := fn(rec); err != nil {
		var na *domain.NotApplicableError
		if errors.As(err, &na) {
			s.metrics.IncrementTransitionRejected(op)
			slog.Info("transition rejected",
				"settlement_id", settlementID,
				"operation", op,
				"status", na.Status,
				"reason", na.Reason,
			)
		}
		return nil, err
	}
	s.settleTrustImpact(rec)

	if err := s.repo.UpdateRecord(ctx, rec, expected); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			// Another writer got in first; drop whatever we cached.
			s.invalidate(ctx, settlementID)
		}
		return nil, fmt.Errorf("store settlement %s: %w", settlementID, err)
	}

	slog.Info("verification updated",
		"settlement_id", rec.SettlementID,
		"attempt", rec.Attempt,
		"operation", op,
		"status", rec.Status,
		"method", rec.Method,
	)

	s.afterWrite(ctx, rec, eventType)
	return rec, nil
}

// settleTrustImpact stamps the trust delta on a record that just became
// terminal.
func (s *Service) settleTrustImpact(rec *domain.VerificationRecord) {
	if rec.Status.IsTerminal() {
		rec.TrustScoreImpact = trust.Delta(trust.OutcomeOf(rec), rec.RiskAssessment)
	}
}

// afterWrite runs the side effects of a persisted change. None of them can
// fail the operation.
func (s *Service) afterWrite(ctx context.Context, rec *domain.VerificationRecord, eventType string) {
	var trustScore *int
	if rec.Status.IsTerminal() {
		s.metrics.IncrementResolution(string(rec.Status), string(rec.Method))

		if rec.TrustScoreImpact != 0 {
			score, err := s.repo.AdjustTrustScore(ctx, rec.PayerID, rec.TrustScoreImpact)
			if err != nil {
				slog.Error("failed to adjust trust score",
					"settlement_id", rec.SettlementID,
					"user_id", rec.PayerID,
					"delta", rec.TrustScoreImpact,
					"error", err,
				)
			} else {
				trustScore = &score
			}
		}
	}

	s.writeStatus(ctx, rec)
	s.publish(ctx, rec, eventType, trustScore)
}

func (s *Service) publish(ctx context.Context, rec *domain.VerificationRecord, eventType string, trustScore *int) {
	if s.bus == nil {
		return
	}

	payload, err := json.Marshal(domain.VerificationEvent{
		Type:       eventType,
		Record:     rec.View(),
		TrustScore: trustScore,
		At:         rec.UpdatedAt,
	})
	if err != nil {
		slog.Error("failed to marshal verification event", "settlement_id", rec.SettlementID, "error", err)
		return
	}

	topics := []string{domain.TopicVerificationUpdated}
	if rec.Status.IsTerminal() {
		topics = append(topics, domain.TopicVerificationResolved)
	}
	for _, topic := range topics {
		if err := s.bus.Publish(ctx, topic, payload); err != nil {
			slog.Warn("failed to publish verification event",
				"topic", topic,
				"settlement_id", rec.SettlementID,
				"error", err,
			)
		}
	}
}
