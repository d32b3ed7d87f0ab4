// Package decision owns the verification state machine.
//
// Status changes only through Apply, which checks the transition table and
// rejects anything not listed there. Plan turns a risk assessment into the
// automatic events the engine fires after scoring.
package decision

import (
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

var adminEvents = map[domain.TransitionEvent]domain.VerificationStatus{
	domain.EventAdminVerify:  domain.StatusVerified,
	domain.EventAdminReject:  domain.StatusRejected,
	domain.EventAdminDispute: domain.StatusDisputed,
}

// transitions is the full table. Terminal states have no entry.
var transitions = map[domain.VerificationStatus]map[domain.TransitionEvent]domain.VerificationStatus{
	domain.StatusPending: withAdmin(map[domain.TransitionEvent]domain.VerificationStatus{
		domain.EventAutoVerify:          domain.StatusAutoVerified,
		domain.EventRequestConfirmation: domain.StatusAwaitingReceiverConfirmation,
		domain.EventEscalate:            domain.StatusAwaitingManualReview,
	}),
	domain.StatusAutoVerified: withAdmin(map[domain.TransitionEvent]domain.VerificationStatus{
		domain.EventFinalize:            domain.StatusVerified,
		domain.EventRequestConfirmation: domain.StatusAwaitingReceiverConfirmation,
	}),
	domain.StatusAwaitingReceiverConfirmation: withAdmin(map[domain.TransitionEvent]domain.VerificationStatus{
		domain.EventReceiverConfirm: domain.StatusVerified,
		domain.EventReceiverDispute: domain.StatusDisputed,
	}),
	domain.StatusAwaitingManualReview: withAdmin(map[domain.TransitionEvent]domain.VerificationStatus{
		domain.EventAdminFalsePositive: domain.StatusVerified,
	}),
}

func withAdmin(m map[domain.TransitionEvent]domain.VerificationStatus) map[domain.TransitionEvent]domain.VerificationStatus {
	for ev, to := range adminEvents {
		m[ev] = to
	}
	return m
}

// Next returns the state ev leads to from `from`, if the move is legal.
func Next(from domain.VerificationStatus, ev domain.TransitionEvent) (domain.VerificationStatus, bool) {
	to, ok := transitions[from][ev]
	return to, ok
}

// IsAdminEvent reports whether ev is an administrator override.
func IsAdminEvent(ev domain.TransitionEvent) bool {
	_, ok := adminEvents[ev]
	return ok || ev == domain.EventAdminFalsePositive
}

// Plan returns the automatic events for a freshly scored record.
func Plan(a domain.RiskAssessment) []domain.TransitionEvent {
	switch {
	case a.RecommendedAction == domain.ActionReject,
		a.RecommendedAction == domain.ActionManualReview,
		a.Level == domain.RiskHigh,
		a.Level == domain.RiskCritical,
		a.Flags.HasAny(domain.FlagUPIIDMismatch, domain.FlagAmountMismatchCritical):
		return []domain.TransitionEvent{domain.EventEscalate}
	case a.Level == domain.RiskMedium:
		return []domain.TransitionEvent{domain.EventRequestConfirmation}
	case a.Score == 0:
		return []domain.TransitionEvent{domain.EventAutoVerify, domain.EventFinalize}
	default:
		// Any signal at all still needs a human on the receiving end.
		return []domain.TransitionEvent{domain.EventAutoVerify, domain.EventRequestConfirmation}
	}
}

// Transition is a request to move a record along one edge.
type Transition struct {
	Event  domain.TransitionEvent
	Actor  string
	Notes  string
	Reason string // dispute reason
}

// Machine applies transitions to records.
type Machine struct {
	now func() time.Time
}

// NewMachine creates a machine using the wall clock.
func NewMachine() *Machine {
	return &Machine{now: time.Now}
}

// NewMachineWithClock creates a machine with a fixed clock, for tests.
func NewMachineWithClock(now func() time.Time) *Machine {
	return &Machine{now: now}
}

// Apply moves rec along t. On error rec is left untouched.
func (m *Machine) Apply(rec *domain.VerificationRecord, t Transition) error {
	to, ok := Next(rec.Status, t.Event)
	if !ok {
		reason := "transition not allowed"
		if rec.Status.IsTerminal() {
			reason = "record already resolved"
		}
		return &domain.NotApplicableError{
			SettlementID: rec.SettlementID,
			Status:       rec.Status,
			Operation:    string(t.Event),
			Reason:       reason,
		}
	}

	now := m.now().UTC()
	rec.AuditTrail = append(rec.AuditTrail, domain.AuditEntry{
		From:  rec.Status,
		To:    to,
		Event: t.Event,
		Actor: t.Actor,
		Notes: t.Notes,
		At:    now,
	})
	rec.Status = to
	rec.UpdatedAt = now

	switch t.Event {
	case domain.EventReceiverConfirm:
		rec.Method = domain.MethodReceiverConfirmed
		rec.ReceiverConfirmed = true
	case domain.EventReceiverDispute:
		rec.Method = domain.MethodReceiverConfirmed
		rec.ReceiverDisputed = true
		rec.DisputeReason = t.Reason
	case domain.EventAdminFalsePositive:
		rec.Method = domain.MethodManualOverride
		rec.FalsePositive = true
	case domain.EventAdminDispute:
		rec.Method = domain.MethodManualOverride
		rec.DisputeReason = t.Reason
	case domain.EventAdminVerify, domain.EventAdminReject:
		rec.Method = domain.MethodManualOverride
	}

	if to.IsTerminal() {
		rec.ResolvedAt = &now
		rec.ResolvedBy = t.Actor
	}
	rec.NextSteps = NextSteps(rec)
	return nil
}

// ApplyAll applies events in order and stops at the first failure.
func (m *Machine) ApplyAll(rec *domain.VerificationRecord, actor string, events []domain.TransitionEvent) error {
	for _, ev := range events {
		if err := m.Apply(rec, Transition{Event: ev, Actor: actor}); err != nil {
			return err
		}
	}
	return nil
}

// NextSteps lists what the settlement side should do for rec's state.
func NextSteps(rec *domain.VerificationRecord) []string {
	switch rec.Status {
	case domain.StatusAwaitingReceiverConfirmation:
		return []string{"receiver_confirmation_request"}
	case domain.StatusAwaitingManualReview:
		steps := []string{"manual_review_required"}
		if rec.RiskAssessment.RecommendedAction == domain.ActionReject {
			steps = append(steps, "reject_recommended")
		}
		return steps
	case domain.StatusVerified:
		return []string{"update_settlement_completed", "notify_users"}
	case domain.StatusDisputed:
		return []string{"update_settlement_disputed", "investigate_dispute"}
	case domain.StatusRejected:
		return []string{"update_settlement_rejected", "investigate_manual_rejection"}
	default:
		return []string{}
	}
}
