package decision

import (
	"errors"
	"testing"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

var testNow = time.Date(2024, 3, 12, 9, 0, 0, 0, time.UTC)

func newRecord(status domain.VerificationStatus) *domain.VerificationRecord {
	return &domain.VerificationRecord{
		ID:           "rec-001",
		SettlementID: "stl-001",
		Status:       status,
		Method:       domain.MethodOCR,
	}
}

func TestPlan(t *testing.T) {
	tests := []struct {
		name       string
		assessment domain.RiskAssessment
		want       []domain.TransitionEvent
	}{
		{
			name:       "clean",
			assessment: domain.RiskAssessment{Score: 0, Level: domain.RiskLow, RecommendedAction: domain.ActionAutoVerify},
			want:       []domain.TransitionEvent{domain.EventAutoVerify, domain.EventFinalize},
		},
		{
			name:       "low with signals",
			assessment: domain.RiskAssessment{Score: 3, Level: domain.RiskLow, RecommendedAction: domain.ActionAutoVerify},
			want:       []domain.TransitionEvent{domain.EventAutoVerify, domain.EventRequestConfirmation},
		},
		{
			name:       "medium",
			assessment: domain.RiskAssessment{Score: 45, Level: domain.RiskMedium, RecommendedAction: domain.ActionRequireReceiverConfirmation},
			want:       []domain.TransitionEvent{domain.EventRequestConfirmation},
		},
		{
			name:       "high",
			assessment: domain.RiskAssessment{Score: 65, Level: domain.RiskHigh, RecommendedAction: domain.ActionManualReview},
			want:       []domain.TransitionEvent{domain.EventEscalate},
		},
		{
			name: "missing data on low score",
			assessment: domain.RiskAssessment{
				Score:             3,
				Level:             domain.RiskLow,
				Flags:             domain.NewFlagSet(domain.FlagMissingData),
				RecommendedAction: domain.ActionManualReview,
			},
			want: []domain.TransitionEvent{domain.EventEscalate},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Plan(tt.assessment)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestPlannedEventsAreLegal(t *testing.T) {
	m := NewMachineWithClock(func() time.Time { return testNow })
	levels := []domain.RiskAssessment{
		{Score: 0, Level: domain.RiskLow},
		{Score: 10, Level: domain.RiskLow},
		{Score: 50, Level: domain.RiskMedium},
		{Score: 70, Level: domain.RiskHigh},
		{Score: 90, Level: domain.RiskCritical, RecommendedAction: domain.ActionReject},
	}
	for _, a := range levels {
		rec := newRecord(domain.StatusPending)
		rec.RiskAssessment = a
		if err := m.ApplyAll(rec, "system", Plan(a)); err != nil {
			t.Errorf("score %d: %v", a.Score, err)
		}
	}
}

func TestApplyReceiverConfirm(t *testing.T) {
	m := NewMachineWithClock(func() time.Time { return testNow })
	rec := newRecord(domain.StatusAwaitingReceiverConfirmation)

	err := m.Apply(rec, Transition{Event: domain.EventReceiverConfirm, Actor: "receiver-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rec.Status != domain.StatusVerified {
		t.Errorf("expected VERIFIED, got %s", rec.Status)
	}
	if rec.Method != domain.MethodReceiverConfirmed {
		t.Errorf("expected RECEIVER_CONFIRMED, got %s", rec.Method)
	}
	if !rec.ReceiverConfirmed {
		t.Error("expected receiverConfirmed")
	}
	if rec.ResolvedAt == nil || !rec.ResolvedAt.Equal(testNow) {
		t.Errorf("expected resolvedAt %v, got %v", testNow, rec.ResolvedAt)
	}
	if rec.ResolvedBy != "receiver-1" {
		t.Errorf("expected resolvedBy receiver-1, got %s", rec.ResolvedBy)
	}
	if len(rec.AuditTrail) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(rec.AuditTrail))
	}
	entry := rec.AuditTrail[0]
	if entry.From != domain.StatusAwaitingReceiverConfirmation || entry.To != domain.StatusVerified {
		t.Errorf("unexpected audit entry %+v", entry)
	}
	if rec.NextSteps[0] != "update_settlement_completed" {
		t.Errorf("unexpected next steps %v", rec.NextSteps)
	}
}

func TestApplyReceiverDispute(t *testing.T) {
	m := NewMachine()
	rec := newRecord(domain.StatusAwaitingReceiverConfirmation)

	err := m.Apply(rec, Transition{Event: domain.EventReceiverDispute, Actor: "receiver-1", Reason: "never received"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != domain.StatusDisputed {
		t.Errorf("expected DISPUTED, got %s", rec.Status)
	}
	if !rec.ReceiverDisputed || rec.DisputeReason != "never received" {
		t.Errorf("expected dispute recorded, got %+v", rec)
	}
}

func TestApplyAdminEvents(t *testing.T) {
	tests := []struct {
		event domain.TransitionEvent
		want  domain.VerificationStatus
	}{
		{domain.EventAdminVerify, domain.StatusVerified},
		{domain.EventAdminReject, domain.StatusRejected},
		{domain.EventAdminDispute, domain.StatusDisputed},
		{domain.EventAdminFalsePositive, domain.StatusVerified},
	}

	m := NewMachine()
	for _, tt := range tests {
		t.Run(string(tt.event), func(t *testing.T) {
			rec := newRecord(domain.StatusAwaitingManualReview)
			if err := m.Apply(rec, Transition{Event: tt.event, Actor: "admin"}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, rec.Status)
			}
			if rec.Method != domain.MethodManualOverride {
				t.Errorf("expected MANUAL_OVERRIDE, got %s", rec.Method)
			}
			if tt.event == domain.EventAdminFalsePositive && !rec.FalsePositive {
				t.Error("expected falsePositive")
			}
		})
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	m := NewMachine()
	events := []domain.TransitionEvent{
		domain.EventAutoVerify, domain.EventFinalize, domain.EventRequestConfirmation,
		domain.EventEscalate, domain.EventReceiverConfirm, domain.EventReceiverDispute,
		domain.EventAdminVerify, domain.EventAdminReject, domain.EventAdminDispute,
		domain.EventAdminFalsePositive,
	}

	for _, status := range []domain.VerificationStatus{domain.StatusVerified, domain.StatusDisputed, domain.StatusRejected} {
		for _, ev := range events {
			rec := newRecord(status)
			err := m.Apply(rec, Transition{Event: ev, Actor: "x"})
			if !errors.Is(err, domain.ErrNotApplicable) {
				t.Errorf("%s/%s: expected ErrNotApplicable, got %v", status, ev, err)
			}
			if rec.Status != status || len(rec.AuditTrail) != 0 {
				t.Errorf("%s/%s: record mutated on failure", status, ev)
			}
		}
	}
}

func TestIllegalTransition(t *testing.T) {
	m := NewMachine()
	rec := newRecord(domain.StatusAwaitingManualReview)

	err := m.Apply(rec, Transition{Event: domain.EventReceiverConfirm, Actor: "receiver-1"})
	var nae *domain.NotApplicableError
	if !errors.As(err, &nae) {
		t.Fatalf("expected NotApplicableError, got %v", err)
	}
	if nae.Status != domain.StatusAwaitingManualReview {
		t.Errorf("expected status in error, got %s", nae.Status)
	}
}

func TestNextStepsRejectRecommended(t *testing.T) {
	rec := newRecord(domain.StatusAwaitingManualReview)
	rec.RiskAssessment.RecommendedAction = domain.ActionReject

	steps := NextSteps(rec)
	if len(steps) != 2 || steps[1] != "reject_recommended" {
		t.Errorf("unexpected steps %v", steps)
	}
}
