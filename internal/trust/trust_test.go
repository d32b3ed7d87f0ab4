package trust

import (
	"testing"

	"github.com/harsaa34/trustmate/internal/domain"
)

func TestDelta(t *testing.T) {
	low := domain.RiskAssessment{Level: domain.RiskLow}
	medium := domain.RiskAssessment{Level: domain.RiskMedium}
	high := domain.RiskAssessment{Level: domain.RiskHigh}

	tests := []struct {
		name       string
		outcome    Outcome
		assessment domain.RiskAssessment
		want       int
	}{
		{"auto verified", Outcome{Status: domain.StatusVerified, Method: domain.MethodOCR}, low, 15},
		{"receiver confirmed low", Outcome{Status: domain.StatusVerified, Method: domain.MethodReceiverConfirmed}, low, 10},
		{"receiver confirmed medium", Outcome{Status: domain.StatusVerified, Method: domain.MethodReceiverConfirmed}, medium, 5},
		{"receiver confirmed high", Outcome{Status: domain.StatusVerified, Method: domain.MethodReceiverConfirmed}, high, 2},
		{"manual override", Outcome{Status: domain.StatusVerified, Method: domain.MethodManualOverride}, high, 5},
		{"false positive", Outcome{Status: domain.StatusVerified, Method: domain.MethodManualOverride, FalsePositive: true}, high, 5},
		{"disputed", Outcome{Status: domain.StatusDisputed, Method: domain.MethodReceiverConfirmed}, low, -30},
		{"rejected", Outcome{Status: domain.StatusRejected, Method: domain.MethodManualOverride}, high, -25},
		{"pending", Outcome{Status: domain.StatusAwaitingReceiverConfirmation}, low, 0},
		{"auto verified not final", Outcome{Status: domain.StatusAutoVerified, Method: domain.MethodOCR}, low, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Delta(tt.outcome, tt.assessment)
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
			if got > MaxDelta || got < MinDelta {
				t.Errorf("delta %d out of bounds", got)
			}
		})
	}
}

func TestOutcomeOf(t *testing.T) {
	rec := &domain.VerificationRecord{
		Status:        domain.StatusVerified,
		Method:        domain.MethodManualOverride,
		FalsePositive: true,
	}
	o := OutcomeOf(rec)
	if o.Status != rec.Status || o.Method != rec.Method || !o.FalsePositive {
		t.Errorf("unexpected outcome %+v", o)
	}
}
