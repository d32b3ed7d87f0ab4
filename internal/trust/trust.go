// Package trust computes how a resolved verification moves the payer's
// trust score.
package trust

import "github.com/harsaa34/trustmate/internal/domain"

// Bounds of a single adjustment.
const (
	MaxDelta = 15
	MinDelta = -30
)

// Outcome is the resolved state of a verification.
type Outcome struct {
	Status        domain.VerificationStatus
	Method        domain.Method
	FalsePositive bool
}

// OutcomeOf extracts the Outcome of a record.
func OutcomeOf(rec *domain.VerificationRecord) Outcome {
	return Outcome{Status: rec.Status, Method: rec.Method, FalsePositive: rec.FalsePositive}
}

// Delta returns the trust adjustment for an outcome. Non-terminal
// outcomes never move the score.
func Delta(o Outcome, a domain.RiskAssessment) int {
	var d int
	switch o.Status {
	case domain.StatusVerified:
		d = verifiedDelta(o, a)
	case domain.StatusDisputed:
		d = -30
	case domain.StatusRejected:
		d = -25
	default:
		return 0
	}
	return clamp(d)
}

func verifiedDelta(o Outcome, a domain.RiskAssessment) int {
	if o.FalsePositive || o.Method == domain.MethodManualOverride {
		return 5
	}
	if o.Method == domain.MethodReceiverConfirmed {
		switch a.Level {
		case domain.RiskLow:
			return 10
		case domain.RiskMedium:
			return 5
		default:
			return 2
		}
	}
	return 15
}

func clamp(d int) int {
	if d > MaxDelta {
		return MaxDelta
	}
	if d < MinDelta {
		return MinDelta
	}
	return d
}
