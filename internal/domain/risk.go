package domain

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Score thresholds for risk levels.
const (
	MediumRiskThreshold   = 40
	HighRiskThreshold     = 60
	CriticalRiskThreshold = 80
	MaxRiskScore          = 100
)

// RiskLevel is the discrete band of a risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// LevelForScore maps a score onto its risk level.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= CriticalRiskThreshold:
		return RiskCritical
	case score >= HighRiskThreshold:
		return RiskHigh
	case score >= MediumRiskThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RecommendedAction is the scorer's suggestion for handling a payment.
type RecommendedAction string

const (
	ActionAutoVerify                  RecommendedAction = "AUTO_VERIFY"
	ActionRequireReceiverConfirmation RecommendedAction = "REQUIRE_RECEIVER_CONFIRMATION"
	ActionManualReview                RecommendedAction = "MANUAL_REVIEW"
	ActionReject                      RecommendedAction = "REJECT"
)

var actionRank = map[RecommendedAction]int{
	ActionAutoVerify:                  0,
	ActionRequireReceiverConfirmation: 1,
	ActionManualReview:                2,
	ActionReject:                      3,
}

// AtLeast returns the stricter of a and min.
func (a RecommendedAction) AtLeast(min RecommendedAction) RecommendedAction {
	if actionRank[min] > actionRank[a] {
		return min
	}
	return a
}

// FlagCode names a discrete condition that contributed to a risk score.
type FlagCode string

const (
	FlagAmountMismatchCritical    FlagCode = "AMOUNT_MISMATCH_CRITICAL"
	FlagAmountMismatchSignificant FlagCode = "AMOUNT_MISMATCH_SIGNIFICANT"
	FlagAmountMismatchMinor       FlagCode = "AMOUNT_MISMATCH_MINOR"
	FlagAmountMismatchTrivial     FlagCode = "AMOUNT_MISMATCH_TRIVIAL"
	FlagUPIIDMismatch             FlagCode = "UPI_ID_MISMATCH"
	FlagMissingSuccessIndicator   FlagCode = "MISSING_SUCCESS_INDICATOR"
	FlagMissingUPIPatterns        FlagCode = "MISSING_UPI_PATTERNS"
	FlagSuspiciousTransactionID   FlagCode = "SUSPICIOUS_TRANSACTION_ID"
	FlagUnusualTime               FlagCode = "UNUSUAL_TIME"
	FlagMissingTransactionRef     FlagCode = "MISSING_TRANSACTION_REF"
	FlagTimestampUnverified       FlagCode = "TIMESTAMP_UNVERIFIED"
	FlagPossibleEditing           FlagCode = "POSSIBLE_EDITING"
	FlagLowOCRConfidence          FlagCode = "LOW_OCR_CONFIDENCE"
	FlagDuplicateTransactionRef   FlagCode = "DUPLICATE_TRANSACTION_REF"
	FlagRapidResubmission         FlagCode = "RAPID_RESUBMISSION"
	FlagMissingData               FlagCode = "MISSING_DATA"
	FlagExtractionFailed          FlagCode = "EXTRACTION_FAILED"
)

var knownFlags = map[FlagCode]struct{}{
	FlagAmountMismatchCritical:    {},
	FlagAmountMismatchSignificant: {},
	FlagAmountMismatchMinor:       {},
	FlagAmountMismatchTrivial:     {},
	FlagUPIIDMismatch:             {},
	FlagMissingSuccessIndicator:   {},
	FlagMissingUPIPatterns:        {},
	FlagSuspiciousTransactionID:   {},
	FlagUnusualTime:               {},
	FlagMissingTransactionRef:     {},
	FlagTimestampUnverified:       {},
	FlagPossibleEditing:           {},
	FlagLowOCRConfidence:          {},
	FlagDuplicateTransactionRef:   {},
	FlagRapidResubmission:         {},
	FlagMissingData:               {},
	FlagExtractionFailed:          {},
}

// Valid reports whether f is one of the defined flag codes.
func (f FlagCode) Valid() bool {
	_, ok := knownFlags[f]
	return ok
}

// FlagSet is a sorted, duplicate-free set of flag codes.
type FlagSet []FlagCode

// NewFlagSet builds a normalized set from codes.
func NewFlagSet(codes ...FlagCode) FlagSet {
	return FlagSet(nil).With(codes...)
}

// With returns a new set containing s and codes.
func (s FlagSet) With(codes ...FlagCode) FlagSet {
	seen := make(map[FlagCode]struct{}, len(s)+len(codes))
	out := make(FlagSet, 0, len(s)+len(codes))
	for _, c := range append(append([]FlagCode{}, s...), codes...) {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has reports whether c is in the set.
func (s FlagSet) Has(c FlagCode) bool {
	for _, f := range s {
		if f == c {
			return true
		}
	}
	return false
}

// HasAny reports whether any of codes is in the set.
func (s FlagSet) HasAny(codes ...FlagCode) bool {
	for _, c := range codes {
		if s.Has(c) {
			return true
		}
	}
	return false
}

// MarshalJSON always emits an array, never null.
func (s FlagSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]FlagCode(s))
}

// UnmarshalJSON normalizes and validates the decoded codes.
func (s *FlagSet) UnmarshalJSON(data []byte) error {
	var codes []FlagCode
	if err := json.Unmarshal(data, &codes); err != nil {
		return err
	}
	for _, c := range codes {
		if !c.Valid() {
			return fmt.Errorf("unknown flag code %q", c)
		}
	}
	*s = NewFlagSet(codes...)
	return nil
}

// RiskAssessment is the scorer's verdict on one piece of payment evidence.
type RiskAssessment struct {
	Score             int               `json:"score"`
	Level             RiskLevel         `json:"level"`
	Flags             FlagSet           `json:"flags"`
	RecommendedAction RecommendedAction `json:"recommendedAction"`
	Recommendations   []string          `json:"recommendations,omitempty"`
}
