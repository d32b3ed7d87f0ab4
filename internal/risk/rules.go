package risk

import "github.com/harsaa34/trustmate/internal/domain"

// Rule is one row of the weight table. Expression is a CEL boolean over
// the scoring variables; when it holds, Code is flagged and Weight added.
type Rule struct {
	Code        domain.FlagCode `json:"code"`
	Expression  string          `json:"expression"`
	Weight      int             `json:"weight"`
	Description string          `json:"description,omitempty"`
}

// DefaultRules returns the production weight table.
func DefaultRules() []Rule {
	return []Rule{
		{
			Code:        domain.FlagAmountMismatchCritical,
			Expression:  "amount_mismatch_pct > 10.0",
			Weight:      48,
			Description: "amount differs from expected by more than 10%",
		},
		{
			Code:        domain.FlagAmountMismatchSignificant,
			Expression:  "amount_mismatch_pct > 5.0 && amount_mismatch_pct <= 10.0",
			Weight:      28,
			Description: "amount differs from expected by 5-10%",
		},
		{
			Code:        domain.FlagAmountMismatchMinor,
			Expression:  "amount_mismatch_pct > 1.0 && amount_mismatch_pct <= 5.0",
			Weight:      12,
			Description: "amount differs from expected by 1-5%",
		},
		{
			Code:        domain.FlagAmountMismatchTrivial,
			Expression:  "amount_mismatch_pct > 0.1 && amount_mismatch_pct <= 1.0",
			Weight:      5,
			Description: "amount differs from expected by 0.1-1%",
		},
		{
			Code:        domain.FlagUPIIDMismatch,
			Expression:  "!counterparty_match",
			Weight:      55,
			Description: "paid UPI id is not the receiver's",
		},
		{
			Code:        domain.FlagMissingSuccessIndicator,
			Expression:  "!status_keyword",
			Weight:      18,
			Description: "no success keyword on the receipt",
		},
		{
			Code:        domain.FlagMissingUPIPatterns,
			Expression:  "pattern_count < 4",
			Weight:      20,
			Description: "receipt lacks the usual UPI layout",
		},
		{
			Code:        domain.FlagSuspiciousTransactionID,
			Expression:  "synthetic_ref",
			Weight:      28,
			Description: "transaction reference looks made up",
		},
		{
			Code:        domain.FlagUnusualTime,
			Expression:  "unusual_hour",
			Weight:      12,
			Description: "payment time falls in the unusual window",
		},
		{
			Code:        domain.FlagMissingTransactionRef,
			Expression:  "!ref_present",
			Weight:      3,
			Description: "no transaction reference found",
		},
		{
			Code:        domain.FlagTimestampUnverified,
			Expression:  "!timestamp_confident",
			Weight:      2,
			Description: "payment date and time could not be read",
		},
		{
			Code:        domain.FlagPossibleEditing,
			Expression:  "editing_artifacts",
			Weight:      25,
			Description: "text shows signs of editing or placeholder content",
		},
		{
			Code:        domain.FlagLowOCRConfidence,
			Expression:  "ocr_confidence >= 0.0 && ocr_confidence < 60.0",
			Weight:      10,
			Description: "OCR engine was unsure of the text",
		},
		{
			Code:        domain.FlagDuplicateTransactionRef,
			Expression:  "duplicate_ref",
			Weight:      30,
			Description: "reference already used for another settlement",
		},
		{
			Code:        domain.FlagRapidResubmission,
			Expression:  "recent_attempts > 3",
			Weight:      10,
			Description: "many verification attempts in a short window",
		},
	}
}

// Recommendations returns admin-facing advice for a risk level.
func Recommendations(level domain.RiskLevel) []string {
	switch level {
	case domain.RiskCritical:
		return []string{"REJECT_TRANSACTION", "REQUIRE_BANK_STATEMENT", "MANUAL_REVIEW_REQUIRED"}
	case domain.RiskHigh:
		return []string{"MANUAL_REVIEW_REQUIRED", "REQUEST_ADDITIONAL_PROOF", "NOTIFY_ADMIN"}
	case domain.RiskMedium:
		return []string{"REQUIRE_RECEIVER_CONFIRMATION", "FLAG_FOR_REVIEW"}
	default:
		return []string{"AUTO_VERIFY_WITH_RECEIVER_CONFIRMATION"}
	}
}
