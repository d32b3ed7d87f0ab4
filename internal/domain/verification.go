package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VerificationStatus is the state of a verification attempt.
type VerificationStatus string

const (
	StatusPending                      VerificationStatus = "PENDING"
	StatusAutoVerified                 VerificationStatus = "AUTO_VERIFIED"
	StatusAwaitingReceiverConfirmation VerificationStatus = "AWAITING_RECEIVER_CONFIRMATION"
	StatusAwaitingManualReview         VerificationStatus = "AWAITING_MANUAL_REVIEW"
	StatusVerified                     VerificationStatus = "VERIFIED"
	StatusDisputed                     VerificationStatus = "DISPUTED"
	StatusRejected                     VerificationStatus = "REJECTED"
)

// IsTerminal reports whether no further transition is allowed.
func (s VerificationStatus) IsTerminal() bool {
	return s == StatusVerified || s == StatusDisputed || s == StatusRejected
}

// TransitionEvent drives the verification state machine.
type TransitionEvent string

const (
	EventAutoVerify          TransitionEvent = "auto_verify"
	EventFinalize            TransitionEvent = "finalize"
	EventRequestConfirmation TransitionEvent = "request_confirmation"
	EventEscalate            TransitionEvent = "escalate"
	EventReceiverConfirm     TransitionEvent = "receiver_confirm"
	EventReceiverDispute     TransitionEvent = "receiver_dispute"
	EventAdminVerify         TransitionEvent = "admin_verify"
	EventAdminReject         TransitionEvent = "admin_reject"
	EventAdminDispute        TransitionEvent = "admin_dispute"
	EventAdminFalsePositive  TransitionEvent = "admin_false_positive"
)

// Method records how a verification was (or is being) decided.
type Method string

const (
	MethodOCR               Method = "OCR"
	MethodReceiverConfirmed Method = "RECEIVER_CONFIRMED"
	MethodManualOverride    Method = "MANUAL_OVERRIDE"
	MethodCallback          Method = "CALLBACK"
)

// ParseField names a mandatory field the parser could not locate.
type ParseField string

const (
	MissingAmount ParseField = "MISSING_AMOUNT"
	MissingUPIID  ParseField = "MISSING_UPI_ID"
)

// Evidence is the audit copy of everything the engine saw and extracted.
type Evidence struct {
	RawText       string   `json:"rawText"`
	OCRConfidence *float64 `json:"ocrConfidence,omitempty"`
	ImageSHA256   string   `json:"imageSha256,omitempty"`

	Amount             string     `json:"amount,omitempty"`
	CounterpartyID     string     `json:"counterpartyId,omitempty"`
	TransactionRef     string     `json:"transactionRef,omitempty"`
	OccurredAt         *time.Time `json:"occurredAt,omitempty"`
	TimestampConfident bool       `json:"timestampConfident"`
	StatusKeywordFound bool       `json:"statusKeywordFound"`
	SourceApp          SourceApp  `json:"sourceApp,omitempty"`
	Bank               string     `json:"bank,omitempty"`

	ParseFailures   []ParseField `json:"parseFailures,omitempty"`
	ExtractionError string       `json:"extractionError,omitempty"`
}

// AuditEntry records one state transition.
type AuditEntry struct {
	From  VerificationStatus `json:"from"`
	To    VerificationStatus `json:"to"`
	Event TransitionEvent    `json:"event"`
	Actor string             `json:"actor"`
	Notes string             `json:"notes,omitempty"`
	At    time.Time          `json:"at"`
}

// VerificationRecord is one verification attempt for a settlement.
// Attempts are append-only; a terminal record is never mutated.
type VerificationRecord struct {
	ID           string `json:"id"`
	SettlementID string `json:"settlementId"`
	Attempt      int    `json:"attempt"`
	Version      int    `json:"version"`

	PayerID                string          `json:"payerId"`
	ReceiverID             string          `json:"receiverId"`
	ExpectedAmount         decimal.Decimal `json:"expectedAmount"`
	ExpectedCounterpartyID string          `json:"expectedCounterpartyId"`

	Status         VerificationStatus `json:"status"`
	Method         Method             `json:"method"`
	RiskAssessment RiskAssessment     `json:"riskAssessment"`
	Evidence       Evidence           `json:"evidence"`

	ReceiverConfirmed bool   `json:"receiverConfirmed"`
	ReceiverDisputed  bool   `json:"receiverDisputed"`
	DisputeReason     string `json:"disputeReason,omitempty"`
	FalsePositive     bool   `json:"falsePositive"`

	TrustScoreImpact int      `json:"trustScoreImpact"`
	NextSteps        []string `json:"nextSteps"`
	ResolvedBy       string   `json:"resolvedBy,omitempty"`

	AuditTrail []AuditEntry `json:"auditTrail"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// RecordView is the stable contract exposed to the settlement-status
// collaborator.
type RecordView struct {
	SettlementID      string             `json:"settlementId"`
	Attempt           int                `json:"attempt"`
	Status            VerificationStatus `json:"status"`
	Method            Method             `json:"method"`
	RiskScore         int                `json:"riskScore"`
	RiskLevel         RiskLevel          `json:"riskLevel"`
	Flags             FlagSet            `json:"flags"`
	RecommendedAction RecommendedAction  `json:"recommendedAction"`
	Recommendations   []string           `json:"recommendations,omitempty"`
	ReceiverConfirmed bool               `json:"receiverConfirmed"`
	ReceiverDisputed  bool               `json:"receiverDisputed"`
	DisputeReason     string             `json:"disputeReason,omitempty"`
	FalsePositive     bool               `json:"falsePositive"`
	TrustScoreImpact  int                `json:"trustScoreImpact"`
	NextSteps         []string           `json:"nextSteps"`
	CreatedAt         time.Time          `json:"createdAt"`
	ResolvedAt        *time.Time         `json:"resolvedAt,omitempty"`
}

// View projects the record onto its public contract.
func (r *VerificationRecord) View() RecordView {
	steps := r.NextSteps
	if steps == nil {
		steps = []string{}
	}
	return RecordView{
		SettlementID:      r.SettlementID,
		Attempt:           r.Attempt,
		Status:            r.Status,
		Method:            r.Method,
		RiskScore:         r.RiskAssessment.Score,
		RiskLevel:         r.RiskAssessment.Level,
		Flags:             r.RiskAssessment.Flags,
		RecommendedAction: r.RiskAssessment.RecommendedAction,
		Recommendations:   r.RiskAssessment.Recommendations,
		ReceiverConfirmed: r.ReceiverConfirmed,
		ReceiverDisputed:  r.ReceiverDisputed,
		DisputeReason:     r.DisputeReason,
		FalsePositive:     r.FalsePositive,
		TrustScoreImpact:  r.TrustScoreImpact,
		NextSteps:         steps,
		CreatedAt:         r.CreatedAt,
		ResolvedAt:        r.ResolvedAt,
	}
}

// VerificationStats summarizes verification attempts.
type VerificationStats struct {
	Total              int                        `json:"total"`
	Verified           int                        `json:"verified"`
	Pending            int                        `json:"pending"`
	UnderReview        int                        `json:"underReview"`
	Disputed           int                        `json:"disputed"`
	Rejected           int                        `json:"rejected"`
	SuccessRate        float64                    `json:"successRate"`
	FraudDetectionRate float64                    `json:"fraudDetectionRate"`
	AverageRiskScore   float64                    `json:"averageRiskScore"`
	ByMethod           map[Method]int             `json:"byMethod"`
	ByRiskLevel        map[RiskLevel]int          `json:"byRiskLevel"`
	ByStatus           map[VerificationStatus]int `json:"byStatus"`
}

// NewVerificationStats returns empty stats with initialized maps.
func NewVerificationStats() *VerificationStats {
	return &VerificationStats{
		ByMethod:    make(map[Method]int),
		ByRiskLevel: make(map[RiskLevel]int),
		ByStatus:    make(map[VerificationStatus]int),
	}
}

// Add counts n attempts with the given attributes and summed risk score.
func (s *VerificationStats) Add(status VerificationStatus, method Method, level RiskLevel, n int, scoreSum int) {
	s.Total += n
	s.ByStatus[status] += n
	s.ByMethod[method] += n
	s.ByRiskLevel[level] += n
	s.AverageRiskScore += float64(scoreSum)
}

// Finalize derives the rollup counters and percentages.
func (s *VerificationStats) Finalize() {
	s.Verified = s.ByStatus[StatusVerified]
	s.Disputed = s.ByStatus[StatusDisputed]
	s.Rejected = s.ByStatus[StatusRejected]
	s.UnderReview = s.ByStatus[StatusAwaitingManualReview]
	s.Pending = s.ByStatus[StatusPending] + s.ByStatus[StatusAutoVerified] + s.ByStatus[StatusAwaitingReceiverConfirmation]
	if s.Total == 0 {
		s.AverageRiskScore = 0
		return
	}
	total := float64(s.Total)
	s.AverageRiskScore /= total
	s.SuccessRate = float64(s.Verified) / total * 100
	s.FraudDetectionRate = float64(s.ByRiskLevel[RiskHigh]+s.ByRiskLevel[RiskCritical]) / total * 100
}
