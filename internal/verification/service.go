// Package verification orchestrates one verification attempt end to end:
// text extraction, parsing, scoring, the decision walk, persistence and the
// trust-score side effects.
package verification

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harsaa34/trustmate/internal/cache"
	"github.com/harsaa34/trustmate/internal/decision"
	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/harsaa34/trustmate/internal/extractor"
	"github.com/harsaa34/trustmate/internal/metrics"
	"github.com/harsaa34/trustmate/internal/parser"
	"github.com/harsaa34/trustmate/internal/replay"
	"github.com/harsaa34/trustmate/internal/risk"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// SystemActor is recorded on transitions the engine makes by itself.
const SystemActor = "system"

const defaultStatusTTL = 5 * time.Minute

var tracer = otel.Tracer("trustmate-verification")

// StartRequest asks for one verification attempt on a settlement.
type StartRequest struct {
	SettlementID           string          `json:"settlementId"`
	PayerID                string          `json:"payerId"`
	ReceiverID             string          `json:"receiverId"`
	ExpectedAmount         decimal.Decimal `json:"expectedAmount"`
	ExpectedCounterpartyID string          `json:"expectedCounterpartyId"`
	Evidence               EvidenceInput   `json:"evidence"`
}

// EvidenceInput carries either the OCR text or the screenshot, never both.
type EvidenceInput struct {
	Text        string `json:"text,omitempty"`
	ImageBase64 string `json:"imageBase64,omitempty"`

	// Image is set by in-process callers that already hold raw bytes.
	Image []byte `json:"-"`
}

// Options wires the service. Repo is required; everything else has a
// working default.
type Options struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Locker    domain.Locker
	Bus       domain.EventBus
	Extractor domain.TextExtractor
	Parser    *parser.Parser
	Scorer    *risk.Scorer
	Replay    *replay.Detector
	Metrics   *metrics.Metrics

	OCRTimeout time.Duration
	StatusTTL  time.Duration
	Clock      func() time.Time
}

// Service is the verification orchestrator. It is safe for concurrent use;
// mutations on one settlement are serialized by the locker and guarded by
// the repository version check.
type Service struct {
	repo      domain.Repository
	cache     domain.Cache
	locker    domain.Locker
	bus       domain.EventBus
	extractor domain.TextExtractor
	parser    *parser.Parser
	scorer    *risk.Scorer
	replay    *replay.Detector
	machine   *decision.Machine
	metrics   *metrics.Metrics

	statusTTL time.Duration
	now       func() time.Time
	group     singleflight.Group
}

// NewService creates a verification service.
func NewService(opts Options) (*Service, error) {
	if opts.Repo == nil {
		return nil, fmt.Errorf("verification: repository is required")
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	scorer := opts.Scorer
	if scorer == nil {
		var err error
		scorer, err = risk.NewDefaultScorer(risk.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("verification: build scorer: %w", err)
		}
	}

	p := opts.Parser
	if p == nil {
		p = parser.New(parser.WithClock(now))
	}

	ext := opts.Extractor
	if ext == nil {
		ext = extractor.Unavailable
	}
	if opts.OCRTimeout > 0 {
		ext = extractor.WithTimeout(ext, opts.OCRTimeout)
	}

	locker := opts.Locker
	if locker == nil {
		locker = cache.NewKeyedMutex()
	}

	det := opts.Replay
	if det == nil {
		det = replay.NewDetector(opts.Repo, opts.Cache, replay.DefaultWindow)
	}

	ttl := opts.StatusTTL
	if ttl <= 0 {
		ttl = defaultStatusTTL
	}

	return &Service{
		repo:      opts.Repo,
		cache:     opts.Cache,
		locker:    locker,
		bus:       opts.Bus,
		extractor: ext,
		parser:    p,
		scorer:    scorer,
		replay:    det,
		machine:   decision.NewMachineWithClock(now),
		metrics:   opts.Metrics,
		statusTTL: ttl,
		now:       now,
	}, nil
}

// StartVerification validates req, scores its evidence and persists a new
// attempt. Extraction and parse failures never surface as errors: the
// attempt is stored in AwaitingManualReview instead.
func (s *Service) StartVerification(ctx context.Context, req StartRequest) (rec *domain.VerificationRecord, err error) {
	start := s.now()
	ctx, span := tracer.Start(ctx, "verification.start",
		trace.WithAttributes(attribute.String("settlement_id", req.SettlementID)),
	)
	defer func() {
		endSpan(span, err)
		s.metrics.ObserveStartLatency(time.Since(start))
	}()

	image, err := normalize(&req)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, lockKey(req.SettlementID))
	if err != nil {
		return nil, fmt.Errorf("lock settlement %s: %w", req.SettlementID, err)
	}
	defer unlock()

	attempt := 1
	latest, err := s.repo.GetLatestRecord(ctx, req.SettlementID)
	switch {
	case err == nil:
		if reason := blocksNewAttempt(latest.Status); reason != "" {
			return nil, &domain.NotApplicableError{
				SettlementID: req.SettlementID,
				Status:       latest.Status,
				Operation:    "start_verification",
				Reason:       reason,
			}
		}
		if err := sameTerms(latest, &req); err != nil {
			return nil, err
		}
		attempt = latest.Attempt + 1
	case errors.Is(err, domain.ErrNotFound):
	default:
		return nil, fmt.Errorf("load settlement %s: %w", req.SettlementID, err)
	}

	now := s.now().UTC()
	rec = &domain.VerificationRecord{
		ID:                     uuid.NewString(),
		SettlementID:           req.SettlementID,
		Attempt:                attempt,
		PayerID:                req.PayerID,
		ReceiverID:             req.ReceiverID,
		ExpectedAmount:         req.ExpectedAmount,
		ExpectedCounterpartyID: req.ExpectedCounterpartyID,
		Status:                 domain.StatusPending,
		Method:                 domain.MethodOCR,
		AuditTrail:             []domain.AuditEntry{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	rec.RiskAssessment = s.assess(ctx, rec, req.Evidence.Text, image)

	if err := s.machine.ApplyAll(rec, SystemActor, decision.Plan(rec.RiskAssessment)); err != nil {
		// The plan only emits edges that exist from Pending.
		return nil, fmt.Errorf("apply decision plan: %w", err)
	}
	s.settleTrustImpact(rec)

	if err := s.repo.CreateRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("store attempt %d of %s: %w", attempt, req.SettlementID, err)
	}

	span.SetAttributes(
		attribute.Int("attempt", rec.Attempt),
		attribute.Int("risk_score", rec.RiskAssessment.Score),
		attribute.String("status", string(rec.Status)),
	)
	s.metrics.ObserveVerification(string(rec.Status), string(rec.RiskAssessment.Level), rec.RiskAssessment.Score)

	slog.Info("verification started",
		"settlement_id", rec.SettlementID,
		"attempt", rec.Attempt,
		"status", rec.Status,
		"risk_score", rec.RiskAssessment.Score,
		"risk_level", rec.RiskAssessment.Level,
		"flags", rec.RiskAssessment.Flags,
	)

	s.afterWrite(ctx, rec, domain.EventTypeStarted)
	return rec, nil
}

// assess fills rec.Evidence and returns the risk verdict. Every failure mode
// degrades to a verdict that forces manual review.
func (s *Service) assess(ctx context.Context, rec *domain.VerificationRecord, text string, image []byte) domain.RiskAssessment {
	var confidence *float64

	if image != nil {
		sum := sha256.Sum256(image)
		rec.Evidence.ImageSHA256 = hex.EncodeToString(sum[:])

		ext, err := s.extract(ctx, image)
		if err != nil {
			slog.Warn("text extraction failed, routing to manual review",
				"settlement_id", rec.SettlementID,
				"error", err,
			)
			rec.Evidence.ExtractionError = err.Error()
			s.replaySignals(ctx, rec.SettlementID, "")
			return risk.AssessExtractionFailure()
		}
		text = ext.Text
		c := ext.Confidence
		confidence = &c
	}

	rec.Evidence.RawText = text
	rec.Evidence.OCRConfidence = confidence

	data, err := s.parser.Parse(text)
	var missing []domain.ParseField
	var parseErr *domain.ParseError
	if errors.As(err, &parseErr) {
		missing = parseErr.Missing
		slog.Info("payment text incomplete",
			"settlement_id", rec.SettlementID,
			"missing", missing,
		)
	}
	recordParsed(&rec.Evidence, data, missing)

	sig := s.replaySignals(ctx, rec.SettlementID, data.TransactionRef)

	return s.scorer.Assess(risk.Input{
		Data:                   data,
		Missing:                missing,
		RawText:                text,
		OCRConfidence:          confidence,
		ExpectedAmount:         rec.ExpectedAmount,
		ExpectedCounterpartyID: rec.ExpectedCounterpartyID,
		DuplicateRef:           sig.DuplicateRef,
		RecentAttempts:         sig.RecentAttempts,
	})
}

// blocksNewAttempt returns why a settlement whose latest attempt is in
// status cannot take another one, or "" if it can.
func blocksNewAttempt(status domain.VerificationStatus) string {
	switch status {
	case domain.StatusVerified:
		return "settlement already verified"
	case domain.StatusAwaitingManualReview:
		return "latest attempt is awaiting manual review"
	}
	return ""
}

// sameTerms pins a retry to the parties and terms of the settlement's
// earlier attempts. Only the evidence may change between attempts.
func sameTerms(latest *domain.VerificationRecord, req *StartRequest) error {
	reason := fmt.Sprintf("does not match attempt %d", latest.Attempt)
	switch {
	case req.PayerID != latest.PayerID:
		return &domain.ValidationError{Field: "payerId", Reason: reason}
	case req.ReceiverID != latest.ReceiverID:
		return &domain.ValidationError{Field: "receiverId", Reason: reason}
	case !req.ExpectedAmount.Equal(latest.ExpectedAmount):
		return &domain.ValidationError{Field: "expectedAmount", Reason: reason}
	case !strings.EqualFold(req.ExpectedCounterpartyID, latest.ExpectedCounterpartyID):
		return &domain.ValidationError{Field: "expectedCounterpartyId", Reason: reason}
	}
	return nil
}

func (s *Service) extract(ctx context.Context, image []byte) (*domain.Extraction, error) {
	start := time.Now()
	ext, err := s.extractor.ExtractText(ctx, image)
	if err == nil && ext == nil {
		err = &domain.ExtractionFailure{Reason: "engine returned no result"}
	}
	s.metrics.ObserveOCR(err == nil, time.Since(start))
	if err != nil {
		return nil, err
	}
	return ext, nil
}

func (s *Service) replaySignals(ctx context.Context, settlementID, ref string) replay.Signals {
	sig, err := s.replay.Check(ctx, settlementID, ref)
	if err != nil {
		slog.Warn("replay check incomplete",
			"settlement_id", settlementID,
			"error", err,
		)
	}
	return sig
}

func recordParsed(ev *domain.Evidence, data *domain.ExtractedPaymentData, missing []domain.ParseField) {
	ev.ParseFailures = missing
	if data == nil {
		return
	}
	if data.HasAmount() {
		ev.Amount = data.Amount.StringFixed(2)
	}
	ev.CounterpartyID = data.CounterpartyID
	ev.TransactionRef = data.TransactionRef
	if !data.OccurredAt.IsZero() {
		t := data.OccurredAt.UTC()
		ev.OccurredAt = &t
	}
	ev.TimestampConfident = data.TimestampConfident
	ev.StatusKeywordFound = data.StatusKeywordFound
	ev.SourceApp = data.SourceApp
	ev.Bank = data.Bank
}

// normalize validates req in place and returns the decoded image, if any.
func normalize(req *StartRequest) ([]byte, error) {
	req.SettlementID = strings.TrimSpace(req.SettlementID)
	req.PayerID = strings.TrimSpace(req.PayerID)
	req.ReceiverID = strings.TrimSpace(req.ReceiverID)
	req.ExpectedCounterpartyID = strings.ToLower(strings.TrimSpace(req.ExpectedCounterpartyID))

	switch {
	case req.SettlementID == "":
		return nil, &domain.ValidationError{Field: "settlementId", Reason: "is required"}
	case req.PayerID == "":
		return nil, &domain.ValidationError{Field: "payerId", Reason: "is required"}
	case req.ReceiverID == "":
		return nil, &domain.ValidationError{Field: "receiverId", Reason: "is required"}
	case req.PayerID == req.ReceiverID:
		return nil, &domain.ValidationError{Field: "receiverId", Reason: "must differ from payerId"}
	case !req.ExpectedAmount.IsPositive():
		return nil, &domain.ValidationError{Field: "expectedAmount", Reason: "must be positive"}
	case !domain.ValidUPIID(req.ExpectedCounterpartyID):
		return nil, &domain.ValidationError{Field: "expectedCounterpartyId", Reason: "must look like handle@provider"}
	}

	hasText := strings.TrimSpace(req.Evidence.Text) != ""
	hasImage := len(req.Evidence.Image) > 0 || req.Evidence.ImageBase64 != ""
	if hasText == hasImage {
		return nil, &domain.ValidationError{Field: "evidence", Reason: "exactly one of text or image is required"}
	}
	if hasText {
		return nil, nil
	}
	if len(req.Evidence.Image) > 0 {
		return req.Evidence.Image, nil
	}
	return extractor.DecodeBase64Image(req.Evidence.ImageBase64)
}

func lockKey(settlementID string) string {
	return "settlement:" + settlementID
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
