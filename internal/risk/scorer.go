// Package risk scores payment evidence against the expected settlement.
//
// Scoring is table driven: each Rule is a CEL boolean over a fixed set of
// variables derived from the evidence, and every rule that holds adds its
// weight and flag. The scorer is pure and safe for concurrent use.
package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/harsaa34/trustmate/internal/domain"
)

// overrideScoreFloor is the minimum score once a hard mismatch is found.
const overrideScoreFloor = domain.HighRiskThreshold

// overrideFlags force a Reject regardless of the summed score.
var overrideFlags = []domain.FlagCode{
	domain.FlagUPIIDMismatch,
	domain.FlagAmountMismatchCritical,
}

// reviewFlags force at least a manual review.
var reviewFlags = []domain.FlagCode{
	domain.FlagMissingData,
	domain.FlagExtractionFailed,
	domain.FlagDuplicateTransactionRef,
}

// Config tunes the non-weight parts of scoring.
type Config struct {
	// UnusualHourStart and UnusualHourEnd bound the inclusive window of
	// local hours flagged as UNUSUAL_TIME. Start > End wraps midnight.
	UnusualHourStart int
	UnusualHourEnd   int
	Location         *time.Location
}

// DefaultConfig flags payments made between 00:00 and 05:59 UTC.
func DefaultConfig() Config {
	return Config{UnusualHourStart: 0, UnusualHourEnd: 5, Location: time.UTC}
}

// Input is everything the scorer looks at.
type Input struct {
	Data                   *domain.ExtractedPaymentData
	Missing                []domain.ParseField
	RawText                string
	OCRConfidence          *float64
	ExpectedAmount         decimal.Decimal
	ExpectedCounterpartyID string
	DuplicateRef           bool
	RecentAttempts         int
}

type compiledRule struct {
	Rule
	program cel.Program
}

// Scorer evaluates a weight table.
type Scorer struct {
	env   *cel.Env
	rules []compiledRule
	cfg   Config
}

// NewScorer compiles rules. Every expression must be boolean.
func NewScorer(rules []Rule, cfg Config) (*Scorer, error) {
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	s := &Scorer{env: env, cfg: cfg, rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		c, err := s.compileRule(r)
		if err != nil {
			return nil, err
		}
		s.rules = append(s.rules, c)
	}
	return s, nil
}

// NewDefaultScorer returns a scorer over DefaultRules.
func NewDefaultScorer(cfg Config) (*Scorer, error) {
	return NewScorer(DefaultRules(), cfg)
}

func newEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount_mismatch_pct", cel.DoubleType),
		cel.Variable("counterparty_match", cel.BoolType),
		cel.Variable("status_keyword", cel.BoolType),
		cel.Variable("pattern_count", cel.IntType),
		cel.Variable("synthetic_ref", cel.BoolType),
		cel.Variable("ref_present", cel.BoolType),
		cel.Variable("unusual_hour", cel.BoolType),
		cel.Variable("timestamp_confident", cel.BoolType),
		cel.Variable("editing_artifacts", cel.BoolType),
		// -1 when the text did not come from OCR
		cel.Variable("ocr_confidence", cel.DoubleType),
		cel.Variable("duplicate_ref", cel.BoolType),
		cel.Variable("recent_attempts", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// ValidateRule compiles a rule without loading it.
func (s *Scorer) ValidateRule(r Rule) error {
	_, err := s.compileRule(r)
	return err
}

func (s *Scorer) compileRule(r Rule) (compiledRule, error) {
	if !r.Code.Valid() {
		return compiledRule{}, fmt.Errorf("rule has unknown flag code %q", r.Code)
	}
	if r.Weight < 0 {
		return compiledRule{}, fmt.Errorf("rule %s: weight must not be negative", r.Code)
	}

	ast, issues := s.env.Compile(r.Expression)
	if issues != nil && issues.Err() != nil {
		return compiledRule{}, fmt.Errorf("failed to compile rule %s: %w", r.Code, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return compiledRule{}, fmt.Errorf("rule %s: expression must return bool, got %s", r.Code, ast.OutputType())
	}

	program, err := s.env.Program(ast)
	if err != nil {
		return compiledRule{}, fmt.Errorf("failed to create program for rule %s: %w", r.Code, err)
	}
	return compiledRule{Rule: r, program: program}, nil
}

// Rules returns the loaded weight table.
func (s *Scorer) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Rule
	}
	return out
}

// Assess scores one piece of evidence. A rule that fails to evaluate is
// skipped; the default table has no such expressions.
func (s *Scorer) Assess(in Input) domain.RiskAssessment {
	activation := s.activation(in)

	score := 0
	flags := domain.NewFlagSet()
	for _, r := range s.rules {
		out, _, err := r.program.Eval(activation)
		if err != nil {
			continue
		}
		if hit, ok := out.Value().(bool); ok && hit {
			score += r.Weight
			flags = flags.With(r.Code)
		}
	}
	if len(in.Missing) > 0 {
		flags = flags.With(domain.FlagMissingData)
	}

	return finish(score, flags)
}

// AssessExtractionFailure is the verdict when no text could be read.
func AssessExtractionFailure() domain.RiskAssessment {
	return finish(0, domain.NewFlagSet(domain.FlagMissingData, domain.FlagExtractionFailed))
}

func finish(score int, flags domain.FlagSet) domain.RiskAssessment {
	if score > domain.MaxRiskScore {
		score = domain.MaxRiskScore
	}

	override := flags.HasAny(overrideFlags...)
	if override && score < overrideScoreFloor {
		score = overrideScoreFloor
	}

	level := domain.LevelForScore(score)
	action := actionForLevel(level)
	if override {
		action = domain.ActionReject
	}
	if flags.HasAny(reviewFlags...) {
		action = action.AtLeast(domain.ActionManualReview)
	}

	return domain.RiskAssessment{
		Score:             score,
		Level:             level,
		Flags:             flags,
		RecommendedAction: action,
		Recommendations:   Recommendations(level),
	}
}

func actionForLevel(level domain.RiskLevel) domain.RecommendedAction {
	switch level {
	case domain.RiskCritical:
		return domain.ActionReject
	case domain.RiskHigh:
		return domain.ActionManualReview
	case domain.RiskMedium:
		return domain.ActionRequireReceiverConfirmation
	default:
		return domain.ActionAutoVerify
	}
}

func (s *Scorer) activation(in Input) map[string]any {
	data := in.Data
	if data == nil {
		data = &domain.ExtractedPaymentData{}
	}

	missingAmount, missingID := false, false
	for _, f := range in.Missing {
		switch f {
		case domain.MissingAmount:
			missingAmount = true
		case domain.MissingUPIID:
			missingID = true
		}
	}

	pct := 0.0
	if !missingAmount {
		pct = MismatchPercent(data.Amount, in.ExpectedAmount)
	}

	// An id that could not be read is reported as MISSING_DATA, not as a
	// mismatch.
	match := true
	if !missingID {
		match = strings.EqualFold(strings.TrimSpace(data.CounterpartyID), strings.TrimSpace(in.ExpectedCounterpartyID))
	}

	ocr := -1.0
	if in.OCRConfidence != nil {
		ocr = *in.OCRConfidence
	}

	return map[string]any{
		"amount_mismatch_pct": pct,
		"counterparty_match":  match,
		"status_keyword":      data.StatusKeywordFound,
		"pattern_count":       int64(CanonicalPatternCount(in.RawText)),
		"synthetic_ref":       IsSyntheticRef(data.TransactionRef),
		"ref_present":         data.TransactionRef != "",
		"unusual_hour":        data.TimestampConfident && s.unusualHour(data.OccurredAt),
		"timestamp_confident": data.TimestampConfident,
		"editing_artifacts":   HasEditingArtifacts(in.RawText),
		"ocr_confidence":      ocr,
		"duplicate_ref":       in.DuplicateRef,
		"recent_attempts":     int64(in.RecentAttempts),
	}
}

func (s *Scorer) unusualHour(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	h := t.In(s.cfg.Location).Hour()
	start, end := s.cfg.UnusualHourStart, s.cfg.UnusualHourEnd
	if start <= end {
		return h >= start && h <= end
	}
	return h >= start || h <= end
}
