package risk

import (
	"testing"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/shopspring/decimal"
)

const cleanReceipt = `Payment Successful
Transaction successful
Amount ₹500.00
To: alice@okaxis
12/03/2024 2:30 pm
HDFC Bank UPI`

func newTestScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewDefaultScorer(DefaultConfig())
	if err != nil {
		t.Fatalf("failed to create scorer: %v", err)
	}
	return s
}

func cleanInput() Input {
	return Input{
		Data: &domain.ExtractedPaymentData{
			Amount:             decimal.RequireFromString("500.00"),
			CounterpartyID:     "alice@okaxis",
			OccurredAt:         time.Date(2024, 3, 12, 14, 30, 0, 0, time.UTC),
			TimestampConfident: true,
			StatusKeywordFound: true,
		},
		RawText:                cleanReceipt,
		ExpectedAmount:         decimal.RequireFromString("500.00"),
		ExpectedCounterpartyID: "alice@okaxis",
	}
}

func TestDefaultRulesCompile(t *testing.T) {
	s := newTestScorer(t)
	if len(s.Rules()) != len(DefaultRules()) {
		t.Errorf("expected %d rules, got %d", len(DefaultRules()), len(s.Rules()))
	}
}

func TestRuleValidation(t *testing.T) {
	s := newTestScorer(t)

	tests := []struct {
		name string
		rule Rule
	}{
		{"syntax", Rule{Code: domain.FlagUnusualTime, Expression: "this is not CEL !!!"}},
		{"non bool", Rule{Code: domain.FlagUnusualTime, Expression: "amount_mismatch_pct * 2.0"}},
		{"unknown variable", Rule{Code: domain.FlagUnusualTime, Expression: "velocity_count > 3"}},
		{"unknown code", Rule{Code: "NOT_A_FLAG", Expression: "unusual_hour"}},
		{"negative weight", Rule{Code: domain.FlagUnusualTime, Expression: "unusual_hour", Weight: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.ValidateRule(tt.rule); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCleanReceiptScoresLow(t *testing.T) {
	in := cleanInput()
	in.Data.TransactionRef = "309876543210"

	got := newTestScorer(t).Assess(in)
	if got.Score != 0 {
		t.Errorf("expected score 0, got %d (flags %v)", got.Score, got.Flags)
	}
	if got.Level != domain.RiskLow {
		t.Errorf("expected LOW, got %s", got.Level)
	}
	if got.RecommendedAction != domain.ActionAutoVerify {
		t.Errorf("expected AUTO_VERIFY, got %s", got.RecommendedAction)
	}
}

func TestMissingRefIsMinor(t *testing.T) {
	got := newTestScorer(t).Assess(cleanInput())
	if got.Score < 1 || got.Score > 5 {
		t.Errorf("expected score in 1..5, got %d", got.Score)
	}
	if !got.Flags.Has(domain.FlagMissingTransactionRef) {
		t.Errorf("expected MISSING_TRANSACTION_REF, got %v", got.Flags)
	}
}

func TestCounterpartyMismatch(t *testing.T) {
	in := cleanInput()
	in.Data.CounterpartyID = "bob@okaxis"

	got := newTestScorer(t).Assess(in)
	if got.Score < 50 {
		t.Errorf("expected score >= 50, got %d", got.Score)
	}
	if got.RecommendedAction != domain.ActionReject {
		t.Errorf("expected REJECT, got %s", got.RecommendedAction)
	}
	if !got.Flags.Has(domain.FlagUPIIDMismatch) {
		t.Errorf("expected UPI_ID_MISMATCH, got %v", got.Flags)
	}
}

func TestCounterpartyMatchIgnoresCase(t *testing.T) {
	in := cleanInput()
	in.Data.CounterpartyID = "Alice@OKAXIS"
	if got := newTestScorer(t).Assess(in); got.Flags.Has(domain.FlagUPIIDMismatch) {
		t.Error("case difference must not be a mismatch")
	}
}

func TestAmountMismatchBands(t *testing.T) {
	tests := []struct {
		extracted string
		want      domain.FlagCode
		weight    int
	}{
		{"850.00", domain.FlagAmountMismatchCritical, 48},
		{"920.00", domain.FlagAmountMismatchSignificant, 28},
		{"970.00", domain.FlagAmountMismatchMinor, 12},
		{"995.00", domain.FlagAmountMismatchTrivial, 5},
	}

	s := newTestScorer(t)
	for _, tt := range tests {
		t.Run(tt.extracted, func(t *testing.T) {
			in := cleanInput()
			in.Data.TransactionRef = "309876543210"
			in.Data.Amount = decimal.RequireFromString(tt.extracted)
			in.ExpectedAmount = decimal.RequireFromString("1000.00")

			got := s.Assess(in)
			if !got.Flags.Has(tt.want) {
				t.Fatalf("expected %s, got %v", tt.want, got.Flags)
			}
			if len(got.Flags) != 1 {
				t.Errorf("expected a single flag, got %v", got.Flags)
			}
			if tt.want != domain.FlagAmountMismatchCritical && got.Score != tt.weight {
				t.Errorf("expected score %d, got %d", tt.weight, got.Score)
			}
		})
	}
}

func TestAmountMismatchScoreNeverDecreases(t *testing.T) {
	// Band edges (0.1, 1, 5, 10) are included exactly.
	percents := []string{"0", "0.05", "0.1", "0.11", "0.5", "1", "1.01", "2", "5", "5.01", "7", "10", "10.01", "10.5", "20", "50", "90"}
	expected := decimal.RequireFromString("1000.00")
	s := newTestScorer(t)

	for _, dir := range []struct {
		name string
		sign int64
	}{{"Underpaid", -1}, {"Overpaid", 1}} {
		t.Run(dir.name, func(t *testing.T) {
			prevScore, prevPct := -1, -1.0
			for _, p := range percents {
				delta := expected.Mul(decimal.RequireFromString(p)).Div(decimal.NewFromInt(100))
				in := cleanInput()
				in.Data.TransactionRef = "309876543210"
				in.ExpectedAmount = expected
				in.Data.Amount = expected.Add(delta.Mul(decimal.NewFromInt(dir.sign)))

				pct := MismatchPercent(in.Data.Amount, expected)
				if pct < prevPct {
					t.Fatalf("%s%%: mismatch percent went from %v to %v", p, prevPct, pct)
				}
				score := s.Assess(in).Score
				if score < prevScore {
					t.Errorf("%s%%: score dropped from %d to %d", p, prevScore, score)
				}
				prevScore, prevPct = score, pct
			}
			if prevScore < 48 {
				t.Errorf("expected a 90%% mismatch to score at least 48, got %d", prevScore)
			}
		})
	}
}

func TestCriticalAmountMismatchReachesHigh(t *testing.T) {
	in := cleanInput()
	in.Data.Amount = decimal.RequireFromString("850.00")
	in.ExpectedAmount = decimal.RequireFromString("1000.00")

	got := newTestScorer(t).Assess(in)
	if got.Level != domain.RiskHigh && got.Level != domain.RiskCritical {
		t.Errorf("expected level >= HIGH, got %s (score %d)", got.Level, got.Score)
	}
	if got.RecommendedAction != domain.ActionReject {
		t.Errorf("expected REJECT, got %s", got.RecommendedAction)
	}
}

func TestZeroExpectedAmount(t *testing.T) {
	in := cleanInput()
	in.ExpectedAmount = decimal.Zero

	got := newTestScorer(t).Assess(in)
	if !got.Flags.Has(domain.FlagAmountMismatchCritical) {
		t.Errorf("expected AMOUNT_MISMATCH_CRITICAL, got %v", got.Flags)
	}
}

func TestMissingDataForcesReview(t *testing.T) {
	in := cleanInput()
	in.Data.Amount = decimal.Zero
	in.Missing = []domain.ParseField{domain.MissingAmount}

	got := newTestScorer(t).Assess(in)
	if !got.Flags.Has(domain.FlagMissingData) {
		t.Errorf("expected MISSING_DATA, got %v", got.Flags)
	}
	if got.Flags.HasAny(domain.FlagAmountMismatchCritical, domain.FlagAmountMismatchTrivial) {
		t.Errorf("missing amount must not be scored as a mismatch: %v", got.Flags)
	}
	if got.RecommendedAction != domain.ActionManualReview {
		t.Errorf("expected MANUAL_REVIEW, got %s", got.RecommendedAction)
	}
}

func TestMissingCounterpartyIsNotMismatch(t *testing.T) {
	in := cleanInput()
	in.Data.CounterpartyID = ""
	in.Missing = []domain.ParseField{domain.MissingUPIID}

	got := newTestScorer(t).Assess(in)
	if got.Flags.Has(domain.FlagUPIIDMismatch) {
		t.Errorf("missing id must not be scored as a mismatch: %v", got.Flags)
	}
}

func TestExtractionFailure(t *testing.T) {
	got := AssessExtractionFailure()
	if got.Score != 0 {
		t.Errorf("expected score 0, got %d", got.Score)
	}
	if !got.Flags.Has(domain.FlagMissingData) || !got.Flags.Has(domain.FlagExtractionFailed) {
		t.Errorf("expected MISSING_DATA and EXTRACTION_FAILED, got %v", got.Flags)
	}
	if got.RecommendedAction != domain.ActionManualReview {
		t.Errorf("expected MANUAL_REVIEW, got %s", got.RecommendedAction)
	}
}

func TestScoreIsCapped(t *testing.T) {
	in := Input{
		Data: &domain.ExtractedPaymentData{
			Amount:         decimal.RequireFromString("10"),
			CounterpartyID: "mallory@ybl",
			TransactionRef: "TEST000001",
			OccurredAt:     time.Date(2024, 3, 12, 3, 0, 0, 0, time.UTC),
		},
		RawText:                "edited <b>fake</b>",
		ExpectedAmount:         decimal.RequireFromString("1000"),
		ExpectedCounterpartyID: "alice@okaxis",
		DuplicateRef:           true,
		RecentAttempts:         9,
	}
	conf := 20.0
	in.OCRConfidence = &conf

	got := newTestScorer(t).Assess(in)
	if got.Score != domain.MaxRiskScore {
		t.Errorf("expected score %d, got %d", domain.MaxRiskScore, got.Score)
	}
	if got.Level != domain.RiskCritical {
		t.Errorf("expected CRITICAL, got %s", got.Level)
	}
	if got.RecommendedAction != domain.ActionReject {
		t.Errorf("expected REJECT, got %s", got.RecommendedAction)
	}
	if len(got.Recommendations) == 0 || got.Recommendations[0] != "REJECT_TRANSACTION" {
		t.Errorf("unexpected recommendations %v", got.Recommendations)
	}
}

func TestAddingEvidenceNeverLowersScore(t *testing.T) {
	s := newTestScorer(t)

	in := cleanInput()
	prev := s.Assess(in).Score

	steps := []func(*Input){
		func(in *Input) { in.Data.StatusKeywordFound = false },
		func(in *Input) { in.Data.TransactionRef = "DEMO42ABCD" },
		func(in *Input) { in.DuplicateRef = true },
		func(in *Input) { in.RecentAttempts = 5 },
		func(in *Input) { in.RawText += "\nmisaligned text" },
		func(in *Input) { in.Data.CounterpartyID = "eve@ybl" },
	}
	for i, step := range steps {
		step(&in)
		score := s.Assess(in).Score
		if score < prev {
			t.Errorf("step %d: score dropped from %d to %d", i, prev, score)
		}
		prev = score
	}
}

func TestUnusualHourWindow(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
		hour       int
		want       bool
	}{
		{"inside", 0, 5, 3, true},
		{"edge", 0, 5, 5, true},
		{"outside", 0, 5, 6, false},
		{"wrapped late", 22, 4, 23, true},
		{"wrapped early", 22, 4, 2, true},
		{"wrapped outside", 22, 4, 12, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewDefaultScorer(Config{UnusualHourStart: tt.start, UnusualHourEnd: tt.end})
			if err != nil {
				t.Fatal(err)
			}
			at := time.Date(2024, 1, 1, tt.hour, 0, 0, 0, time.UTC)
			if got := s.unusualHour(at); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFallbackTimestampNotUnusual(t *testing.T) {
	s := newTestScorer(t)
	in := cleanInput()
	in.Data.OccurredAt = time.Date(2024, 3, 12, 3, 0, 0, 0, time.UTC)

	if !s.Assess(in).Flags.Has(domain.FlagUnusualTime) {
		t.Fatal("expected UNUSUAL_TIME for a 03:00 payment")
	}

	in.Data.TimestampConfident = false
	flags := s.Assess(in).Flags
	if flags.Has(domain.FlagUnusualTime) {
		t.Error("a fallback timestamp must not raise UNUSUAL_TIME")
	}
	if !flags.Has(domain.FlagTimestampUnverified) {
		t.Error("expected TIMESTAMP_UNVERIFIED")
	}
}

func TestLowOCRConfidence(t *testing.T) {
	s := newTestScorer(t)
	in := cleanInput()

	if s.Assess(in).Flags.Has(domain.FlagLowOCRConfidence) {
		t.Error("text without OCR confidence must not be flagged")
	}

	low := 42.0
	in.OCRConfidence = &low
	if !s.Assess(in).Flags.Has(domain.FlagLowOCRConfidence) {
		t.Error("expected LOW_OCR_CONFIDENCE")
	}
}
