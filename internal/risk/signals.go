package risk

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// canonicalPatterns are the elements a genuine UPI receipt almost always
// shows. Fewer than MinCanonicalPatterns present is suspicious.
var canonicalPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)payment`),
	regexp.MustCompile(`(?i)amount.*₹?\s*\d+`),
	regexp.MustCompile(`(?i)to:?\s*[\w.@]+`),
	regexp.MustCompile(`(?i)(?:ref|id|transaction|txn)`),
	regexp.MustCompile(`\d{1,2}[/-]\d{1,2}`),
	regexp.MustCompile(`(?i)(?:upi|bank)`),
}

// MinCanonicalPatterns is the number of canonical patterns a receipt needs.
const MinCanonicalPatterns = 4

var syntheticRefPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:TEST|SAMPLE|FAKE|DEMO)`),
	regexp.MustCompile(`^[0-9]{6}$`),
	regexp.MustCompile(`(?i)^[A-Z]{6}$`),
	regexp.MustCompile(`123456`),
	regexp.MustCompile(`(?i)ABCDEF`),
}

var editingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:edited|modified|altered|tampered|photoshopped)\b`),
	regexp.MustCompile(`(?i)\b(?:fake|dummy|sample|test)\b`),
	regexp.MustCompile(`(?i)(?:₹|\brs\.?)\s*\d{6,}`),
	regexp.MustCompile(`\d{20,}`),
	regexp.MustCompile(`<[^>]+>`),
	regexp.MustCompile(`(?i)different font|misaligned text|uneven spacing|pixelated text|blurry text|colou?r mismatch`),
}

// CanonicalPatternCount counts how many canonical receipt patterns text shows.
func CanonicalPatternCount(text string) int {
	n := 0
	for _, p := range canonicalPatterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

// IsSyntheticRef reports whether a transaction reference looks made up:
// test/demo prefixes, short sequential runs or one repeated character.
func IsSyntheticRef(ref string) bool {
	if ref == "" {
		return false
	}
	for _, p := range syntheticRefPatterns {
		if p.MatchString(ref) {
			return true
		}
	}
	return len(ref) >= 6 && strings.Count(ref, ref[:1]) == len(ref)
}

// HasEditingArtifacts reports text-level signs of a doctored screenshot.
func HasEditingArtifacts(text string) bool {
	for _, p := range editingPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

var hundred = decimal.NewFromInt(100)

// MismatchPercent returns |extracted-expected| / expected * 100. A
// non-positive expected value counts as a full mismatch.
func MismatchPercent(extracted, expected decimal.Decimal) float64 {
	if !expected.IsPositive() {
		return 100
	}
	return extracted.Sub(expected).Abs().Div(expected).Mul(hundred).InexactFloat64()
}
