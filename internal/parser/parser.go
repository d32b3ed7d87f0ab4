// Package parser extracts structured payment facts from UPI screenshot text.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	amountPattern = regexp.MustCompile(`(?i)(?:₹|\brs\.?|\binr\b|\bamount\b)[\s:]*(\d[\d,]*(?:\.\d+)?)`)
	upiIDPattern  = regexp.MustCompile(`[\w.\-]+@[\w.]+`)

	// Label is case-insensitive; the token itself must be upper-case
	// alphanumerics so words like "successful" are never taken as a ref.
	refPattern = regexp.MustCompile(`(?i:\b(?:utr|ref(?:erence)?|transaction|txn|id)\b(?:\s*(?:no|number|id)\b)?)[\s#:.\-]*([A-Z0-9]{6,})\b`)

	numericDatePattern = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{2,4})\b`)
	namedDatePattern   = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*,?\s+(\d{4})\b`)
	timePattern        = regexp.MustCompile(`(?i)\b(\d{1,2}):(\d{2})(?::(\d{2}))?(?:\s*([ap])\.?\s*m\b\.?)?`)

	successPattern = regexp.MustCompile(`(?i)\b(?:success(?:ful(?:ly)?)?|completed|paid|credited)\b`)
)

var refStopWords = map[string]struct{}{
	"SUCCESS": {}, "SUCCESSFUL": {}, "COMPLETED": {}, "FAILED": {},
	"PENDING": {}, "CREDITED": {}, "DEBITED": {}, "NUMBER": {},
}

var appPatterns = []struct {
	app     domain.SourceApp
	pattern *regexp.Regexp
}{
	{domain.AppGooglePay, regexp.MustCompile(`(?i)google\s*pay|\bgpay\b`)},
	{domain.AppPhonePe, regexp.MustCompile(`(?i)phone\s*pe`)},
	{domain.AppPaytm, regexp.MustCompile(`(?i)paytm`)},
	{domain.AppBhim, regexp.MustCompile(`(?i)\bbhim\b`)},
	{domain.AppAmazonPay, regexp.MustCompile(`(?i)amazon\s*pay`)},
	{domain.AppWhatsAppPay, regexp.MustCompile(`(?i)whats\s*app\s*pay`)},
}

var bankPatterns = []struct {
	bank    string
	pattern *regexp.Regexp
}{
	{"AXIS", regexp.MustCompile(`(?i)\baxis\b`)},
	{"HDFC", regexp.MustCompile(`(?i)\bhdfc\b`)},
	{"ICICI", regexp.MustCompile(`(?i)\bicici\b`)},
	{"SBI", regexp.MustCompile(`(?i)\bsbi\b|state bank`)},
	{"YES", regexp.MustCompile(`(?i)\byes\s*bank\b`)},
	{"KOTAK", regexp.MustCompile(`(?i)\bkotak\b`)},
	{"UNION", regexp.MustCompile(`(?i)\bunion\s*bank\b`)},
}

var monthsByPrefix = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// Parser extracts ExtractedPaymentData from raw OCR text.
// It holds no mutable state and is safe for concurrent use.
type Parser struct {
	now      func() time.Time
	location *time.Location
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock sets the clock used for the timestamp fallback.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithLocation sets the zone screenshot timestamps are read in.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) {
		if loc != nil {
			p.location = loc
		}
	}
}

// New creates a parser. Timestamps default to UTC.
func New(opts ...Option) *Parser {
	p := &Parser{
		now:      time.Now,
		location: time.UTC,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse extracts payment facts from text. When the amount or the UPI id
// cannot be located it returns the partial data together with a
// *domain.ParseError listing what is missing.
func (p *Parser) Parse(text string) (*domain.ExtractedPaymentData, error) {
	data := &domain.ExtractedPaymentData{
		SourceApp: DetectApp(text),
		Bank:      DetectBank(text),
	}

	var missing []domain.ParseField

	amount, ok := largestAmount(text)
	if ok {
		data.Amount = amount
	} else {
		missing = append(missing, domain.MissingAmount)
	}

	if id := upiIDPattern.FindString(text); id != "" {
		data.CounterpartyID = strings.ToLower(strings.TrimRight(id, "."))
	} else {
		missing = append(missing, domain.MissingUPIID)
	}

	data.TransactionRef = transactionRef(text)
	data.StatusKeywordFound = successPattern.MatchString(text)
	data.OccurredAt, data.TimestampConfident = p.timestamp(text)

	if len(missing) > 0 {
		return data, &domain.ParseError{Missing: missing}
	}
	return data, nil
}

// largestAmount returns the biggest currency-labelled value. Screenshots
// often show fees or balances next to the paid amount.
func largestAmount(text string) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, m := range amountPattern.FindAllStringSubmatch(text, -1) {
		v, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err != nil || !v.IsPositive() {
			continue
		}
		if !found || v.GreaterThan(best) {
			best = v
			found = true
		}
	}
	return best, found
}

func transactionRef(text string) string {
	for _, m := range refPattern.FindAllStringSubmatch(text, -1) {
		token := strings.ToUpper(m[1])
		if _, stop := refStopWords[token]; stop {
			continue
		}
		return token
	}
	return ""
}

// timestamp combines the first date and first time token. Without both it
// falls back to the parser clock and reports low confidence.
func (p *Parser) timestamp(text string) (time.Time, bool) {
	fallback := p.now().In(p.location)

	year, month, day, ok := firstDate(text)
	if !ok {
		return fallback, false
	}
	hour, minute, second, ok := firstTime(text)
	if !ok {
		return fallback, false
	}

	t := time.Date(year, month, day, hour, minute, second, 0, p.location)
	// time.Date normalizes overflow; reject dates like 31/02.
	if t.Day() != day || t.Month() != month {
		return fallback, false
	}
	return t, true
}

func firstDate(text string) (int, time.Month, int, bool) {
	numeric := numericDatePattern.FindStringSubmatchIndex(text)
	named := namedDatePattern.FindStringSubmatchIndex(text)

	switch {
	case numeric != nil && (named == nil || numeric[0] < named[0]):
		day, _ := strconv.Atoi(text[numeric[2]:numeric[3]])
		mon, _ := strconv.Atoi(text[numeric[4]:numeric[5]])
		year, _ := strconv.Atoi(text[numeric[6]:numeric[7]])
		if mon < 1 || mon > 12 || day < 1 || day > 31 {
			return 0, 0, 0, false
		}
		return normalizeYear(year), time.Month(mon), day, true
	case named != nil:
		day, _ := strconv.Atoi(text[named[2]:named[3]])
		mon := monthsByPrefix[strings.ToLower(text[named[4]:named[5]])]
		year, _ := strconv.Atoi(text[named[6]:named[7]])
		if day < 1 || day > 31 {
			return 0, 0, 0, false
		}
		return year, mon, day, true
	}
	return 0, 0, 0, false
}

func normalizeYear(year int) int {
	if year < 100 {
		return 2000 + year
	}
	return year
}

func firstTime(text string) (int, int, int, bool) {
	m := timePattern.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, 0, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	second := 0
	if m[3] != "" {
		second, _ = strconv.Atoi(m[3])
	}

	switch strings.ToLower(m[4]) {
	case "a":
		if hour == 12 {
			hour = 0
		}
	case "p":
		if hour < 12 {
			hour += 12
		}
	}

	if hour > 23 || minute > 59 || second > 59 {
		return 0, 0, 0, false
	}
	return hour, minute, second, true
}

// DetectApp identifies the payment app named in text.
func DetectApp(text string) domain.SourceApp {
	for _, a := range appPatterns {
		if a.pattern.MatchString(text) {
			return a.app
		}
	}
	return domain.AppOther
}

// DetectBank returns the first known bank named in text, or "".
func DetectBank(text string) string {
	for _, b := range bankPatterns {
		if b.pattern.MatchString(text) {
			return b.bank
		}
	}
	return ""
}
