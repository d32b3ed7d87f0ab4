package domain

import (
	"context"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// SourceApp identifies the UPI app a screenshot was taken from.
type SourceApp string

const (
	AppGooglePay   SourceApp = "GOOGLE_PAY"
	AppPhonePe     SourceApp = "PHONEPE"
	AppPaytm       SourceApp = "PAYTM"
	AppBhim        SourceApp = "BHIM"
	AppAmazonPay   SourceApp = "AMAZON_PAY"
	AppWhatsAppPay SourceApp = "WHATSAPP_PAY"
	AppOther       SourceApp = "OTHER"
)

// ExtractedPaymentData holds the payment facts located in OCR text.
// It is derived purely from text and is never persisted on its own.
type ExtractedPaymentData struct {
	Amount         decimal.Decimal `json:"amount"`
	CounterpartyID string          `json:"counterpartyId"`
	TransactionRef string          `json:"transactionRef,omitempty"`
	OccurredAt     time.Time       `json:"occurredAt"`

	// TimestampConfident is false when no date+time pair could be combined
	// and OccurredAt fell back to the parse time.
	TimestampConfident bool      `json:"timestampConfident"`
	StatusKeywordFound bool      `json:"statusKeywordFound"`
	SourceApp          SourceApp `json:"sourceApp"`
	Bank               string    `json:"bank,omitempty"`
}

// HasAmount reports whether an amount was located.
func (d *ExtractedPaymentData) HasAmount() bool {
	return d != nil && d.Amount.IsPositive()
}

// Extraction is the output of an OCR pass over an image.
type Extraction struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0..100
}

// TextExtractor turns a payment screenshot into text.
// Implementations return *ExtractionFailure when the image cannot be processed.
type TextExtractor interface {
	ExtractText(ctx context.Context, image []byte) (*Extraction, error)
}

var upiIDFormat = regexp.MustCompile(`^[a-zA-Z0-9.\-_]+@[a-zA-Z]+(?:\.\w+)?$`)

// ValidUPIID reports whether s is a well-formed "handle@provider" address.
func ValidUPIID(s string) bool {
	return upiIDFormat.MatchString(s)
}
