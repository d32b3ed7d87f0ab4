package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

// HTTPExtractor calls an OCR sidecar that accepts
// {"image": base64, "format": "png"} and answers
// {"text": "...", "confidence": 0..100}.
type HTTPExtractor struct {
	endpoint string
	client   *http.Client
}

// NewHTTPExtractor creates a client for the OCR service at endpoint.
func NewHTTPExtractor(endpoint string, client *http.Client) *HTTPExtractor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPExtractor{endpoint: endpoint, client: client}
}

type ocrRequest struct {
	Image  string `json:"image"`
	Format string `json:"format"`
}

type ocrResponse struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// ExtractText implements domain.TextExtractor.
func (h *HTTPExtractor) ExtractText(ctx context.Context, image []byte) (*domain.Extraction, error) {
	format, err := SniffFormat(image)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(ocrRequest{
		Image:  base64.StdEncoding.EncodeToString(image),
		Format: format,
	})
	if err != nil {
		return nil, &domain.ExtractionFailure{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.ExtractionFailure{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &domain.ExtractionFailure{Reason: "ocr engine unavailable", Err: err}
	}
	defer resp.Body.Close()

	var out ocrResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, &domain.ExtractionFailure{
			Reason: fmt.Sprintf("unreadable ocr response (status %d)", resp.StatusCode),
			Err:    err,
		}
	}
	if resp.StatusCode != http.StatusOK {
		reason := out.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return nil, &domain.ExtractionFailure{Reason: fmt.Sprintf("ocr engine returned %d: %s", resp.StatusCode, reason)}
	}

	slog.Debug("ocr extraction complete",
		"format", format,
		"bytes", len(image),
		"confidence", out.Confidence,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &domain.Extraction{Text: out.Text, Confidence: clampConfidence(out.Confidence)}, nil
}

func clampConfidence(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 100:
		return 100
	default:
		return c
	}
}

// Unavailable is the extractor used when no OCR endpoint is configured.
// Every image degrades to manual review.
var Unavailable = Func(func(context.Context, []byte) (*domain.Extraction, error) {
	return nil, &domain.ExtractionFailure{Reason: "no ocr engine configured"}
})
