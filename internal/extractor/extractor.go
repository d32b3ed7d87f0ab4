// Package extractor provides TextExtractor implementations.
package extractor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

// Func adapts a plain function to domain.TextExtractor.
type Func func(ctx context.Context, image []byte) (*domain.Extraction, error)

// ExtractText calls f.
func (f Func) ExtractText(ctx context.Context, image []byte) (*domain.Extraction, error) {
	return f(ctx, image)
}

var supportedFormats = map[string]string{
	"image/png":  "png",
	"image/jpeg": "jpeg",
	"image/webp": "webp",
	"image/gif":  "gif",
	"image/bmp":  "bmp",
}

// SniffFormat returns the short image format name or an ExtractionFailure
// for data that is not a supported image.
func SniffFormat(image []byte) (string, error) {
	if len(image) == 0 {
		return "", &domain.ExtractionFailure{Reason: "empty image"}
	}
	ct := http.DetectContentType(image)
	if f, ok := supportedFormats[ct]; ok {
		return f, nil
	}
	return "", &domain.ExtractionFailure{Reason: "unsupported image format " + ct}
}

// DecodeBase64Image decodes a base64 image, with or without a
// "data:image/...;base64," prefix.
func DecodeBase64Image(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		i := strings.Index(s, ",")
		if i < 0 || !strings.HasSuffix(s[:i], ";base64") {
			return nil, &domain.ValidationError{Field: "imageBase64", Reason: "malformed data URL"}
		}
		s = s[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// Some clients strip padding.
		if data, err = base64.RawStdEncoding.DecodeString(s); err != nil {
			return nil, &domain.ValidationError{Field: "imageBase64", Reason: "not valid base64"}
		}
	}
	if len(data) == 0 {
		return nil, &domain.ValidationError{Field: "imageBase64", Reason: "empty image"}
	}
	return data, nil
}

type timeoutExtractor struct {
	next    domain.TextExtractor
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. A call that overruns returns
// an ExtractionFailure even if next ignores its context.
func WithTimeout(next domain.TextExtractor, d time.Duration) domain.TextExtractor {
	if d <= 0 {
		return next
	}
	return &timeoutExtractor{next: next, timeout: d}
}

type extractResult struct {
	ext *domain.Extraction
	err error
}

func (t *timeoutExtractor) ExtractText(ctx context.Context, image []byte) (*domain.Extraction, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan extractResult, 1)
	go func() {
		ext, err := t.next.ExtractText(ctx, image)
		done <- extractResult{ext, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, asFailure(r.err)
		}
		return r.ext, nil
	case <-ctx.Done():
		return nil, &domain.ExtractionFailure{
			Reason: fmt.Sprintf("timed out after %s", t.timeout),
			Err:    ctx.Err(),
		}
	}
}

func asFailure(err error) error {
	var ef *domain.ExtractionFailure
	if errors.As(err, &ef) {
		return err
	}
	return &domain.ExtractionFailure{Reason: "extractor error", Err: err}
}
