package extractor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

// pngHeader is enough for content sniffing.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestSniffFormat(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    string
		wantErr bool
	}{
		{"png", pngHeader, "png", false},
		{"jpeg", []byte("\xff\xd8\xff\xe0\x00\x10JFIF"), "jpeg", false},
		{"gif", []byte("GIF89a\x01\x00"), "gif", false},
		{"text", []byte("hello world"), "", true},
		{"empty", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SniffFormat(tt.data)
			if tt.wantErr {
				var ef *domain.ExtractionFailure
				if !errors.As(err, &ef) {
					t.Fatalf("expected ExtractionFailure, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestDecodeBase64Image(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString(pngHeader)

	t.Run("plain", func(t *testing.T) {
		data, err := DecodeBase64Image(enc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != string(pngHeader) {
			t.Error("decoded bytes differ")
		}
	})

	t.Run("data url", func(t *testing.T) {
		data, err := DecodeBase64Image("data:image/png;base64," + enc)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != string(pngHeader) {
			t.Error("decoded bytes differ")
		}
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := DecodeBase64Image("!!not base64!!")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("bad data url", func(t *testing.T) {
		_, err := DecodeBase64Image("data:image/png," + enc)
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestHTTPExtractor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ocrRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(ocrResponse{Error: "bad json"})
			return
		}
		if req.Format != "png" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(ocrResponse{Error: "unexpected format " + req.Format})
			return
		}
		json.NewEncoder(w).Encode(ocrResponse{Text: "Paid ₹500 to alice@okaxis", Confidence: 140})
	}))
	defer server.Close()

	ext := NewHTTPExtractor(server.URL, server.Client())

	got, err := ext.ExtractText(context.Background(), pngHeader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "Paid ₹500 to alice@okaxis" {
		t.Errorf("unexpected text %q", got.Text)
	}
	if got.Confidence != 100 {
		t.Errorf("expected confidence clamped to 100, got %v", got.Confidence)
	}
}

func TestHTTPExtractorFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ocrResponse{Error: "engine warming up"})
	}))
	defer server.Close()

	ext := NewHTTPExtractor(server.URL, server.Client())

	t.Run("engine error", func(t *testing.T) {
		_, err := ext.ExtractText(context.Background(), pngHeader)
		var ef *domain.ExtractionFailure
		if !errors.As(err, &ef) {
			t.Fatalf("expected ExtractionFailure, got %v", err)
		}
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := ext.ExtractText(context.Background(), []byte("plain text"))
		var ef *domain.ExtractionFailure
		if !errors.As(err, &ef) {
			t.Fatalf("expected ExtractionFailure, got %v", err)
		}
	})

	t.Run("engine down", func(t *testing.T) {
		down := NewHTTPExtractor("http://127.0.0.1:1", nil)
		_, err := down.ExtractText(context.Background(), pngHeader)
		var ef *domain.ExtractionFailure
		if !errors.As(err, &ef) {
			t.Fatalf("expected ExtractionFailure, got %v", err)
		}
	})
}

func TestWithTimeout(t *testing.T) {
	slow := Func(func(ctx context.Context, image []byte) (*domain.Extraction, error) {
		// Ignores ctx on purpose.
		time.Sleep(200 * time.Millisecond)
		return &domain.Extraction{Text: "late"}, nil
	})

	start := time.Now()
	_, err := WithTimeout(slow, 20*time.Millisecond).ExtractText(context.Background(), pngHeader)
	var ef *domain.ExtractionFailure
	if !errors.As(err, &ef) {
		t.Fatalf("expected ExtractionFailure, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded cause, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("timeout not enforced, took %v", elapsed)
	}
}

func TestWithTimeoutWrapsPlainErrors(t *testing.T) {
	boom := errors.New("boom")
	failing := Func(func(context.Context, []byte) (*domain.Extraction, error) {
		return nil, boom
	})

	_, err := WithTimeout(failing, time.Second).ExtractText(context.Background(), pngHeader)
	var ef *domain.ExtractionFailure
	if !errors.As(err, &ef) {
		t.Fatalf("expected ExtractionFailure, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestWithTimeoutPassesThrough(t *testing.T) {
	fast := Func(func(context.Context, []byte) (*domain.Extraction, error) {
		return &domain.Extraction{Text: "ok", Confidence: 88}, nil
	})

	got, err := WithTimeout(fast, time.Second).ExtractText(context.Background(), pngHeader)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "ok" || got.Confidence != 88 {
		t.Errorf("unexpected extraction %+v", got)
	}
}
