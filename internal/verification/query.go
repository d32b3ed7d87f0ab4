package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

// SuspiciousFlagThreshold is the flag count above which an attempt is
// listed as suspicious regardless of score.
const SuspiciousFlagThreshold = 2

func statusKey(settlementID string) string {
	return "verification:" + settlementID
}

// GetStatus returns the latest attempt for a settlement. Reads go through
// the status cache; concurrent misses share one repository query. Without
// an intervening mutation the result marshals to identical JSON.
func (s *Service) GetStatus(ctx context.Context, settlementID string) (*domain.VerificationRecord, error) {
	if settlementID == "" {
		return nil, &domain.ValidationError{Field: "settlementId", Reason: "is required"}
	}
	key := statusKey(settlementID)

	if s.cache != nil {
		data, err := s.cache.Get(ctx, key)
		if err != nil {
			slog.Warn("status cache read failed", "key", key, "error", err)
		}
		if data != nil {
			var rec domain.VerificationRecord
			if err := json.Unmarshal(data, &rec); err == nil {
				s.metrics.IncrementStatusCache(true)
				return &rec, nil
			}
			slog.Warn("discarding undecodable status cache entry", "key", key)
		}
	}
	s.metrics.IncrementStatusCache(false)

	v, err, _ := s.group.Do(key, func() (any, error) {
		rec, err := s.repo.GetLatestRecord(ctx, settlementID)
		if err != nil {
			return nil, err
		}
		return s.writeStatus(ctx, rec), nil
	})
	if err != nil {
		return nil, fmt.Errorf("load settlement %s: %w", settlementID, err)
	}

	// Each caller decodes its own copy of the shared result.
	var rec domain.VerificationRecord
	if err := json.Unmarshal(v.([]byte), &rec); err != nil {
		return nil, fmt.Errorf("decode settlement %s: %w", settlementID, err)
	}
	return &rec, nil
}

// writeStatus caches rec as the latest attempt and returns its encoding.
func (s *Service) writeStatus(ctx context.Context, rec *domain.VerificationRecord) []byte {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("failed to marshal record", "settlement_id", rec.SettlementID, "error", err)
		return nil
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, statusKey(rec.SettlementID), data, s.statusTTL); err != nil {
			slog.Warn("status cache write failed", "settlement_id", rec.SettlementID, "error", err)
		}
	}
	return data
}

func (s *Service) invalidate(ctx context.Context, settlementID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, statusKey(settlementID)); err != nil {
		slog.Warn("status cache delete failed", "settlement_id", settlementID, "error", err)
	}
}

// ListAttempts returns every attempt for a settlement, oldest first.
func (s *Service) ListAttempts(ctx context.Context, settlementID string) ([]*domain.VerificationRecord, error) {
	if settlementID == "" {
		return nil, &domain.ValidationError{Field: "settlementId", Reason: "is required"}
	}
	recs, err := s.repo.ListAttempts(ctx, settlementID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for %s: %w", settlementID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("settlement %s: %w", settlementID, domain.ErrNotFound)
	}
	return recs, nil
}

// Stats summarizes attempts created at or after since. A zero since covers
// all history.
func (s *Service) Stats(ctx context.Context, since time.Time) (*domain.VerificationStats, error) {
	stats, err := s.repo.Stats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("verification stats: %w", err)
	}
	return stats, nil
}

// ListSuspicious returns attempts created at or after since that look
// fraudulent, newest first.
func (s *Service) ListSuspicious(ctx context.Context, since time.Time) ([]*domain.VerificationRecord, error) {
	recs, err := s.repo.ListRecordsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list records since %s: %w", since.Format(time.RFC3339), err)
	}

	out := make([]*domain.VerificationRecord, 0, len(recs))
	for _, rec := range recs {
		if IsSuspicious(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// IsSuspicious reports whether rec warrants an administrator's attention:
// high risk, disputed, a critical mismatch, or many flags at once.
func IsSuspicious(rec *domain.VerificationRecord) bool {
	a := rec.RiskAssessment
	return a.Score >= domain.HighRiskThreshold ||
		rec.Status == domain.StatusDisputed ||
		a.Flags.HasAny(domain.FlagUPIIDMismatch, domain.FlagAmountMismatchCritical) ||
		len(a.Flags) > SuspiciousFlagThreshold
}

// TrustScore returns a user's running trust score.
func (s *Service) TrustScore(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, &domain.ValidationError{Field: "userId", Reason: "is required"}
	}
	score, err := s.repo.GetTrustScore(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("trust score for %s: %w", userID, err)
	}
	return score, nil
}

// Ping checks the repository and, when configured, the cache and bus.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			return fmt.Errorf("bus: %w", err)
		}
	}
	return nil
}
