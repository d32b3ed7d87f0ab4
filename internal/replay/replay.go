// Package replay detects reused payment evidence: a transaction reference
// already claimed by another settlement, and bursts of attempts on one
// settlement.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harsaa34/trustmate/internal/domain"
)

// DefaultWindow is the resubmission window used when none is configured.
const DefaultWindow = time.Hour

// Signals feeds the replay inputs of the risk scorer.
type Signals struct {
	DuplicateRef   bool
	Duplicates     int
	RecentAttempts int
}

// Detector combines the repository (reference reuse) with the cache
// counter (attempt rate).
type Detector struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
	now    func() time.Time
}

// NewDetector creates a detector. cache may be nil, in which case attempt
// rate is counted from stored attempts.
func NewDetector(repo domain.Repository, cache domain.Cache, window time.Duration) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{
		repo:   repo,
		cache:  cache,
		window: window,
		now:    time.Now,
	}
}

// Check records one attempt on settlementID and reports replay signals for
// it. Partial signals are returned together with any lookup error so the
// caller can score what is known.
func (d *Detector) Check(ctx context.Context, settlementID, ref string) (Signals, error) {
	if settlementID == "" {
		return Signals{}, fmt.Errorf("settlementID is required")
	}

	var sig Signals
	var errs []error

	if ref != "" && d.repo != nil {
		n, err := d.repo.CountByTransactionRef(ctx, ref, settlementID)
		if err != nil {
			errs = append(errs, fmt.Errorf("count transaction ref: %w", err))
		} else {
			sig.Duplicates = n
			sig.DuplicateRef = n > 0
		}
	}

	attempts, err := d.recentAttempts(ctx, settlementID)
	if err != nil {
		errs = append(errs, err)
	}
	sig.RecentAttempts = attempts

	return sig, errors.Join(errs...)
}

func (d *Detector) recentAttempts(ctx context.Context, settlementID string) (int, error) {
	if d.cache != nil {
		n, err := d.cache.IncrementCounter(ctx, counterKey(settlementID), d.window)
		if err == nil {
			return int(n), nil
		}
		if d.repo == nil {
			return 0, fmt.Errorf("increment attempt counter: %w", err)
		}
	}
	if d.repo == nil {
		return 0, nil
	}

	// Stored attempts plus the one being started.
	prior, err := d.repo.ListAttempts(ctx, settlementID)
	if err != nil {
		return 1, fmt.Errorf("list attempts: %w", err)
	}
	since := d.now().Add(-d.window)
	count := 1
	for _, rec := range prior {
		if !rec.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func counterKey(settlementID string) string {
	return "attempts:" + settlementID
}
