// Package domain defines the core types and interfaces for the verification engine.
package domain

import (
	"context"
	"time"
)

// Repository persists verification records and trust scores.
type Repository interface {
	// CreateRecord stores a new attempt. A duplicate (settlementID, attempt)
	// yields *ConcurrentModificationError.
	CreateRecord(ctx context.Context, rec *VerificationRecord) error

	// UpdateRecord writes rec if the stored version equals expectedVersion,
	// then sets rec.Version to expectedVersion+1.
	UpdateRecord(ctx context.Context, rec *VerificationRecord, expectedVersion int) error

	// GetLatestRecord returns the newest attempt for a settlement.
	GetLatestRecord(ctx context.Context, settlementID string) (*VerificationRecord, error)

	// ListAttempts returns all attempts for a settlement, oldest first.
	ListAttempts(ctx context.Context, settlementID string) ([]*VerificationRecord, error)

	// CountByTransactionRef counts attempts on other settlements that used ref.
	CountByTransactionRef(ctx context.Context, ref string, excludeSettlementID string) (int, error)

	// ListRecordsSince returns attempts created at or after since, newest first.
	ListRecordsSince(ctx context.Context, since time.Time) ([]*VerificationRecord, error)

	// Stats aggregates attempts created at or after since.
	Stats(ctx context.Context, since time.Time) (*VerificationStats, error)

	// Trust scores
	AdjustTrustScore(ctx context.Context, userID string, delta int) (int, error)
	GetTrustScore(ctx context.Context, userID string) (int, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Trust score bounds.
const (
	DefaultTrustScore = 50
	MinTrustScore     = 0
	MaxTrustScore     = 100
)

// ClampTrustScore bounds a trust score to [MinTrustScore, MaxTrustScore].
func ClampTrustScore(score int) int {
	return min(max(score, MinTrustScore), MaxTrustScore)
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the storage driver: "sqlite", "postgres" or "mongo"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// MongoDB specific
	MongoURI      string
	MongoDatabase string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
