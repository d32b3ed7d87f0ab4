// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/harsaa34/trustmate/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
//
// The full record is stored as JSON; the columns beside it exist for
// lookups, the version check and aggregation.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(ctx context.Context, cfg domain.RepositoryConfig) (domain.Repository, error) {
	if cfg.Driver == "mongo" {
		repo, err := NewMongo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(ctx, cfg)
	case "postgres":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate(ctx context.Context) error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.ExecContext(ctx, schema); err != nil {
			return err
		}
	}
	return nil
}

// CreateRecord stores a new verification attempt.
func (r *SQLRepository) CreateRecord(ctx context.Context, rec *domain.VerificationRecord) error {
	if rec.ID == "" || rec.SettlementID == "" {
		return fmt.Errorf("%w: record id and settlement id are required", domain.ErrInvalidInput)
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	query := `
		INSERT INTO verification_records (
			id, settlement_id, attempt, version, payer_id, receiver_id,
			status, method, risk_score, risk_level, transaction_ref,
			created_at, updated_at, record
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.SettlementID, rec.Attempt, rec.Version,
		rec.PayerID, rec.ReceiverID,
		string(rec.Status), string(rec.Method),
		rec.RiskAssessment.Score, string(rec.RiskAssessment.Level),
		nullable(rec.Evidence.TransactionRef),
		unixMillis(rec.CreatedAt), unixMillis(rec.UpdatedAt),
		string(body),
	)
	if isUniqueViolation(err) {
		return &domain.ConcurrentModificationError{SettlementID: rec.SettlementID, ExpectedVersion: rec.Version}
	}
	return err
}

// UpdateRecord writes rec when the stored version still equals
// expectedVersion.
func (r *SQLRepository) UpdateRecord(ctx context.Context, rec *domain.VerificationRecord, expectedVersion int) error {
	rec.Version = expectedVersion + 1
	body, err := json.Marshal(rec)
	if err != nil {
		rec.Version = expectedVersion
		return fmt.Errorf("failed to encode record: %w", err)
	}

	query := `
		UPDATE verification_records
		SET version = ?, status = ?, method = ?, risk_score = ?, risk_level = ?,
			updated_at = ?, record = ?
		WHERE id = ? AND version = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.Version, string(rec.Status), string(rec.Method),
		rec.RiskAssessment.Score, string(rec.RiskAssessment.Level),
		unixMillis(rec.UpdatedAt), string(body),
		rec.ID, expectedVersion,
	)
	if err != nil {
		rec.Version = expectedVersion
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		rec.Version = expectedVersion
		return err
	}
	if rows == 0 {
		rec.Version = expectedVersion
		return r.missingOrStale(ctx, rec, expectedVersion)
	}
	return nil
}

func (r *SQLRepository) missingOrStale(ctx context.Context, rec *domain.VerificationRecord, expectedVersion int) error {
	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM verification_records WHERE id = ?`), rec.ID).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return &domain.ConcurrentModificationError{SettlementID: rec.SettlementID, ExpectedVersion: expectedVersion}
}

// GetLatestRecord returns the newest attempt for a settlement.
func (r *SQLRepository) GetLatestRecord(ctx context.Context, settlementID string) (*domain.VerificationRecord, error) {
	query := `
		SELECT record FROM verification_records
		WHERE settlement_id = ?
		ORDER BY attempt DESC
		LIMIT 1
	`

	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(query), settlementID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(body)
}

// ListAttempts returns every attempt for a settlement, oldest first.
func (r *SQLRepository) ListAttempts(ctx context.Context, settlementID string) ([]*domain.VerificationRecord, error) {
	query := `
		SELECT record FROM verification_records
		WHERE settlement_id = ?
		ORDER BY attempt ASC
	`
	return r.queryRecords(ctx, query, settlementID)
}

// CountByTransactionRef counts attempts on other settlements using ref.
func (r *SQLRepository) CountByTransactionRef(ctx context.Context, ref string, excludeSettlementID string) (int, error) {
	if ref == "" {
		return 0, nil
	}

	query := `
		SELECT COUNT(*) FROM verification_records
		WHERE transaction_ref = ? AND settlement_id <> ?
	`

	var n int
	if err := r.db.QueryRowContext(ctx, r.rebind(query), ref, excludeSettlementID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListRecordsSince returns attempts created at or after since, newest first.
func (r *SQLRepository) ListRecordsSince(ctx context.Context, since time.Time) ([]*domain.VerificationRecord, error) {
	query := `
		SELECT record FROM verification_records
		WHERE created_at >= ?
		ORDER BY created_at DESC
	`
	return r.queryRecords(ctx, query, unixMillis(since))
}

func (r *SQLRepository) queryRecords(ctx context.Context, query string, args ...any) ([]*domain.VerificationRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.VerificationRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(body)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Stats aggregates attempts created at or after since.
func (r *SQLRepository) Stats(ctx context.Context, since time.Time) (*domain.VerificationStats, error) {
	query := `
		SELECT status, method, risk_level, COUNT(*), COALESCE(SUM(risk_score), 0)
		FROM verification_records
		WHERE created_at >= ?
		GROUP BY status, method, risk_level
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), unixMillis(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := domain.NewVerificationStats()
	for rows.Next() {
		var status, method, level string
		var n, scoreSum int
		if err := rows.Scan(&status, &method, &level, &n, &scoreSum); err != nil {
			return nil, err
		}
		stats.Add(domain.VerificationStatus(status), domain.Method(method), domain.RiskLevel(level), n, scoreSum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats.Finalize()
	return stats, nil
}

// AdjustTrustScore adds delta to a user's trust score, starting from
// domain.DefaultTrustScore, and returns the clamped result.
func (r *SQLRepository) AdjustTrustScore(ctx context.Context, userID string, delta int) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	query := fmt.Sprintf(`
		INSERT INTO trust_scores (user_id, score, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			score = CASE
				WHEN trust_scores.score + ? > %[1]d THEN %[1]d
				WHEN trust_scores.score + ? < %[2]d THEN %[2]d
				ELSE trust_scores.score + ?
			END,
			updated_at = excluded.updated_at
		RETURNING score
	`, domain.MaxTrustScore, domain.MinTrustScore)

	var score int
	err := r.db.QueryRowContext(ctx, r.rebind(query),
		userID, domain.ClampTrustScore(domain.DefaultTrustScore+delta), unixMillis(time.Now()),
		delta, delta, delta,
	).Scan(&score)
	if err != nil {
		return 0, err
	}
	return score, nil
}

// GetTrustScore returns a user's trust score, or the default when the
// user has no history.
func (r *SQLRepository) GetTrustScore(ctx context.Context, userID string) (int, error) {
	var score int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT score FROM trust_scores WHERE user_id = ?`), userID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultTrustScore, nil
	}
	if err != nil {
		return 0, err
	}
	return score, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

func decodeRecord(body string) (*domain.VerificationRecord, error) {
	var rec domain.VerificationRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func unixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
