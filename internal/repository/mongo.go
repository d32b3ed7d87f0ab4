package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/harsaa34/trustmate/internal/domain"
)

const (
	recordsCollection = "verification_records"
	trustCollection   = "trust_scores"
)

// MongoRepository implements domain.Repository on MongoDB. Records are
// stored as JSON next to the indexed lookup fields, mirroring the SQL
// layout.
type MongoRepository struct {
	client  *mongo.Client
	records *mongo.Collection
	trust   *mongo.Collection
}

type recordDocument struct {
	ID             string `bson:"_id"`
	SettlementID   string `bson:"settlement_id"`
	Attempt        int    `bson:"attempt"`
	Version        int    `bson:"version"`
	Status         string `bson:"status"`
	Method         string `bson:"method"`
	RiskScore      int    `bson:"risk_score"`
	RiskLevel      string `bson:"risk_level"`
	TransactionRef string `bson:"transaction_ref,omitempty"`
	CreatedAt      int64  `bson:"created_at"`
	UpdatedAt      int64  `bson:"updated_at"`
	Record         string `bson:"record"`
}

// NewMongo connects to MongoDB and ensures indexes.
func NewMongo(ctx context.Context, cfg domain.RepositoryConfig) (*MongoRepository, error) {
	uri := cfg.MongoURI
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	dbName := cfg.MongoDatabase
	if dbName == "" {
		dbName = "trustmate"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	db := client.Database(dbName)
	repo := &MongoRepository{
		client:  client,
		records: db.Collection(recordsCollection),
		trust:   db.Collection(trustCollection),
	}

	if err := repo.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return repo, nil
}

func (m *MongoRepository) ensureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "settlement_id", Value: 1}, {Key: "attempt", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.M{"transaction_ref": 1}},
		{Keys: bson.M{"created_at": -1}},
	}
	if _, err := m.records.Indexes().CreateMany(ctx, indexModels); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

func toDocument(rec *domain.VerificationRecord) (*recordDocument, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return &recordDocument{
		ID:             rec.ID,
		SettlementID:   rec.SettlementID,
		Attempt:        rec.Attempt,
		Version:        rec.Version,
		Status:         string(rec.Status),
		Method:         string(rec.Method),
		RiskScore:      rec.RiskAssessment.Score,
		RiskLevel:      string(rec.RiskAssessment.Level),
		TransactionRef: rec.Evidence.TransactionRef,
		CreatedAt:      unixMillis(rec.CreatedAt),
		UpdatedAt:      unixMillis(rec.UpdatedAt),
		Record:         string(body),
	}, nil
}

// CreateRecord stores a new verification attempt.
func (m *MongoRepository) CreateRecord(ctx context.Context, rec *domain.VerificationRecord) error {
	if rec.ID == "" || rec.SettlementID == "" {
		return fmt.Errorf("%w: record id and settlement id are required", domain.ErrInvalidInput)
	}
	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	_, err = m.records.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return &domain.ConcurrentModificationError{SettlementID: rec.SettlementID, ExpectedVersion: rec.Version}
	}
	return err
}

// UpdateRecord writes rec when the stored version still equals
// expectedVersion.
func (m *MongoRepository) UpdateRecord(ctx context.Context, rec *domain.VerificationRecord, expectedVersion int) error {
	rec.Version = expectedVersion + 1
	doc, err := toDocument(rec)
	if err != nil {
		rec.Version = expectedVersion
		return err
	}

	update := bson.M{"$set": bson.M{
		"version":    doc.Version,
		"status":     doc.Status,
		"method":     doc.Method,
		"risk_score": doc.RiskScore,
		"risk_level": doc.RiskLevel,
		"updated_at": doc.UpdatedAt,
		"record":     doc.Record,
	}}
	res, err := m.records.UpdateOne(ctx, bson.M{"_id": rec.ID, "version": expectedVersion}, update)
	if err != nil {
		rec.Version = expectedVersion
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	rec.Version = expectedVersion
	n, err := m.records.CountDocuments(ctx, bson.M{"_id": rec.ID})
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return &domain.ConcurrentModificationError{SettlementID: rec.SettlementID, ExpectedVersion: expectedVersion}
}

// GetLatestRecord returns the newest attempt for a settlement.
func (m *MongoRepository) GetLatestRecord(ctx context.Context, settlementID string) (*domain.VerificationRecord, error) {
	var doc recordDocument
	opts := options.FindOne().SetSort(bson.D{{Key: "attempt", Value: -1}})
	err := m.records.FindOne(ctx, bson.M{"settlement_id": settlementID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(doc.Record)
}

// ListAttempts returns every attempt for a settlement, oldest first.
func (m *MongoRepository) ListAttempts(ctx context.Context, settlementID string) ([]*domain.VerificationRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "attempt", Value: 1}})
	return m.find(ctx, bson.M{"settlement_id": settlementID}, opts)
}

// CountByTransactionRef counts attempts on other settlements using ref.
func (m *MongoRepository) CountByTransactionRef(ctx context.Context, ref string, excludeSettlementID string) (int, error) {
	if ref == "" {
		return 0, nil
	}
	n, err := m.records.CountDocuments(ctx, bson.M{
		"transaction_ref": ref,
		"settlement_id":   bson.M{"$ne": excludeSettlementID},
	})
	return int(n), err
}

// ListRecordsSince returns attempts created at or after since, newest first.
func (m *MongoRepository) ListRecordsSince(ctx context.Context, since time.Time) ([]*domain.VerificationRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return m.find(ctx, bson.M{"created_at": bson.M{"$gte": unixMillis(since)}}, opts)
}

func (m *MongoRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*domain.VerificationRecord, error) {
	cursor, err := m.records.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*domain.VerificationRecord
	for cursor.Next(ctx) {
		var doc recordDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(doc.Record)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, cursor.Err()
}

type statsGroup struct {
	ID struct {
		Status    string `bson:"status"`
		Method    string `bson:"method"`
		RiskLevel string `bson:"risk_level"`
	} `bson:"_id"`
	Count    int `bson:"count"`
	ScoreSum int `bson:"score_sum"`
}

// Stats aggregates attempts created at or after since.
func (m *MongoRepository) Stats(ctx context.Context, since time.Time) (*domain.VerificationStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"created_at": bson.M{"$gte": unixMillis(since)}}}},
		{{Key: "$group", Value: bson.M{
			"_id":       bson.M{"status": "$status", "method": "$method", "risk_level": "$risk_level"},
			"count":     bson.M{"$sum": 1},
			"score_sum": bson.M{"$sum": "$risk_score"},
		}}},
	}

	cursor, err := m.records.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	stats := domain.NewVerificationStats()
	for cursor.Next(ctx) {
		var g statsGroup
		if err := cursor.Decode(&g); err != nil {
			return nil, err
		}
		stats.Add(domain.VerificationStatus(g.ID.Status), domain.Method(g.ID.Method), domain.RiskLevel(g.ID.RiskLevel), g.Count, g.ScoreSum)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	stats.Finalize()
	return stats, nil
}

// AdjustTrustScore adds delta to a user's trust score in a single
// pipeline update, clamping on the server.
func (m *MongoRepository) AdjustTrustScore(ctx context.Context, userID string, delta int) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userID is required", domain.ErrInvalidInput)
	}

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"score": bson.M{"$min": bson.A{
				domain.MaxTrustScore,
				bson.M{"$max": bson.A{
					domain.MinTrustScore,
					bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$score", domain.DefaultTrustScore}}, delta}},
				}},
			}},
			"updated_at": unixMillis(time.Now()),
		}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc struct {
		Score int `bson:"score"`
	}
	if err := m.trust.FindOneAndUpdate(ctx, bson.M{"_id": userID}, update, opts).Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Score, nil
}

// GetTrustScore returns a user's trust score, or the default when the
// user has no history.
func (m *MongoRepository) GetTrustScore(ctx context.Context, userID string) (int, error) {
	var doc struct {
		Score int `bson:"score"`
	}
	err := m.trust.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.DefaultTrustScore, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Score, nil
}

// Ping checks connectivity to the primary.
func (m *MongoRepository) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (m *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
