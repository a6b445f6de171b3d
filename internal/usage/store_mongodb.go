package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ErrPartialWrite indicates that a batch insert only partially succeeded.
// Use errors.As to extract details about the failure.
var ErrPartialWrite = errors.New("partial write failure")

// PartialWriteError wraps a mongo.BulkWriteException with how many
// records failed out of the batch.
type PartialWriteError struct {
	TotalEntries int
	FailedCount  int
	Cause        mongo.BulkWriteException
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("partial ledger insert: %d of %d records failed: %v",
		e.FailedCount, e.TotalEntries, e.Cause.Error())
}

func (e *PartialWriteError) Unwrap() error {
	return ErrPartialWrite
}

// MongoDBStore implements LedgerStore for MongoDB.
type MongoDBStore struct {
	records    *mongo.Collection
	aggregates *mongo.Collection
}

// NewMongoDBStore selects the ledger collections and ensures their indexes.
func NewMongoDBStore(ctx context.Context, database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	s := &MongoDBStore{
		records:    database.Collection("request_records"),
		aggregates: database.Collection("daily_aggregates"),
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	recordIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "request_id", Value: 1}}},
		{Keys: bson.D{{Key: "project_id", Value: 1}, {Key: "created_at", Value: 1}}},
	}
	if _, err := s.records.Indexes().CreateMany(ctx, recordIndexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for request records", "error", err)
	}

	aggregateIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "project_id", Value: 1}, {Key: "date", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.aggregates.Indexes().CreateOne(ctx, aggregateIndex); err != nil {
		slog.Warn("failed to create MongoDB index for daily aggregates", "error", err)
	}

	return s, nil
}

// Insert writes records with an unordered InsertMany.
func (s *MongoDBStore) Insert(ctx context.Context, records []*RequestRecord) error {
	if len(records) == 0 {
		return nil
	}

	docs := make([]any, len(records))
	for i, r := range records {
		rec := *r
		rec.CreatedAt = r.CreatedAt.UTC()
		docs[i] = rec
	}

	_, err := s.records.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil {
		var bulkErr mongo.BulkWriteException
		if errors.As(err, &bulkErr) {
			failedCount := len(bulkErr.WriteErrors)
			slog.Warn("partial ledger insert failure",
				"total", len(records),
				"failed", failedCount,
				"succeeded", len(records)-failedCount,
			)
			return &PartialWriteError{
				TotalEntries: len(records),
				FailedCount:  failedCount,
				Cause:        bulkErr,
			}
		}
		return fmt.Errorf("failed to insert request records: %w", err)
	}
	return nil
}

// DeleteOlderThan removes records created before cutoff.
func (s *MongoDBStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.records.DeleteMany(ctx, bson.D{{Key: "created_at", Value: bson.D{{Key: "$lt", Value: cutoff.UTC()}}}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old request records: %w", err)
	}
	return res.DeletedCount, nil
}

// AggregateDay sums status-200 records created on day, grouped by project.
func (s *MongoDBStore) AggregateDay(ctx context.Context, day time.Time) ([]DailyAggregate, error) {
	start := StartOfDay(day)
	end := start.AddDate(0, 0, 1)

	pipeline := bson.A{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "status_code", Value: 200},
			{Key: "created_at", Value: bson.D{
				{Key: "$gte", Value: start},
				{Key: "$lt", Value: end},
			}},
		}}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$project_id"},
			{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
			{Key: "total_cost", Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$cost", 0.0}}}}}},
			{Key: "request_count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}

	cursor, err := s.records.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate request records: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ProjectID    string  `bson:"_id"`
		TotalTokens  int64   `bson:"total_tokens"`
		TotalCost    float64 `bson:"total_cost"`
		RequestCount int64   `bson:"request_count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate rows: %w", err)
	}

	date := FormatDay(start)
	out := make([]DailyAggregate, 0, len(rows))
	for _, r := range rows {
		out = append(out, DailyAggregate{
			ProjectID:    r.ProjectID,
			Date:         date,
			TotalTokens:  r.TotalTokens,
			TotalCost:    r.TotalCost,
			RequestCount: r.RequestCount,
		})
	}
	return out, nil
}

// UpsertAggregates replaces or inserts one document per (project_id, date).
func (s *MongoDBStore) UpsertAggregates(ctx context.Context, aggregates []DailyAggregate) error {
	if len(aggregates) == 0 {
		return nil
	}

	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(aggregates))
	for _, a := range aggregates {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "project_id", Value: a.ProjectID}, {Key: "date", Value: a.Date}}).
			SetReplacement(bson.D{
				{Key: "project_id", Value: a.ProjectID},
				{Key: "date", Value: a.Date},
				{Key: "total_tokens", Value: a.TotalTokens},
				{Key: "total_cost", Value: a.TotalCost},
				{Key: "request_count", Value: a.RequestCount},
				{Key: "updated_at", Value: now},
			}).
			SetUpsert(true))
	}

	if _, err := s.aggregates.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("failed to upsert daily aggregates: %w", err)
	}
	return nil
}

// SumRange totals a project's aggregates between from and to, inclusive.
func (s *MongoDBStore) SumRange(ctx context.Context, projectID string, from, to time.Time) (Totals, error) {
	pipeline := bson.A{
		bson.D{{Key: "$match", Value: rangeFilter(projectID, from, to)}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total_tokens", Value: bson.D{{Key: "$sum", Value: "$total_tokens"}}},
			{Key: "total_cost", Value: bson.D{{Key: "$sum", Value: "$total_cost"}}},
			{Key: "request_count", Value: bson.D{{Key: "$sum", Value: "$request_count"}}},
		}}},
	}

	cursor, err := s.aggregates.Aggregate(ctx, pipeline)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to sum aggregates: %w", err)
	}
	defer cursor.Close(ctx)

	var t Totals
	if cursor.Next(ctx) {
		var result struct {
			TotalTokens  int64   `bson:"total_tokens"`
			TotalCost    float64 `bson:"total_cost"`
			RequestCount int64   `bson:"request_count"`
		}
		if err := cursor.Decode(&result); err != nil {
			return Totals{}, fmt.Errorf("failed to decode aggregate sum: %w", err)
		}
		t = Totals{TotalTokens: result.TotalTokens, TotalCost: result.TotalCost, RequestCount: result.RequestCount}
	}
	if err := cursor.Err(); err != nil {
		return Totals{}, fmt.Errorf("error iterating aggregate sum cursor: %w", err)
	}
	return t, nil
}

// ListAggregates returns a project's aggregates between from and to, ordered by date.
func (s *MongoDBStore) ListAggregates(ctx context.Context, projectID string, from, to time.Time) ([]DailyAggregate, error) {
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})
	cursor, err := s.aggregates.Find(ctx, rangeFilter(projectID, from, to), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]DailyAggregate, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode aggregates: %w", err)
	}
	return out, nil
}

// Close is a no-op; the client is managed by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}

// rangeFilter matches a project's aggregates by date string. YYYY-MM-DD
// compares lexicographically in calendar order.
func rangeFilter(projectID string, from, to time.Time) bson.D {
	return bson.D{
		{Key: "project_id", Value: projectID},
		{Key: "date", Value: bson.D{
			{Key: "$gte", Value: FormatDay(from)},
			{Key: "$lte", Value: FormatDay(to)},
		}},
	}
}
