package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/id"
)

// InsertMessage persists a dead letter message.
func (s *Store) InsertMessage(ctx context.Context, m *dlq.Message) error {
	if _, err := s.mdb.NewInsert(toMessageModel(m)).Exec(ctx); err != nil {
		return fmt.Errorf("hookrelay/mongo: insert dlq message: %w", err)
	}

	return nil
}

// GetMessage returns a message by ID.
func (s *Store) GetMessage(ctx context.Context, msgID id.ID) (*dlq.Message, error) {
	var m messageModel

	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": msgID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, dlq.ErrNotFound
		}

		return nil, fmt.Errorf("hookrelay/mongo: get dlq message: %w", err)
	}

	return fromMessageModel(&m)
}

// UpdateMessage replaces the stored document.
func (s *Store) UpdateMessage(ctx context.Context, msg *dlq.Message) error {
	m := toMessageModel(msg)

	res, err := s.mdb.Collection(colDLQ).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: update dlq message: %w", err)
	}

	if res.MatchedCount == 0 {
		return dlq.ErrNotFound
	}

	return nil
}

// DeleteMessage removes a message.
func (s *Store) DeleteMessage(ctx context.Context, msgID id.ID) error {
	res, err := s.mdb.NewDelete((*messageModel)(nil)).
		Filter(bson.M{"_id": msgID.String()}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: delete dlq message: %w", err)
	}

	if res.DeletedCount() == 0 {
		return dlq.ErrNotFound
	}

	return nil
}

// ListMessages returns messages oldest first.
func (s *Store) ListMessages(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Message, error) {
	filter := bson.M{}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}

	if opts.Origin != "" {
		filter["origin"] = opts.Origin
	}

	var models []messageModel

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list dlq messages: %w", err)
	}

	return fromMessageModels(models)
}

// PendingMessages returns retryable messages due at now.
func (s *Store) PendingMessages(ctx context.Context, now time.Time, limit int) ([]*dlq.Message, error) {
	var models []messageModel

	q := s.mdb.NewFind(&models).
		Filter(bson.M{
			"status":        string(dlq.StatusPending),
			"next_retry_at": bson.M{"$lte": now},
			"$expr":         bson.M{"$lt": bson.A{"$retry_count", "$max_retries"}},
		}).
		Sort(bson.D{{Key: "next_retry_at", Value: 1}})

	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: pending dlq messages: %w", err)
	}

	return fromMessageModels(models)
}

// ClaimMessage moves a retryable pending message to processing.
func (s *Store) ClaimMessage(ctx context.Context, msgID id.ID, now time.Time) (*dlq.Message, error) {
	filter := bson.M{
		"_id":    msgID.String(),
		"status": string(dlq.StatusPending),
		"$expr":  bson.M{"$lt": bson.A{"$retry_count", "$max_retries"}},
	}
	update := bson.M{
		"$set": bson.M{
			"status":     string(dlq.StatusProcessing),
			"claimed_at": now,
			"updated_at": now,
		},
	}

	var m messageModel

	err := s.mdb.Collection(colDLQ).
		FindOneAndUpdate(ctx, filter, update, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if !isNoDocuments(err) {
			return nil, fmt.Errorf("hookrelay/mongo: claim dlq message: %w", err)
		}

		if _, getErr := s.GetMessage(ctx, msgID); getErr != nil {
			return nil, getErr
		}

		return nil, dlq.ErrNotClaimable
	}

	return fromMessageModel(&m)
}

// CountMessages returns the number of stored messages.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	count, err := s.mdb.NewFind((*messageModel)(nil)).
		Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: count dlq messages: %w", err)
	}

	return count, nil
}

// DeleteOldestMessages removes the n oldest messages.
func (s *Store) DeleteOldestMessages(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}

	var models []messageModel

	if err := s.mdb.NewFind(&models).
		Filter(bson.M{"status": bson.M{"$ne": string(dlq.StatusProcessing)}}).
		Sort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		Limit(int64(n)).
		Scan(ctx); err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: delete oldest dlq messages: %w", err)
	}

	if len(models) == 0 {
		return 0, nil
	}

	ids := make(bson.A, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}

	res, err := s.mdb.NewDelete((*messageModel)(nil)).
		Many().
		Filter(bson.M{"_id": bson.M{"$in": ids}}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: delete oldest dlq messages: %w", err)
	}

	return res.DeletedCount(), nil
}

// DeleteMessagesBefore removes messages created before `before` unless a
// worker holds them.
func (s *Store) DeleteMessagesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*messageModel)(nil)).
		Many().
		Filter(bson.M{
			"created_at": bson.M{"$lt": before},
			"status":     bson.M{"$ne": string(dlq.StatusProcessing)},
		}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: delete dlq messages before: %w", err)
	}

	return res.DeletedCount(), nil
}

// ReleaseStaleMessages returns messages claimed before `before` to pending.
func (s *Store) ReleaseStaleMessages(ctx context.Context, before, now time.Time) (int64, error) {
	res, err := s.mdb.Collection(colDLQ).UpdateMany(ctx,
		bson.M{
			"status":     string(dlq.StatusProcessing),
			"claimed_at": bson.M{"$lt": before},
		},
		bson.M{
			"$set":   bson.M{"status": string(dlq.StatusPending), "updated_at": now},
			"$unset": bson.M{"claimed_at": ""},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: release stale dlq messages: %w", err)
	}

	return res.ModifiedCount, nil
}

// AggregateMessages summarizes the queue, which Capacity keeps bounded.
func (s *Store) AggregateMessages(ctx context.Context) (*dlq.Aggregate, error) {
	msgs, err := s.ListMessages(ctx, dlq.ListOpts{})
	if err != nil {
		return nil, err
	}

	agg := dlq.NewAggregate()
	for _, m := range msgs {
		agg.Add(m)
	}

	return agg, nil
}

func fromMessageModels(models []messageModel) ([]*dlq.Message, error) {
	result := make([]*dlq.Message, 0, len(models))

	for i := range models {
		m, err := fromMessageModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, m)
	}

	return result, nil
}
