package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
)

// attemptsLeft matches documents with attempts < max_attempts.
var attemptsLeft = bson.M{"$lt": bson.A{"$attempts", "$max_attempts"}}

// CreateEvent persists an event. The sparse unique index on idempotency_key
// rejects repeated keys.
func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)

	_, err := s.mdb.NewInsert(m).Exec(ctx)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return event.ErrDuplicate
		}

		return fmt.Errorf("hookrelay/mongo: create event: %w", err)
	}

	return nil
}

// GetEvent returns an event by ID.
func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	return s.findEvent(ctx, bson.M{"_id": evtID.String()})
}

// GetEventByIdempotencyKey returns the event holding key.
func (s *Store) GetEventByIdempotencyKey(ctx context.Context, key string) (*event.Event, error) {
	if key == "" {
		return nil, event.ErrNotFound
	}
	return s.findEvent(ctx, bson.M{"idempotency_key": key})
}

func (s *Store) findEvent(ctx context.Context, filter bson.M) (*event.Event, error) {
	var m eventModel

	err := s.mdb.NewFind(&m).
		Filter(filter).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, event.ErrNotFound
		}

		return nil, fmt.Errorf("hookrelay/mongo: get event: %w", err)
	}

	return fromEventModel(&m)
}

// UpdateEvent replaces the stored document so cleared fields disappear.
func (s *Store) UpdateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)

	res, err := s.mdb.Collection(colEvents).ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: update event: %w", err)
	}

	if res.MatchedCount == 0 {
		return event.ErrNotFound
	}

	return nil
}

// ListEvents returns events newest first.
func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	var models []eventModel

	filter := bson.M{}
	if opts.Direction != "" {
		filter["direction"] = string(opts.Direction)
	}

	if len(opts.Statuses) > 0 {
		statuses := make(bson.A, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}

		filter["status"] = bson.M{"$in": statuses}
	}

	if opts.Type != "" {
		filter["type"] = opts.Type
	}

	if opts.Source != "" {
		filter["source"] = opts.Source
	}

	if opts.From != nil || opts.To != nil {
		dateFilter := bson.M{}
		if opts.From != nil {
			dateFilter["$gte"] = *opts.From
		}

		if opts.To != nil {
			dateFilter["$lte"] = *opts.To
		}

		filter["created_at"] = dateFilter
	}

	q := s.mdb.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "created_at", Value: -1}})

	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}

	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list events: %w", err)
	}

	result := make([]*event.Event, 0, len(models))

	for i := range models {
		evt, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, evt)
	}

	return result, nil
}

func claimUpdate(now time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			"status":     string(event.StatusProcessing),
			"claimed_at": now,
			"updated_at": now,
		},
	}
}

// ClaimEvents claims due events one FindOneAndUpdate at a time, earliest
// next_attempt_at first.
func (s *Store) ClaimEvents(ctx context.Context, opts event.ClaimOpts) ([]*event.Event, error) {
	result := make([]*event.Event, 0, max(opts.Limit, 0))
	col := s.mdb.Collection(colEvents)

	filter := bson.M{
		"direction": string(event.DirectionOutbound),
		"status":    bson.M{"$in": bson.A{string(event.StatusFailed), string(event.StatusRetrying)}},
		"$expr":     attemptsLeft,
		"$or": bson.A{
			bson.M{"next_attempt_at": nil},
			bson.M{"next_attempt_at": bson.M{"$lte": opts.Now}},
		},
	}

	findOpts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}})

	for opts.Limit <= 0 || len(result) < opts.Limit {
		var m eventModel

		err := col.FindOneAndUpdate(ctx, filter, claimUpdate(opts.Now), findOpts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}

			return result, fmt.Errorf("hookrelay/mongo: claim events: %w", err)
		}

		evt, err := fromEventModel(&m)
		if err != nil {
			return result, err
		}

		result = append(result, evt)
	}

	return result, nil
}

// ClaimEvent claims one event regardless of its schedule.
func (s *Store) ClaimEvent(ctx context.Context, evtID id.ID, now time.Time) (*event.Event, error) {
	filter := bson.M{
		"_id":       evtID.String(),
		"direction": string(event.DirectionOutbound),
		"status": bson.M{"$in": bson.A{
			string(event.StatusPending), string(event.StatusFailed), string(event.StatusRetrying),
		}},
		"$expr": attemptsLeft,
	}

	var m eventModel

	err := s.mdb.Collection(colEvents).
		FindOneAndUpdate(ctx, filter, claimUpdate(now), options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if !isNoDocuments(err) {
			return nil, fmt.Errorf("hookrelay/mongo: claim event: %w", err)
		}

		if _, getErr := s.GetEvent(ctx, evtID); getErr != nil {
			return nil, getErr
		}

		return nil, event.ErrNotClaimable
	}

	return fromEventModel(&m)
}

// ReclaimStale returns abandoned outbound events to failed, due at now.
func (s *Store) ReclaimStale(ctx context.Context, before, now time.Time) (int64, error) {
	filter := bson.M{
		"direction": string(event.DirectionOutbound),
		"$or": bson.A{
			bson.M{"status": string(event.StatusProcessing), "claimed_at": bson.M{"$lt": before}},
			bson.M{"status": string(event.StatusPending), "created_at": bson.M{"$lt": before}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":          string(event.StatusFailed),
			"next_attempt_at": now,
			"updated_at":      now,
		},
		"$unset": bson.M{"claimed_at": ""},
	}

	res, err := s.mdb.Collection(colEvents).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: reclaim stale: %w", err)
	}

	return res.ModifiedCount, nil
}

// DeleteExpired removes expired events last updated before `before`.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.mdb.NewDelete((*eventModel)(nil)).
		Many().
		Filter(bson.M{
			"status":     string(event.StatusExpired),
			"updated_at": bson.M{"$lt": before},
		}).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/mongo: delete expired: %w", err)
	}

	return res.DeletedCount(), nil
}

// CountByStatus returns the number of events per status.
func (s *Store) CountByStatus(ctx context.Context) (map[event.Status]int64, error) {
	counts := make(map[event.Status]int64)

	for _, st := range event.Statuses {
		n, err := s.mdb.NewFind((*eventModel)(nil)).
			Filter(bson.M{"status": string(st)}).
			Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("hookrelay/mongo: count by status: %w", err)
		}

		if n > 0 {
			counts[st] = n
		}
	}

	return counts, nil
}
