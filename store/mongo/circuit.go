package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/hookrelay/circuit"
)

// SaveCircuit upserts a breaker snapshot.
func (s *Store) SaveCircuit(ctx context.Context, snap *circuit.Snapshot) error {
	m, err := toCircuitModel(snap)
	if err != nil {
		return err
	}

	_, err = s.mdb.Collection(colCircuits).ReplaceOne(ctx,
		bson.M{"_id": m.Key}, m,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("hookrelay/mongo: save circuit: %w", err)
	}

	return nil
}

// GetCircuit returns the snapshot stored for key.
func (s *Store) GetCircuit(ctx context.Context, key string) (*circuit.Snapshot, error) {
	var m circuitModel

	err := s.mdb.Collection(colCircuits).FindOne(ctx, bson.M{"_id": key}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, circuit.ErrNotFound
		}

		return nil, fmt.Errorf("hookrelay/mongo: get circuit: %w", err)
	}

	return fromCircuitModel(&m)
}

// ListCircuits returns every stored snapshot ordered by key.
func (s *Store) ListCircuits(ctx context.Context) ([]*circuit.Snapshot, error) {
	cur, err := s.mdb.Collection(colCircuits).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list circuits: %w", err)
	}

	var models []circuitModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("hookrelay/mongo: list circuits: %w", err)
	}

	result := make([]*circuit.Snapshot, 0, len(models))

	for i := range models {
		snap, err := fromCircuitModel(&models[i])
		if err != nil {
			return nil, err
		}

		result = append(result, snap)
	}

	return result, nil
}

// DeleteCircuit removes the snapshot for key.
func (s *Store) DeleteCircuit(ctx context.Context, key string) error {
	if _, err := s.mdb.Collection(colCircuits).DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("hookrelay/mongo: delete circuit: %w", err)
	}

	return nil
}
