package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xraph/hookrelay/circuit"
)

func (s *Store) SaveCircuit(ctx context.Context, snap *circuit.Snapshot) error {
	raw, err := marshalEntity(snap)
	if err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, hCircuits, snap.Key, raw).Err(); err != nil {
		return fmt.Errorf("hookrelay/redis: save circuit: %w", err)
	}
	return nil
}

func (s *Store) GetCircuit(ctx context.Context, key string) (*circuit.Snapshot, error) {
	raw, err := s.rdb.HGet(ctx, hCircuits, key).Bytes()
	if err != nil {
		if isRedisNil(err) {
			return nil, circuit.ErrNotFound
		}
		return nil, fmt.Errorf("hookrelay/redis: get circuit: %w", err)
	}

	var snap circuit.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("hookrelay/redis: decode circuit: %w", err)
	}
	return &snap, nil
}

func (s *Store) ListCircuits(ctx context.Context) ([]*circuit.Snapshot, error) {
	all, err := s.rdb.HGetAll(ctx, hCircuits).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list circuits: %w", err)
	}

	result := make([]*circuit.Snapshot, 0, len(all))
	for _, raw := range all {
		var snap circuit.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, fmt.Errorf("hookrelay/redis: decode circuit: %w", err)
		}
		result = append(result, &snap)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (s *Store) DeleteCircuit(ctx context.Context, key string) error {
	if err := s.rdb.HDel(ctx, hCircuits, key).Err(); err != nil {
		return fmt.Errorf("hookrelay/redis: delete circuit: %w", err)
	}
	return nil
}
