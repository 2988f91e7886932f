package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/hookrelay/dlq"
	"github.com/xraph/hookrelay/id"
)

// claimMessageScript moves ARGV[1] from the pending set to the claimed set.
var claimMessageScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// evictOldestScript deletes up to ARGV[1] of the oldest messages in KEYS[1]
// that are not claimed in KEYS[3]. ARGV[2] is the entity key prefix.
var evictOldestScript = goredis.NewScript(`
local limit = tonumber(ARGV[1])
local removed = 0
for _, id in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
	if removed >= limit then
		break
	end
	if not redis.call('ZSCORE', KEYS[3], id) then
		redis.call('DEL', ARGV[2] .. id)
		redis.call('ZREM', KEYS[1], id)
		redis.call('ZREM', KEYS[2], id)
		removed = removed + 1
	end
end
return removed
`)

func indexMessage(ctx context.Context, pipe goredis.Pipeliner, m *dlq.Message) {
	member := m.ID.String()
	pipe.ZAdd(ctx, zMessageAll, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: member})
	pipe.ZRem(ctx, zMessagePending, member)
	pipe.ZRem(ctx, zMessageClaimed, member)

	switch {
	case m.Retryable():
		pipe.ZAdd(ctx, zMessagePending, goredis.Z{Score: scoreFromTime(m.NextRetryAt), Member: member})
	case m.Status == dlq.StatusProcessing:
		claimed := m.UpdatedAt
		if m.ClaimedAt != nil {
			claimed = *m.ClaimedAt
		}
		pipe.ZAdd(ctx, zMessageClaimed, goredis.Z{Score: scoreFromTime(claimed), Member: member})
	}
}

func (s *Store) writeMessage(ctx context.Context, m *dlq.Message) error {
	raw, err := marshalEntity(m)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, entityKey(prefixMessage, m.ID.String()), raw, 0)
		indexMessage(ctx, pipe, m)
		return nil
	})
	return err
}

func (s *Store) InsertMessage(ctx context.Context, m *dlq.Message) error {
	if err := s.writeMessage(ctx, m); err != nil {
		return fmt.Errorf("hookrelay/redis: insert dlq message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, msgID id.ID) (*dlq.Message, error) {
	var m dlq.Message
	if err := s.getEntity(ctx, entityKey(prefixMessage, msgID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, dlq.ErrNotFound
		}
		return nil, fmt.Errorf("hookrelay/redis: get dlq message: %w", err)
	}
	return &m, nil
}

func (s *Store) UpdateMessage(ctx context.Context, m *dlq.Message) error {
	n, err := s.rdb.Exists(ctx, entityKey(prefixMessage, m.ID.String())).Result()
	if err != nil {
		return fmt.Errorf("hookrelay/redis: update dlq message: %w", err)
	}
	if n == 0 {
		return dlq.ErrNotFound
	}
	if err := s.writeMessage(ctx, m); err != nil {
		return fmt.Errorf("hookrelay/redis: update dlq message: %w", err)
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, msgID id.ID) error {
	n, err := s.deleteMessages(ctx, []string{msgID.String()})
	if err != nil {
		return fmt.Errorf("hookrelay/redis: delete dlq message: %w", err)
	}
	if n == 0 {
		return dlq.ErrNotFound
	}
	return nil
}

// deleteMessages removes messages and their index entries, returning how many
// primary keys existed.
func (s *Store) deleteMessages(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, msgID := range ids {
		keys[i] = entityKey(prefixMessage, msgID)
		members[i] = msgID
	}

	var del *goredis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, zMessageAll, members...)
		pipe.ZRem(ctx, zMessagePending, members...)
		pipe.ZRem(ctx, zMessageClaimed, members...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return del.Val(), nil
}

func (s *Store) ListMessages(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Message, error) {
	ids, err := s.rdb.ZRange(ctx, zMessageAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list dlq messages: %w", err)
	}

	all, err := getEntities[dlq.Message](ctx, s.rdb, prefixMessage, ids)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list dlq messages: %w", err)
	}

	result := make([]*dlq.Message, 0, len(all))
	for _, m := range all {
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		if opts.Origin != "" && m.Origin != opts.Origin {
			continue
		}
		result = append(result, m)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) PendingMessages(ctx context.Context, now time.Time, limit int) ([]*dlq.Message, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: formatScore(scoreFromTime(now))}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, zMessagePending, by).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: pending dlq messages: %w", err)
	}

	msgs, err := getEntities[dlq.Message](ctx, s.rdb, prefixMessage, ids)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: pending dlq messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) ClaimMessage(ctx context.Context, msgID id.ID, now time.Time) (*dlq.Message, error) {
	m, err := s.GetMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}

	ok, err := claimMessageScript.Run(ctx, s.rdb,
		[]string{zMessagePending, zMessageClaimed},
		msgID.String(), formatScore(scoreFromTime(now)),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: claim dlq message: %w", err)
	}
	if ok == 0 {
		return nil, dlq.ErrNotClaimable
	}

	t := now
	m.Status = dlq.StatusProcessing
	m.ClaimedAt = &t
	m.Touch(now)

	raw, err := marshalEntity(m)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, entityKey(prefixMessage, msgID.String()), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("hookrelay/redis: claim dlq message: %w", err)
	}
	return m, nil
}

func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	n, err := s.rdb.ZCard(ctx, zMessageAll).Result()
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: count dlq messages: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteOldestMessages(ctx context.Context, n int) (int64, error) {
	if n <= 0 {
		return 0, nil
	}
	count, err := evictOldestScript.Run(ctx, s.rdb,
		[]string{zMessageAll, zMessagePending, zMessageClaimed}, n, prefixMessage).Int64()
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: delete oldest dlq messages: %w", err)
	}
	return count, nil
}

func (s *Store) DeleteMessagesBefore(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, zMessageAll, &goredis.ZRangeBy{Min: "-inf", Max: below(before)}).Result()
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: delete dlq messages before: %w", err)
	}

	candidates := make([]string, 0, len(ids))
	for _, msgID := range ids {
		if err := s.rdb.ZScore(ctx, zMessageClaimed, msgID).Err(); err == nil {
			continue // held by a worker
		} else if !isRedisNil(err) {
			return 0, fmt.Errorf("hookrelay/redis: delete dlq messages before: %w", err)
		}
		candidates = append(candidates, msgID)
	}

	count, err := s.deleteMessages(ctx, candidates)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: delete dlq messages before: %w", err)
	}
	return count, nil
}

func (s *Store) ReleaseStaleMessages(ctx context.Context, before, now time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, zMessageClaimed, &goredis.ZRangeBy{Min: "-inf", Max: below(before)}).Result()
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: release stale dlq messages: %w", err)
	}

	msgs, err := getEntities[dlq.Message](ctx, s.rdb, prefixMessage, ids)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: release stale dlq messages: %w", err)
	}

	var count int64
	for _, m := range msgs {
		if m.Status != dlq.StatusProcessing {
			continue
		}
		m.Status = dlq.StatusPending
		m.ClaimedAt = nil
		m.Touch(now)
		if err := s.writeMessage(ctx, m); err != nil {
			return count, fmt.Errorf("hookrelay/redis: release stale dlq messages: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *Store) AggregateMessages(ctx context.Context) (*dlq.Aggregate, error) {
	ids, err := s.rdb.ZRange(ctx, zMessageAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: aggregate dlq messages: %w", err)
	}

	agg := dlq.NewAggregate()
	for start := 0; start < len(ids); start += countBatch {
		end := min(start+countBatch, len(ids))
		msgs, err := getEntities[dlq.Message](ctx, s.rdb, prefixMessage, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("hookrelay/redis: aggregate dlq messages: %w", err)
		}
		for _, m := range msgs {
			agg.Add(m)
		}
	}
	return agg, nil
}
