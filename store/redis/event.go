package redis

import (
	"context"
	"fmt"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/hookrelay/event"
	"github.com/xraph/hookrelay/id"
)

// claimDueScript moves up to ARGV[2] members with score <= ARGV[1] from the
// due set to the claimed set, scored ARGV[3]. A limit <= 0 claims all.
var claimDueScript = goredis.NewScript(`
local ids
if tonumber(ARGV[2]) > 0 then
	ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
else
	ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// claimOneScript moves ARGV[1] from either of KEYS[1], KEYS[2] into KEYS[3].
var claimOneScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 or redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// releaseIdemScript deletes KEYS[1] only while it still points at ARGV[1].
var releaseIdemScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// indexEvent queues the index maintenance for evt on pipe. Every event sits
// in at most one of the pending, due, claimed and expired sets.
func indexEvent(ctx context.Context, pipe goredis.Pipeliner, evt *event.Event) {
	member := evt.ID.String()
	pipe.ZAdd(ctx, zEventAll, goredis.Z{Score: scoreFromTime(evt.CreatedAt), Member: member})
	pipe.ZRem(ctx, zEventPending, member)
	pipe.ZRem(ctx, zEventDue, member)
	pipe.ZRem(ctx, zEventClaimed, member)
	pipe.ZRem(ctx, zEventExpired, member)

	if evt.Status == event.StatusExpired {
		pipe.ZAdd(ctx, zEventExpired, goredis.Z{Score: scoreFromTime(evt.UpdatedAt), Member: member})
		return
	}
	if evt.Direction != event.DirectionOutbound {
		return
	}

	switch evt.Status {
	case event.StatusPending:
		if evt.Attempts < evt.MaxAttempts {
			pipe.ZAdd(ctx, zEventPending, goredis.Z{Score: scoreFromTime(evt.CreatedAt), Member: member})
		}
	case event.StatusFailed, event.StatusRetrying:
		if evt.Attempts < evt.MaxAttempts {
			pipe.ZAdd(ctx, zEventDue, goredis.Z{Score: dueScore(evt), Member: member})
		}
	case event.StatusProcessing:
		claimed := evt.UpdatedAt
		if evt.ClaimedAt != nil {
			claimed = *evt.ClaimedAt
		}
		pipe.ZAdd(ctx, zEventClaimed, goredis.Z{Score: scoreFromTime(claimed), Member: member})
	}
}

func dueScore(evt *event.Event) float64 {
	if evt.NextAttemptAt == nil {
		return 0
	}
	return scoreFromTime(*evt.NextAttemptAt)
}

func (s *Store) writeEvent(ctx context.Context, evt *event.Event) error {
	raw, err := marshalEntity(evt)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, entityKey(prefixEvent, evt.ID.String()), raw, 0)
		indexEvent(ctx, pipe, evt)
		return nil
	})
	return err
}

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	if evt.IdempotencyKey != "" {
		ok, err := s.rdb.SetNX(ctx, uniqueEventIdem+evt.IdempotencyKey, evt.ID.String(), 0).Result()
		if err != nil {
			return fmt.Errorf("hookrelay/redis: create event: %w", err)
		}
		if !ok {
			return event.ErrDuplicate
		}
	}

	if err := s.writeEvent(ctx, evt); err != nil {
		if evt.IdempotencyKey != "" {
			// Free the key so a retry of the same event is not answered as a
			// duplicate of a record that was never written.
			key := uniqueEventIdem + evt.IdempotencyKey
			if relErr := releaseIdemScript.Run(context.WithoutCancel(ctx), s.rdb, []string{key}, evt.ID.String()).Err(); relErr != nil {
				return fmt.Errorf("hookrelay/redis: create event: %w (release idempotency key: %v)", err, relErr)
			}
		}
		return fmt.Errorf("hookrelay/redis: create event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	var evt event.Event
	if err := s.getEntity(ctx, entityKey(prefixEvent, evtID.String()), &evt); err != nil {
		if isRedisNil(err) {
			return nil, event.ErrNotFound
		}
		return nil, fmt.Errorf("hookrelay/redis: get event: %w", err)
	}
	return &evt, nil
}

func (s *Store) GetEventByIdempotencyKey(ctx context.Context, key string) (*event.Event, error) {
	evtID, err := s.rdb.Get(ctx, uniqueEventIdem+key).Result()
	if err != nil {
		if isRedisNil(err) {
			return nil, event.ErrNotFound
		}
		return nil, fmt.Errorf("hookrelay/redis: get event by idempotency key: %w", err)
	}

	parsed, err := id.ParseEventID(evtID)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: parse event ID %q: %w", evtID, err)
	}
	return s.GetEvent(ctx, parsed)
}

func (s *Store) UpdateEvent(ctx context.Context, evt *event.Event) error {
	n, err := s.rdb.Exists(ctx, entityKey(prefixEvent, evt.ID.String())).Result()
	if err != nil {
		return fmt.Errorf("hookrelay/redis: update event: %w", err)
	}
	if n == 0 {
		return event.ErrNotFound
	}
	if err := s.writeEvent(ctx, evt); err != nil {
		return fmt.Errorf("hookrelay/redis: update event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	minScore := math.Inf(-1)
	maxScore := math.Inf(1)
	if opts.From != nil {
		minScore = scoreFromTime(*opts.From)
	}
	if opts.To != nil {
		maxScore = scoreFromTime(*opts.To)
	}

	ids, err := s.zRangeByScoreIDs(ctx, zEventAll, minScore, maxScore)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list events: %w", err)
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 { // reverse for DESC order
		ids[i], ids[j] = ids[j], ids[i]
	}

	all, err := getEntities[event.Event](ctx, s.rdb, prefixEvent, ids)
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: list events: %w", err)
	}

	result := make([]*event.Event, 0, len(all))
	for _, evt := range all {
		if opts.Direction != "" && evt.Direction != opts.Direction {
			continue
		}
		if !opts.HasStatus(evt.Status) {
			continue
		}
		if opts.Type != "" && evt.Type != opts.Type {
			continue
		}
		if opts.Source != "" && evt.Source != opts.Source {
			continue
		}
		result = append(result, evt)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ClaimEvents(ctx context.Context, opts event.ClaimOpts) ([]*event.Event, error) {
	nowScore := formatScore(scoreFromTime(opts.Now))
	ids, err := claimDueScript.Run(ctx, s.rdb, []string{zEventDue, zEventClaimed}, nowScore, opts.Limit, nowScore).StringSlice()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("hookrelay/redis: claim events: %w", err)
	}

	result := make([]*event.Event, 0, len(ids))
	for _, evtID := range ids {
		evt, err := s.markClaimed(ctx, evtID, opts.Now)
		if err != nil {
			return result, err
		}
		if evt != nil {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *Store) ClaimEvent(ctx context.Context, evtID id.ID, now time.Time) (*event.Event, error) {
	evt, err := s.GetEvent(ctx, evtID)
	if err != nil {
		return nil, err
	}
	if evt.Direction != event.DirectionOutbound {
		return nil, event.ErrNotClaimable
	}

	ok, err := claimOneScript.Run(ctx, s.rdb,
		[]string{zEventPending, zEventDue, zEventClaimed},
		evtID.String(), formatScore(scoreFromTime(now)),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: claim event: %w", err)
	}
	if ok == 0 {
		return nil, event.ErrNotClaimable
	}

	claimed, err := s.markClaimed(ctx, evtID.String(), now)
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, event.ErrNotFound
	}
	return claimed, nil
}

// markClaimed rewrites an event whose ID the caller already moved to the
// claimed set. A vanished event is dropped from the set and yields nil.
func (s *Store) markClaimed(ctx context.Context, evtID string, now time.Time) (*event.Event, error) {
	var evt event.Event
	if err := s.getEntity(ctx, entityKey(prefixEvent, evtID), &evt); err != nil {
		if isRedisNil(err) {
			s.rdb.ZRem(ctx, zEventClaimed, evtID)
			return nil, nil
		}
		return nil, fmt.Errorf("hookrelay/redis: claim event: %w", err)
	}

	t := now
	evt.Status = event.StatusProcessing
	evt.ClaimedAt = &t
	evt.Touch(now)

	raw, err := marshalEntity(&evt)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, entityKey(prefixEvent, evtID), raw, 0).Err(); err != nil {
		return nil, fmt.Errorf("hookrelay/redis: claim event: %w", err)
	}
	return &evt, nil
}

func (s *Store) ReclaimStale(ctx context.Context, before, now time.Time) (int64, error) {
	var ids []string
	for _, key := range []string{zEventClaimed, zEventPending} {
		members, err := s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{Min: "-inf", Max: below(before)}).Result()
		if err != nil {
			return 0, fmt.Errorf("hookrelay/redis: reclaim stale: %w", err)
		}
		ids = append(ids, members...)
	}

	evts, err := getEntities[event.Event](ctx, s.rdb, prefixEvent, ids)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: reclaim stale: %w", err)
	}

	var count int64
	for _, evt := range evts {
		if evt.Status != event.StatusProcessing && evt.Status != event.StatusPending {
			continue
		}
		n := now
		evt.Status = event.StatusFailed
		evt.ClaimedAt = nil
		evt.NextAttemptAt = &n
		evt.Touch(now)
		if err := s.writeEvent(ctx, evt); err != nil {
			return count, fmt.Errorf("hookrelay/redis: reclaim stale: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, zEventExpired, &goredis.ZRangeBy{Min: "-inf", Max: below(before)}).Result()
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: delete expired: %w", err)
	}

	evts, err := getEntities[event.Event](ctx, s.rdb, prefixEvent, ids)
	if err != nil {
		return 0, fmt.Errorf("hookrelay/redis: delete expired: %w", err)
	}

	var count int64
	for _, evt := range evts {
		member := evt.ID.String()
		_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, entityKey(prefixEvent, member))
			if evt.IdempotencyKey != "" {
				pipe.Del(ctx, uniqueEventIdem+evt.IdempotencyKey)
			}
			pipe.ZRem(ctx, zEventAll, member)
			pipe.ZRem(ctx, zEventExpired, member)
			return nil
		})
		if err != nil {
			return count, fmt.Errorf("hookrelay/redis: delete expired: %w", err)
		}
		count++
	}
	return count, nil
}

// countBatch bounds the MGET size used when scanning every event.
const countBatch = 500

func (s *Store) CountByStatus(ctx context.Context) (map[event.Status]int64, error) {
	ids, err := s.rdb.ZRange(ctx, zEventAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("hookrelay/redis: count by status: %w", err)
	}

	counts := make(map[event.Status]int64)
	for start := 0; start < len(ids); start += countBatch {
		end := min(start+countBatch, len(ids))
		evts, err := getEntities[event.Event](ctx, s.rdb, prefixEvent, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("hookrelay/redis: count by status: %w", err)
		}
		for _, evt := range evts {
			counts[evt.Status]++
		}
	}
	return counts, nil
}
