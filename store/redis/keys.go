package redis

// Key prefixes for primary entity storage.
const (
	prefixEvent   = "hookrelay:evt:"
	prefixMessage = "hookrelay:dlq:"
)

// Key prefixes for unique indexes.
const (
	uniqueEventIdem = "hookrelay:u:evt:idem:"
)

// Sorted set indexes. Members are entity IDs.
const (
	zEventAll     = "hookrelay:z:evt:all"     // by created_at
	zEventPending = "hookrelay:z:evt:pending" // outbound pending, by created_at
	zEventDue     = "hookrelay:z:evt:due"     // outbound failed|retrying, by next_attempt_at
	zEventClaimed = "hookrelay:z:evt:claimed" // outbound processing, by claimed_at
	zEventExpired = "hookrelay:z:evt:expired" // by updated_at

	zMessageAll     = "hookrelay:z:dlq:all"     // by created_at
	zMessagePending = "hookrelay:z:dlq:pending" // retryable pending, by next_retry_at
	zMessageClaimed = "hookrelay:z:dlq:claimed" // processing, by claimed_at
)

// Hash of circuit snapshots keyed by breaker key.
const hCircuits = "hookrelay:h:circuits"

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}
