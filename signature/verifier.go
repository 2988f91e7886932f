package signature

import (
	"crypto/hmac"
	"time"

	"github.com/xraph/hookrelay/fault"
)

// VerifyHeader checks a webhook header against payload. The timestamp is
// checked before the signature so a stale replay never reaches the HMAC.
func VerifyHeader(payload []byte, header, secret string, maxAge time.Duration, now time.Time) error {
	parsed, err := ParseHeader(header)
	if err != nil {
		return err
	}
	if err := checkAge(parsed.Timestamp, maxAge, now); err != nil {
		return err
	}

	expected := []byte(Sign(payload, secret, parsed.Timestamp))
	for _, sig := range parsed.Signatures {
		if hmac.Equal(expected, []byte(sig)) {
			return nil
		}
	}
	return fault.Authentication("invalid signature")
}

// checkAge rejects timestamps further than maxAge from now in either direction.
func checkAge(timestamp int64, maxAge time.Duration, now time.Time) error {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	diff := now.Unix() - timestamp
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(maxAge/time.Second) {
		return fault.Authentication("timestamp too old")
	}
	return nil
}
