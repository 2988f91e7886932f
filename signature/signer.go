// Package signature signs and verifies webhook payloads with HMAC.
//
// Three formats are supported:
//
//	t=<unix>,v1=<hex hmac-sha256 of "ts.payload">   webhook header (outbound and inbound)
//	base64 hmac-sha256 of a canonical request          request signature
//	sha512=<hex hmac-sha512 of payload>                vendor header
//
// All functions are pure; the current time is always passed in by the caller.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/xraph/hookrelay/clock"
)

// Header names used on outbound requests and accepted on inbound ones.
const (
	HeaderSignature        = "X-Webhook-Signature"
	HeaderTimestamp        = "X-Webhook-Timestamp"
	HeaderRequestSignature = "X-Webhook-Request-Signature"
)

// DefaultMaxAge is the tolerated distance between a signature timestamp and now.
const DefaultMaxAge = 300 * time.Second

// Sign returns hex(HMAC-SHA256(secret, "{timestamp}.{payload}")).
func Sign(payload []byte, secret string, timestamp int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Header returns the compact header value "t=<timestamp>,v1=<signature>".
func Header(payload []byte, secret string, timestamp int64) string {
	return "t=" + strconv.FormatInt(timestamp, 10) + ",v1=" + Sign(payload, secret, timestamp)
}

// Signer binds a secret and a clock.
type Signer struct {
	secret string
	clock  clock.Clock
}

// NewSigner returns a Signer. A nil clock means the system clock.
func NewSigner(secret string, c clock.Clock) *Signer {
	return &Signer{secret: secret, clock: clock.OrSystem(c)}
}

// Sign returns the webhook header for payload stamped with the current time.
func (s *Signer) Sign(payload []byte) (header string, timestamp int64) {
	timestamp = s.clock.Now().Unix()
	return Header(payload, s.secret, timestamp), timestamp
}

// Verify checks a webhook header against payload at the current time.
func (s *Signer) Verify(payload []byte, header string, maxAge time.Duration) error {
	return VerifyHeader(payload, header, s.secret, maxAge, s.clock.Now())
}
