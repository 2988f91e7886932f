package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/xraph/hookrelay/fault"
)

const sha512Prefix = "sha512="

// SignSHA512 returns "sha512=" + hex(HMAC-SHA512(secret, payload)).
func SignSHA512(payload []byte, secret string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return sha512Prefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySHA512 checks a "sha512=<hex>" header.
func VerifySHA512(payload []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, sha512Prefix) {
		return fault.Validation("malformed sha512 signature header")
	}
	digest := strings.ToLower(strings.TrimPrefix(header, sha512Prefix))
	if len(digest) != sha512.Size*2 {
		return fault.Validation("malformed sha512 signature header")
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return fault.Validation("malformed sha512 signature header")
	}

	expected := SignSHA512(payload, secret)
	if !hmac.Equal([]byte(expected), []byte(sha512Prefix+digest)) {
		return fault.Authentication("invalid signature")
	}
	return nil
}
