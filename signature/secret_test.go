package signature_test

import (
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/xraph/hookrelay/signature"
)

func TestGenerateSecret(t *testing.T) {
	a, err := signature.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, err := signature.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("two generated secrets are equal")
	}

	raw, ok := strings.CutPrefix(a, signature.SecretPrefix)
	if !ok {
		t.Fatalf("missing prefix: %q", a)
	}
	key, err := hex.DecodeString(raw)
	if err != nil || len(key) != 32 {
		t.Fatalf("expected 32 hex-encoded bytes, got %q (%v)", raw, err)
	}

	// A generated secret signs and verifies like any other.
	body := []byte(`{"id":"evt_1"}`)
	header := signature.Header(body, a, 1000)
	if err := signature.VerifyHeader(body, header, a, 0, time.Unix(1000, 0)); err != nil {
		t.Fatalf("verify with generated secret: %v", err)
	}
}
