package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/xraph/hookrelay/clock"
	"github.com/xraph/hookrelay/fault"
	"github.com/xraph/hookrelay/signature"
)

func TestSignKnownVector(t *testing.T) {
	payload := []byte(`{"event":"test"}`)
	secret := "whsec_testsecret123"
	timestamp := int64(1700000000)

	got := signature.Sign(payload, secret, timestamp)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", timestamp, payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	if got != expected {
		t.Errorf("Sign() = %q, want %q", got, expected)
	}
	if header := signature.Header(payload, secret, timestamp); header != "t=1700000000,v1="+expected {
		t.Errorf("Header() = %q", header)
	}
}

func TestVerifyHeader_RoundTrip(t *testing.T) {
	payload := []byte(`{"payment_id":"pay_123","amount":9900}`)
	secret := "whsec_roundtrip"
	header := signature.Header(payload, secret, 1000)

	if err := signature.VerifyHeader(payload, header, secret, 300*time.Second, time.Unix(1100, 0)); err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
}

func TestVerifyHeader_SingleByteMutations(t *testing.T) {
	payload := []byte(`{"payment_id":"pay_123"}`)
	secret := "whsec_mutation"
	now := time.Unix(1010, 0)
	header := signature.Header(payload, secret, 1000)

	// Every single-byte change of the payload must fail.
	for i := range payload {
		mutated := append([]byte(nil), payload...)
		mutated[i] ^= 0x01
		if err := signature.VerifyHeader(mutated, header, secret, 0, now); err == nil {
			t.Fatalf("payload mutation at byte %d verified", i)
		}
	}

	// Flip one hex digit of the signature.
	sig := signature.Sign(payload, secret, 1000)
	flipped := []byte(sig)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	err := signature.VerifyHeader(payload, "t=1000,v1="+string(flipped), secret, 0, now)
	if !fault.Is(err, fault.KindAuthentication) {
		t.Fatalf("expected authentication error for mutated signature, got %v", err)
	}

	// Change the timestamp while keeping it inside the window.
	err = signature.VerifyHeader(payload, "t=1001,v1="+sig, secret, 0, now)
	if err == nil || err.Error() != "invalid signature" {
		t.Fatalf("expected invalid signature for mutated timestamp, got %v", err)
	}
}

func TestVerifyHeader_TimestampTooOld(t *testing.T) {
	payload := []byte(`{}`)
	header := signature.Header(payload, "s", 1000)

	err := signature.VerifyHeader(payload, header, "s", 300*time.Second, time.Unix(1400, 0))
	if !fault.Is(err, fault.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if err.Error() != "timestamp too old" {
		t.Fatalf("expected 'timestamp too old', got %q", err.Error())
	}

	// Timestamps from the future are held to the same window.
	err = signature.VerifyHeader(payload, header, "s", 300*time.Second, time.Unix(600, 0))
	if err == nil || err.Error() != "timestamp too old" {
		t.Fatalf("expected 'timestamp too old' for future timestamp, got %v", err)
	}
}

func TestVerifyHeader_WrongSecret(t *testing.T) {
	payload := []byte(`{"data":"value"}`)
	header := signature.Header(payload, "whsec_correct", 1000)

	err := signature.VerifyHeader(payload, header, "whsec_wrong", 0, time.Unix(1000, 0))
	if err == nil || err.Error() != "invalid signature" {
		t.Fatalf("expected invalid signature, got %v", err)
	}
}

func TestVerifyHeader_RotatedSecrets(t *testing.T) {
	payload := []byte(`{"k":1}`)
	oldSig := signature.Sign(payload, "old", 1000)
	newSig := signature.Sign(payload, "new", 1000)
	header := "t=1000,v1=" + oldSig + ",v1=" + newSig

	if err := signature.VerifyHeader(payload, header, "new", 0, time.Unix(1000, 0)); err != nil {
		t.Fatalf("second v1 value should verify: %v", err)
	}
}

func TestParseHeader_Malformed(t *testing.T) {
	cases := []string{
		"",
		"garbage",
		"t=abc,v1=00",
		"t=1000",
		"v1=00ff",
		"t=1000,v1=zz",
		"t=1000,v1=",
	}

	for _, header := range cases {
		_, err := signature.ParseHeader(header)
		if !fault.Is(err, fault.KindValidation) {
			t.Errorf("ParseHeader(%q): expected validation error, got %v", header, err)
		}
	}
}

func TestParseHeader_IgnoresUnknownKeys(t *testing.T) {
	parsed, err := signature.ParseHeader("t=42, v0=legacy, v1=ABCD")
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if parsed.Timestamp != 42 {
		t.Fatalf("expected timestamp 42, got %d", parsed.Timestamp)
	}
	if len(parsed.Signatures) != 1 || parsed.Signatures[0] != "abcd" {
		t.Fatalf("unexpected signatures %v", parsed.Signatures)
	}
}

func TestSigner_UsesClock(t *testing.T) {
	c := clock.NewManual(time.Unix(5000, 0))
	signer := signature.NewSigner("whsec_clock", c)
	payload := []byte(`{"a":1}`)

	header, ts := signer.Sign(payload)
	if ts != 5000 {
		t.Fatalf("expected timestamp 5000, got %d", ts)
	}
	if !strings.HasPrefix(header, "t=5000,v1=") {
		t.Fatalf("unexpected header %q", header)
	}

	c.Advance(200 * time.Second)
	if err := signer.Verify(payload, header, 300*time.Second); err != nil {
		t.Fatalf("Verify within window: %v", err)
	}

	c.Advance(200 * time.Second)
	if err := signer.Verify(payload, header, 300*time.Second); err == nil {
		t.Fatal("Verify should fail once the window has passed")
	}
}

func TestSignRequest_RoundTrip(t *testing.T) {
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Webhook-Event-Id", "evt_1")
	headers.Set("X-Webhook-Event-Type", "payment.captured")

	body := []byte(`{"amount":100}`)
	url := "https://api.example.com/hooks/pay?b=2&a=1"

	sig, err := signature.SignRequest("secret", "post", url, headers, body, 1000)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	now := time.Unix(1000, 0)
	if err := signature.VerifyRequest("secret", "POST", url, headers, body, sig, 1000, 0, now); err != nil {
		t.Fatalf("VerifyRequest: %v", err)
	}

	// Query order and non-prefixed headers do not matter.
	reordered := http.Header{}
	reordered.Set("X-Webhook-Event-Type", "payment.captured")
	reordered.Set("X-Webhook-Event-Id", "evt_1")
	reordered.Set("Accept", "*/*")
	if err := signature.VerifyRequest("secret", "POST", "https://API.example.com/hooks/pay?a=1&b=2", reordered, body, sig, 1000, 0, now); err != nil {
		t.Fatalf("VerifyRequest with reordered input: %v", err)
	}

	// A covered header change breaks the signature.
	tampered := headers.Clone()
	tampered.Set("X-Webhook-Event-Type", "payment.refunded")
	if err := signature.VerifyRequest("secret", "POST", url, tampered, body, sig, 1000, 0, now); err == nil {
		t.Fatal("expected failure after changing a covered header")
	}

	if err := signature.VerifyRequest("secret", "POST", url, headers, []byte(`{"amount":101}`), sig, 1000, 0, now); err == nil {
		t.Fatal("expected failure after changing the body")
	}

	err = signature.VerifyRequest("secret", "POST", url, headers, body, sig, 1000, 300*time.Second, time.Unix(1400, 0))
	if err == nil || err.Error() != "timestamp too old" {
		t.Fatalf("expected timestamp too old, got %v", err)
	}
}

func TestCanonical_Layout(t *testing.T) {
	headers := http.Header{}
	headers.Set("X-Webhook-B", " two ")
	headers.Set("X-Webhook-A", "one")
	headers.Set(signature.HeaderSignature, "ignored")

	got, err := signature.Canonical("get", "https://Example.com?z=1&a=2", headers, []byte("body"), 7)
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}

	want := strings.Join([]string{
		"GET",
		"example.com",
		"/",
		"a=2&z=1",
		"x-webhook-a:one\nx-webhook-b:two",
		"7",
		"body",
	}, "\n")
	if got != want {
		t.Fatalf("Canonical mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestSHA512_RoundTrip(t *testing.T) {
	payload := []byte(`{"eventCode":"AUTHORISATION"}`)
	header := signature.SignSHA512(payload, "vendor-secret")

	if !strings.HasPrefix(header, "sha512=") || len(header) != len("sha512=")+128 {
		t.Fatalf("unexpected header %q", header)
	}
	if err := signature.VerifySHA512(payload, header, "vendor-secret"); err != nil {
		t.Fatalf("VerifySHA512: %v", err)
	}
	if err := signature.VerifySHA512(payload, strings.ToUpper(header[:7])+header[7:], "vendor-secret"); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error for wrong prefix, got %v", err)
	}

	err := signature.VerifySHA512([]byte(`{"eventCode":"CAPTURE"}`), header, "vendor-secret")
	if !fault.Is(err, fault.KindAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}

	if err := signature.VerifySHA512(payload, "sha512=abc", "vendor-secret"); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("expected validation error for short digest, got %v", err)
	}
}

func TestSchemes(t *testing.T) {
	c := clock.NewManual(time.Unix(2000, 0))
	body := []byte(`{"id":"evt_vendor_1"}`)

	webhook := signature.WebhookScheme{Secret: "s1", Clock: c}
	h := http.Header{}
	h.Set(signature.HeaderSignature, signature.Header(body, "s1", 2000))
	if err := webhook.Verify(signature.Message{Header: h, Body: body}); err != nil {
		t.Fatalf("WebhookScheme: %v", err)
	}
	if err := webhook.Verify(signature.Message{Header: http.Header{}, Body: body}); !fault.Is(err, fault.KindAuthentication) {
		t.Fatalf("missing header should be an authentication error, got %v", err)
	}

	vendor := signature.SHA512Scheme{Secret: "s2", Header: "X-Vendor-Signature"}
	vh := http.Header{}
	vh.Set("X-Vendor-Signature", signature.SignSHA512(body, "s2"))
	if err := vendor.Verify(signature.Message{Header: vh, Body: body}); err != nil {
		t.Fatalf("SHA512Scheme: %v", err)
	}

	req := signature.RequestScheme{Secret: "s3", Clock: c}
	rh := http.Header{}
	rh.Set("X-Webhook-Event-Id", "evt_1")
	sig, err := signature.SignRequest("s3", "POST", "https://in.example.com/webhooks/acme", rh, body, 2000)
	if err != nil {
		t.Fatalf("SignRequest: %v", err)
	}
	rh.Set(signature.HeaderRequestSignature, sig)
	rh.Set(signature.HeaderTimestamp, "2000")
	msg := signature.Message{Method: "POST", URL: "https://in.example.com/webhooks/acme", Header: rh, Body: body}
	if err := req.Verify(msg); err != nil {
		t.Fatalf("RequestScheme: %v", err)
	}
}
