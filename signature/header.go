package signature

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/xraph/hookrelay/fault"
)

// Parsed is a decoded webhook signature header.
type Parsed struct {
	Timestamp int64

	// Signatures holds every v1 value. More than one is sent while a secret
	// is being rotated.
	Signatures []string
}

// ParseHeader decodes "t=<unix>,v1=<hex>[,v1=<hex>...]". Unknown keys are
// ignored. A missing or malformed t or v1 yields a validation error.
func ParseHeader(header string) (Parsed, error) {
	var (
		p     Parsed
		hasTS bool
	)

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return Parsed{}, fault.Validation("malformed signature header")
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Parsed{}, fault.Validation("malformed signature timestamp %q", value)
			}
			p.Timestamp = ts
			hasTS = true
		case "v1":
			if _, err := hex.DecodeString(value); err != nil || value == "" {
				return Parsed{}, fault.Validation("malformed v1 signature")
			}
			p.Signatures = append(p.Signatures, strings.ToLower(value))
		}
	}

	if !hasTS || len(p.Signatures) == 0 {
		return Parsed{}, fault.Validation("signature header requires t and v1")
	}
	return p, nil
}
