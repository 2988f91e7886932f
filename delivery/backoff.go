package delivery

import "time"

// Backoff computes exponential retry delays.
type Backoff struct {
	Base time.Duration `json:"base" mapstructure:"base"`
	Max  time.Duration `json:"max" mapstructure:"max"`
}

// DefaultBackoff is 5 minutes doubling up to one hour.
func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Minute, Max: 60 * time.Minute}
}

// Delay returns min(Base * 2^attempts, Max). Negative attempts count as zero.
func (b Backoff) Delay(attempts int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}

	d := b.Base
	for i := 0; i < attempts; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		// Doubling past half of MaxInt64 would overflow.
		if d > time.Duration(1<<62) {
			d = time.Duration(1<<63 - 1)
			break
		}
		d *= 2
	}

	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Next returns now + Delay(attempts).
func (b Backoff) Next(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}
