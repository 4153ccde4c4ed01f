package transport

import "time"

// Backoff computes reconnect delays: Base grows by Factor per consecutive
// failure and is capped at Max. A successful connection resets the attempt
// counter, so the next failure starts again from Base.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = 30 * time.Second
	}
	if b.Factor < 1 {
		b.Factor = 2
	}
	return b
}

// Delay returns the wait before retry number attempt, counting from zero.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Factor)
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
