package dispatcher

import (
	"math"
	"time"
)

// Backoff computes the retry delay after a failed attempt:
// Initial * 2^(attempt-1), capped at Max. Deterministic given the attempt
// count so retry timing is predictable and testable. Defaults: 2s initial,
// 5m cap.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff returns the engine's default retry curve.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 2 * time.Second, Max: 5 * time.Minute}
}

// Delay returns the wait before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	return d
}
