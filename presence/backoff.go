package presence

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newReconnectBackoff doubles the reconnect delay from initial up to max with
// ±20% jitter. It never gives up on its own; Close ends the retries.
func newReconnectBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	if max < initial {
		max = initial
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
