package mqttclient

import (
	"time"

	"github.com/cenkalti/backoff"
)

// newRetryBackoff yields jittered delays doubling from initial up to max. It never gives up.
func newRetryBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
