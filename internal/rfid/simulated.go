package rfid

import (
	"context"
	"math/rand/v2"
	"slices"
	"time"
)

// Simulated emits random candidate tags at random intervals.
type Simulated struct {
	tags        []string
	minInterval time.Duration
	maxInterval time.Duration
}

// NewSimulated builds a simulated source. UnknownTag is appended when missing from tags.
func NewSimulated(tags []string, minInterval, maxInterval time.Duration) *Simulated {
	candidates := make([]string, 0, len(tags)+1)
	for _, t := range tags {
		if t != "" {
			candidates = append(candidates, t)
		}
	}
	if !slices.Contains(candidates, UnknownTag) {
		candidates = append(candidates, UnknownTag)
	}
	if minInterval <= 0 {
		minInterval = 2 * time.Second
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	return &Simulated{tags: candidates, minInterval: minInterval, maxInterval: maxInterval}
}

// Tags returns a copy of the candidate set.
func (s *Simulated) Tags() []string {
	return slices.Clone(s.tags)
}

func (s *Simulated) Mode() Mode { return ModeSimulated }

func (s *Simulated) Next(ctx context.Context) (string, error) {
	wait := s.minInterval
	if spread := s.maxInterval - s.minInterval; spread > 0 {
		wait += rand.N(spread + 1)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return s.tags[rand.IntN(len(s.tags))], nil
	}
}

func (s *Simulated) Close() error { return nil }
