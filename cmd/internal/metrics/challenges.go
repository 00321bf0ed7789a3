package metrics

import (
	"context"
	"errors"
	"time"

	"vdid/cmd/internal/auth/challenge"
)

type instrumentedChallenges struct {
	next challenge.Store
	c    *Collector
}

// InstrumentChallenges wraps a challenge store and counts issues and consume outcomes.
func (c *Collector) InstrumentChallenges(next challenge.Store) challenge.Store {
	return &instrumentedChallenges{next: next, c: c}
}

func (s *instrumentedChallenges) Issue(ctx context.Context, key string, ttl time.Duration) (challenge.Challenge, error) {
	ch, err := s.next.Issue(ctx, key, ttl)
	r := "ok"
	if err != nil {
		r = "error"
	}
	s.c.Challenges.WithLabelValues("issue", r).Inc()
	return ch, err
}

func (s *instrumentedChallenges) Consume(ctx context.Context, key, presented string) error {
	err := s.next.Consume(ctx, key, presented)
	s.c.Challenges.WithLabelValues("consume", consumeResult(err)).Inc()
	return err
}

func consumeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, challenge.ErrNotFound):
		return "not_found"
	case errors.Is(err, challenge.ErrExpired):
		return "expired"
	case errors.Is(err, challenge.ErrMismatch):
		return "mismatch"
	default:
		return "error"
	}
}
