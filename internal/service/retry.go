package service

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (p retryPolicy) normalized() retryPolicy {
	if p.attempts < 1 {
		p.attempts = 1
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 25 * time.Millisecond
	}
	if p.maxDelay < p.baseDelay {
		p.maxDelay = 40 * p.baseDelay
	}
	return p
}

// run calls op until it succeeds, returns an error retryable rejects, runs out of
// attempts, or ctx ends. The wait doubles each time with up to 50% jitter.
func (p retryPolicy) run(ctx context.Context, log zerolog.Logger, name string, retryable func(error) bool, op func() error) error {
	delay := p.baseDelay
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || attempt >= p.attempts || !retryable(err) {
			return err
		}

		wait := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
		log.Warn().Err(err).Str("op", name).Int("attempt", attempt).Dur("wait", wait).Msg("transient storage error, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay = min(delay*2, p.maxDelay)
	}
}
