package payment

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

type RetryPolicy struct {
	MaxAttempts        int
	UnknownMaxAttempts int
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	Clock              clockwork.Clock
	Log                zerolog.Logger
}

func (p RetryPolicy) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

// Backoff is the wait before the given retry (1 for the first retry).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Do calls fn until it succeeds, fails permanently, or runs out of attempts.
// Temporary failures get MaxAttempts tries, unknown failures the smaller
// UnknownMaxAttempts. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) (Receipt, error)) (Receipt, int, error) {
	maxAttempts := max(p.MaxAttempts, 1)
	unknownMax := p.UnknownMaxAttempts
	if unknownMax <= 0 || unknownMax > maxAttempts {
		unknownMax = maxAttempts
	}

	attempt := 0
	for {
		attempt++
		receipt, err := fn(ctx)
		if err == nil {
			return receipt, attempt, nil
		}

		kind := KindOf(err)
		limit := maxAttempts
		if kind == KindUnknown {
			limit = unknownMax
		}
		if kind == KindPermanent || attempt >= limit {
			return Receipt{}, attempt, err
		}

		wait := p.Backoff(attempt)
		p.Log.Warn().Err(err).Str("op", op).Str("kind", string(kind)).
			Int("attempt", attempt).Dur("backoff", wait).Msg("payment call failed, retrying")

		select {
		case <-ctx.Done():
			return Receipt{}, attempt, err
		case <-p.clock().After(wait):
		}
	}
}
