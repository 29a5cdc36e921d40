package backoffx

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shopping-cart-service/shared/config"
)

// Policy is an exponential backoff without an elapsed-time limit.
type Policy struct {
	Min    time.Duration
	Max    time.Duration
	Jitter float64
}

// Restart returns the supervision policy for entity restarts and projection retries.
func Restart(cfg config.Config) Policy {
	return Policy{
		Min:    time.Duration(cfg.RestartBackoffMinMS) * time.Millisecond,
		Max:    time.Duration(cfg.RestartBackoffMaxMS) * time.Millisecond,
		Jitter: cfg.RestartBackoffJitter,
	}
}

func (p Policy) New() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Min
	b.MaxInterval = p.Max
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if b.InitialInterval <= 0 {
		b.InitialInterval = 200 * time.Millisecond
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
