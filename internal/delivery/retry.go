package delivery

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"time"
)

// ErrPermanent marks an upload failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent delivery failure")

// RetryConfig controls how a failed upload is retried.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize (e.g. 0.3 = ±30%)
}

// DefaultRetryConfig suits object store uploads of a few hundred megabytes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// uploadWithRetry runs Upload until it succeeds, fails permanently or the
// retries run out. It returns the number of attempts made.
func uploadWithRetry(ctx context.Context, p Provider, local, remote string, cfg RetryConfig) (int, error) {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			jittered := applyJitter(delay, cfg.JitterFrac)
			log.Debug("retrying upload",
				"provider", p.Name(),
				"attempt", attempt,
				"delay", jittered,
				"remote", remote,
			)
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(jittered):
			}

			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		err := p.Upload(ctx, local, remote)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			return attempt + 1, err
		}
	}

	log.Warn("all upload retries exhausted",
		"provider", p.Name(),
		"remote", remote,
		"attempts", cfg.MaxRetries+1,
		"error", lastErr,
	)
	return cfg.MaxRetries + 1, lastErr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, ErrPermanent) &&
		!errors.Is(err, os.ErrNotExist) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// applyJitter adds ±frac random jitter to a duration.
func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		return 0
	}
	return result
}
