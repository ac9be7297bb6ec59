package lib

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// RedialConfig controls how Core.DialWithRetry repeats a failed handshake.
type RedialConfig struct {
	MaxRetries        int           // further attempts after the first (-1 for infinite)
	AttemptTimeout    time.Duration // bound on one handshake, 0 leaves only ctx
	InitialBackoff    time.Duration // pause before the first retry
	MaxBackoff        time.Duration // backoff cap
	BackoffMultiplier float64       // growth per retry, e.g. 2.0
}

func DefaultRedialConfig() *RedialConfig {
	return &RedialConfig{
		MaxRetries:        5,
		AttemptTimeout:    15 * time.Second,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// backoffDuration returns the pause before retry number retryCount (0 based).
func backoffDuration(retryCount int, initial, max time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initial) * math.Pow(multiplier, float64(retryCount)))
	if backoff > max || backoff < 0 {
		backoff = max
	}
	return backoff
}

// DialWithRetry dials like Dial, starting a fresh connection after every failed
// handshake until one succeeds, the retries run out or ctx is done.
func (c *Core) DialWithRetry(ctx context.Context, remoteAddr string, remotePort int, cfg *RedialConfig) (*Connection, error) {
	if cfg == nil {
		cfg = DefaultRedialConfig()
	}

	var lastErr error
	for attempt := 0; cfg.MaxRetries < 0 || attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := backoffDuration(attempt-1, cfg.InitialBackoff, cfg.MaxBackoff, cfg.BackoffMultiplier)
			logger.Infof("Redial attempt %d to %s/%d in %v", attempt, remoteAddr, remotePort, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, errors.Wrapf(ctx.Err(), "redial after %v", lastErr)
			}
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		}
		conn, err := c.Dial(attemptCtx, remoteAddr, remotePort)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Warnf("Dial attempt %d to %s/%d failed: %v", attempt+1, remoteAddr, remotePort, err)

		if ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, errors.Wrapf(lastErr, "giving up after %d retries", cfg.MaxRetries)
}
