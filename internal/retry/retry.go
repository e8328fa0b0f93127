// Package retry runs an operation with bounded exponential backoff. The
// provider gateway uses it for health probes so one dropped packet does not
// mark a provider down.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config bounds one retried operation.
type Config struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int

	// InitialDelay is the delay after the first failure; each subsequent
	// delay doubles up to MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Jitter randomizes each delay by a factor in [0.5, 1.5).
	Jitter bool
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
}

// Result reports how the retried operation went.
type Result struct {
	// Attempts is how many times the operation ran.
	Attempts int

	// Err is the final error, nil on success.
	Err error
}

// Do runs op until it succeeds, returns a permanent error, exhausts
// MaxAttempts, or ctx ends. Context errors are returned as-is.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	cfg.applyDefaults()

	delay := cfg.InitialDelay
	var result Result
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt
		if err := ctx.Err(); err != nil {
			result.Err = err
			return result
		}

		err := op()
		result.Err = err
		if err == nil || Permanent(err) {
			return result
		}
		if attempt == cfg.MaxAttempts {
			return result
		}

		sleep := delay
		if cfg.Jitter {
			sleep = time.Duration(float64(delay) * (0.5 + rand.Float64()))
		}
		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(sleep):
		}
		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return result
}

// permanentError wraps an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// MarkPermanent flags err so Do stops immediately.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanent reports whether err was flagged with MarkPermanent or is a
// context error.
func Permanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
