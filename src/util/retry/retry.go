package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/validation"

	"github.com/creasty/defaults"
	"github.com/jonboulle/clockwork"
)

// Config controls the backoff schedule and the transience predicate.
// The zero value retries 3 times at 100/200/400ms using the default
// Transient classifier on the wall clock.
type Config struct {
	MaxRetries   int           `default:"3" validate:"min=0,max=10"`
	InitialDelay time.Duration `default:"100ms" validate:"min=1000000,max=10000000000"` // 1ms to 10s
	Multiplier   float64       `default:"2" validate:"min=1,max=10"`
	Jitter       bool
	Classify     func(error) bool
	Clock        clockwork.Clock
}

// Do calls fn and, while the classifier marks the returned error transient,
// retries it with exponential backoff up to MaxRetries extra attempts.
// Context cancellation aborts promptly without a further attempt.
// Exhaustion wraps the last error with attempt metadata.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if err := cfg.setup(); err != nil {
		return zero, err
	}

	delay := cfg.InitialDelay
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if !cfg.Classify(err) {
			return zero, err
		}
		if attempt >= cfg.MaxRetries {
			return zero, fmt.Errorf("retries exhausted after %d attempts: %w", attempt+1, err)
		}

		wait := delay
		if cfg.Jitter {
			wait = time.Duration(rand.Int64N(int64(delay) + 1))
		}

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("aborted while waiting to retry (last error: %v): %w", err, ctx.Err())
		case <-cfg.Clock.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}
}

func (c *Config) setup() error {
	if err := defaults.Set(c); err != nil {
		return fmt.Errorf("failed to set retry config defaults: %w", err)
	}
	if c.Classify == nil {
		c.Classify = Transient
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if err := validation.Instance.Struct(c); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	return nil
}
