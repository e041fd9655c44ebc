// Package retry repeats failed broker sends with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config holds retry configuration. MaxAttempts counts the first try, so
// values below 2 disable retrying.
type Config struct {
	MaxAttempts     int           `yaml:"maxAttempts"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Jitter          float64       `yaml:"jitter"` // ±fraction, 0.2 = ±20%
}

// DefaultConfig returns the settings used when a policy enables retries
// without tuning them.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Jitter:          0.2,
	}
}

// Enabled reports whether more than one attempt is allowed.
func (c Config) Enabled() bool {
	return c.MaxAttempts > 1
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	var errs []error
	if c.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry.maxAttempts must be >= 0"))
	}
	if c.Enabled() {
		if c.InitialInterval <= 0 {
			errs = append(errs, errors.New("retry.initialInterval must be > 0 when retries are enabled"))
		}
		if c.MaxInterval < c.InitialInterval {
			errs = append(errs, fmt.Errorf("retry.maxInterval (%s) must be >= initialInterval (%s)", c.MaxInterval, c.InitialInterval))
		}
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter %v must be between 0 and 1", c.Jitter))
	}
	return errors.Join(errs...)
}

// Do calls fn until it succeeds, returns an error retryable rejects, or
// MaxAttempts is reached. A canceled ctx stops waiting between attempts and
// returns the last error from fn.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := max(cfg.MaxAttempts, 1)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(attempt); err == nil || !retryable(err) || attempt == attempts-1 {
			return err
		}

		timer := time.NewTimer(backoff(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func backoff(attempt int, cfg Config) time.Duration {
	d := float64(cfg.InitialInterval) * math.Pow(2, float64(attempt))
	if cfg.MaxInterval > 0 && d > float64(cfg.MaxInterval) {
		d = float64(cfg.MaxInterval)
	}
	if cfg.Jitter > 0 {
		spread := d * cfg.Jitter
		d = d - spread + rand.Float64()*2*spread
	}
	return time.Duration(d)
}
