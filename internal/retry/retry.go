package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Category classifies operations so different hardware stages can tolerate
// different retry counts.
type Category string

const (
	// CategoryBootloaderDump is the overall dump operation.
	CategoryBootloaderDump Category = "bootloader-dump"
	// CategoryBridgeSetup is the socat TCP bridge setup stage.
	CategoryBridgeSetup Category = "bridge-setup"
	// CategoryPowerCycle is the one-shot Modbus power-cycle stage.
	CategoryPowerCycle Category = "power-cycle"
)

// PolicyConfig is the configuration for a retry policy.
type PolicyConfig struct {
	InitialDelay          time.Duration
	MaxDelay              time.Duration
	BackoffMultiplier     float64
	UseExponentialBackoff bool
	// MaxRetries per category. An operation is attempted MaxRetries+1 times
	// in total.
	MaxRetries map[Category]int
}

func (c *PolicyConfig) defaults() error {
	if c.InitialDelay == 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max delay cannot be lower than initial delay")
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier cannot be lower than 1")
	}
	if c.MaxRetries == nil {
		c.MaxRetries = map[Category]int{
			CategoryBootloaderDump: 3,
			CategoryBridgeSetup:    5,
			CategoryPowerCycle:     1,
		}
	}
	return nil
}

// Policy decides how many attempts an operation category is allowed and how
// long to wait between them. It is pure configuration, safe for concurrent use.
type Policy struct {
	initialDelay          time.Duration
	maxDelay              time.Duration
	backoffMultiplier     float64
	useExponentialBackoff bool
	maxRetries            map[Category]int
}

// NewPolicy creates a new retry policy.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Policy{
		initialDelay:          cfg.InitialDelay,
		maxDelay:              cfg.MaxDelay,
		backoffMultiplier:     cfg.BackoffMultiplier,
		useExponentialBackoff: cfg.UseExponentialBackoff,
		maxRetries:            cfg.MaxRetries,
	}, nil
}

// NextDelay returns the delay to wait before retry attempt attemptIndex
// (0-based, the retry after the first failure is attempt 0). Exponential
// backoff multiplies the delay per retry, capped at the max delay.
func (p *Policy) NextDelay(attemptIndex int) time.Duration {
	if !p.useExponentialBackoff {
		return p.initialDelay
	}

	delay := p.initialDelay
	for i := 0; i < attemptIndex; i++ {
		delay = time.Duration(float64(delay) * p.backoffMultiplier)
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}

	return delay
}

// IsRetryable returns whether retry attempt attemptIndex may happen for the
// category after failing with err. Cancellation is never retried, regardless
// of remaining attempts.
func (p *Policy) IsRetryable(attemptIndex int, category Category, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return attemptIndex < p.maxRetries[category]
}

// MaxRetries returns the configured retry count for the category.
func (p *Policy) MaxRetries(category Category) int {
	return p.maxRetries[category]
}
