package config

import (
	"fmt"
	"time"
)

// LLMTimeouts centralizes timeout and retry configuration for sample requests.
//
// In Go the SHORTEST timeout in the chain wins: PerCallTimeout is applied as a
// context deadline to every attempt, so it bounds a request even when the
// transport would wait longer.
type LLMTimeouts struct {
	// PerCallTimeout bounds a single request attempt.
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`

	// RetryBackoffBase is the wait before the second attempt; it doubles
	// for every attempt after that.
	RetryBackoffBase time.Duration `yaml:"retry_backoff_base"`

	// RetryBackoffMax caps a single backoff wait.
	RetryBackoffMax time.Duration `yaml:"retry_backoff_max"`

	// MaxRetries is the total number of attempts per sample.
	MaxRetries int `yaml:"max_retries"`
}

// DefaultLLMTimeouts returns the defaults used for sampling.
func DefaultLLMTimeouts() LLMTimeouts {
	return LLMTimeouts{
		PerCallTimeout:   120 * time.Second,
		RetryBackoffBase: 1 * time.Second,
		RetryBackoffMax:  30 * time.Second,
		MaxRetries:       3,
	}
}

// Validate rejects non-positive values.
func (t LLMTimeouts) Validate() error {
	if t.PerCallTimeout <= 0 {
		return fmt.Errorf("per_call_timeout must be positive")
	}
	if t.RetryBackoffBase < 0 || t.RetryBackoffMax < t.RetryBackoffBase {
		return fmt.Errorf("retry backoff must satisfy 0 <= base <= max")
	}
	if t.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	return nil
}
