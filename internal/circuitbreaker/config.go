// Package circuitbreaker provides per-service circuit breaking for the
// gateway. It implements the circuit breaker pattern to prevent hammering
// an upstream that is already failing.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int

	// Cooldown is the duration the circuit stays open before an admission
	// check transitions it to half-open.
	Cooldown time.Duration

	// HalfOpenQuota is the number of consecutive successes required in
	// half-open state to close the circuit. It does not limit how many
	// requests are admitted while half-open: reaching the quota closes the
	// circuit, so every admission check in half-open state succeeds.
	HalfOpenQuota int

	// OnStateChange is called when the circuit breaker state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenQuota:    3,
	}
}

// Validate normalizes out-of-range values to their defaults.
func (c *Config) Validate() error {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.Cooldown < time.Millisecond {
		c.Cooldown = 60 * time.Second
	}
	if c.HalfOpenQuota < 1 {
		c.HalfOpenQuota = 3
	}
	return nil
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithCooldown sets the cooldown duration.
func (c *Config) WithCooldown(d time.Duration) *Config {
	c.Cooldown = d
	return c
}

// WithHalfOpenQuota sets the half-open probe quota.
func (c *Config) WithHalfOpenQuota(n int) *Config {
	c.HalfOpenQuota = n
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}
