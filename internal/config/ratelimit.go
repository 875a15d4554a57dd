package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Rate limit key strategies.
const (
	RateKeyUser      = "user"
	RateKeyUserRoute = "user_route"
	RateKeyIP        = "ip"
)

// RateLimitConfig is the token bucket guarding the paid entry endpoints
// (join, confirm, redeem).  Buckets are keyed per user and route by
// default so one player retrying a payment cannot starve the others.
type RateLimitConfig struct {
	Enabled        bool          `env:"RATE_LIMIT_ENABLED"         envDefault:"true"`
	Capacity       int           `env:"RATE_LIMIT_CAPACITY"        envDefault:"20"`
	RefillTokens   int           `env:"RATE_LIMIT_REFILL_TOKENS"   envDefault:"1"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
	TTL            time.Duration `env:"RATE_LIMIT_TTL"             envDefault:"10m"`
	KeyStrategy    string        `env:"RATE_LIMIT_KEY_STRATEGY"    envDefault:"user_route"`
	Prefix         string        `env:"RATE_LIMIT_PREFIX"          envDefault:"funnel:rl"`
}

// LoadRateLimitConfig parses the RATE_LIMIT_* variables.  Out of range
// numbers are clamped; an unknown key strategy is an error.
func LoadRateLimitConfig() (RateLimitConfig, error) {
	var c RateLimitConfig
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	switch c.KeyStrategy {
	case RateKeyUser, RateKeyUserRoute, RateKeyIP:
	default:
		return c, fmt.Errorf("invalid RATE_LIMIT_KEY_STRATEGY %q", c.KeyStrategy)
	}
	c.clamp()
	return c, nil
}

func (c *RateLimitConfig) clamp() {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.RefillTokens < 1 {
		c.RefillTokens = 1
	}
	if c.RefillInterval <= 0 {
		c.RefillInterval = time.Second
	}
	// an idle bucket must outlive a full refill
	if min := 5 * c.RefillInterval; c.TTL < min {
		c.TTL = min
	}
}
