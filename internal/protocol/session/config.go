package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidReadPoll  = errors.New("session: read poll interval must be positive")
	ErrInvalidIdle      = errors.New("session: idle timeout must exceed heartbeat interval")
	ErrInvalidBackoff   = errors.New("session: invalid backoff")
	ErrInvalidQueueSize = errors.New("session: invalid pending queue size")
)

// BackoffConfig defines retry backoff behavior. StableAfter is the link
// uptime that resets reconnect backoff; zero uses MaxDelay.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	StableAfter  time.Duration
}

// Config defines serial link timing and reliability defaults.
//
// IdleTimeout and HeartbeatInterval are disabled when zero.
type Config struct {
	ReadPollInterval  time.Duration
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	FlushInterval     time.Duration
	PendingQueueSize  int
	Backoff           BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ReadPollInterval:  100 * time.Millisecond,
		IdleTimeout:       30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		FlushInterval:     250 * time.Millisecond,
		PendingQueueSize:  256,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
			StableAfter:  30 * time.Second,
		},
	}
}

// WithDefaults fills fields that have no meaningful zero value.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadPollInterval <= 0 {
		c.ReadPollInterval = def.ReadPollInterval
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.PendingQueueSize < 0 {
		c.PendingQueueSize = 0
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

func (c Config) Validate() error {
	if c.ReadPollInterval <= 0 {
		return ErrInvalidReadPoll
	}
	if c.IdleTimeout > 0 && c.HeartbeatInterval > 0 && c.IdleTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: idle=%s heartbeat=%s", ErrInvalidIdle, c.IdleTimeout, c.HeartbeatInterval)
	}
	if c.PendingQueueSize < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, c.PendingQueueSize)
	}
	if c.Backoff.InitialDelay <= 0 || c.Backoff.MaxDelay <= 0 {
		return fmt.Errorf("%w: delays must be positive", ErrInvalidBackoff)
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("%w: max=%s < initial=%s", ErrInvalidBackoff, c.Backoff.MaxDelay, c.Backoff.InitialDelay)
	}
	if c.Backoff.StableAfter < 0 {
		return fmt.Errorf("%w: stable_after=%s", ErrInvalidBackoff, c.Backoff.StableAfter)
	}
	return nil
}
