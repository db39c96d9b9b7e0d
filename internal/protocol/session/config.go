package session

import "time"

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport timeouts and limits shared by both endpoints.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// PongTimeout bounds the silence tolerated on the read side. Every
	// inbound message, ping, or pong pushes the read deadline forward.
	PongTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     30 * time.Second,
		PongTimeout:      60 * time.Second,
		PingInterval:     20 * time.Second,
		MaxMessageBytes:  256 * 1024 * 1024,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = d.PongTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout / 2
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}
