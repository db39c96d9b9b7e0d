package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/remoterc/internal/protocol/session"
)

func applySession(meta toml.MetaData, raw sessionFile, cfg session.Config) (session.Config, error) {
	var err error
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"pong_timeout", raw.PongTimeout, &cfg.PongTimeout},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		if *d.dst, err = parseDuration(d.key, d.raw); err != nil {
			return session.Config{}, err
		}
	}
	if meta.IsDefined("max_message_bytes") {
		cfg.MaxMessageBytes = raw.MaxMessageBytes
	}
	return cfg, nil
}

// parseDuration accepts Go duration strings. Empty and "0" mean zero.
func parseDuration(key, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalid, key)
	}
	return d, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
