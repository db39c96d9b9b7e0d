package main

import (
	"strings"

	"github.com/danmuck/remoterc/internal/config"
)

// resolveConfig loads path (optional) and applies command-line overrides.
func resolveConfig(path string, flags *serveCmd) (config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(path)
	if err != nil {
		return config.ServerConfig{}, err
	}
	if flags == nil {
		return cfg, nil
	}
	if flags.Port != nil {
		cfg.Listen.Port = *flags.Port
	}
	if flags.IPv4 != nil {
		cfg.Listen.IPv4Addr = strings.TrimSpace(*flags.IPv4)
	}
	if flags.IPv6 != nil {
		cfg.Listen.IPv6Addr = strings.TrimSpace(*flags.IPv6)
	}
	if flags.CacheDir != nil {
		cfg.CacheDir = *flags.CacheDir
	}
	if flags.Target != nil {
		cfg.Dispatch.DefaultTarget = strings.TrimSpace(*flags.Target)
	}
	if flags.MaxBuilds != nil {
		cfg.Dispatch.MaxConcurrent = *flags.MaxBuilds
	}
	if flags.AbortOnSignal {
		cfg.Listen.AbortBuildsOnShutdown = true
	}
	if err := config.ValidateServerConfig(cfg); err != nil {
		return config.ServerConfig{}, err
	}
	return cfg, nil
}
