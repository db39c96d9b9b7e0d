package main

import (
	"strings"

	"github.com/danmuck/remoterc/internal/config"
)

// resolveConfig loads path (optional) and applies command-line overrides.
// Extra exclusions are appended to the configured set.
func resolveConfig(path string, flags *buildCmd) (config.ClientConfig, error) {
	cfg, err := config.LoadClientConfig(path)
	if err != nil {
		return config.ClientConfig{}, err
	}
	if flags == nil {
		return cfg, nil
	}
	if project := strings.TrimSpace(flags.Project); project != "" {
		cfg.Build.ProjectDir = project
	}
	if flags.Server != nil {
		cfg.Build.ServerURL = strings.TrimSpace(*flags.Server)
	}
	if flags.Output != nil {
		cfg.Build.OutputDir = strings.TrimSpace(*flags.Output)
	}
	if flags.Target != nil {
		cfg.Build.Target = strings.TrimSpace(*flags.Target)
	}
	if flags.Release {
		cfg.Build.Release = true
	}
	if len(flags.Exclude) > 0 {
		cfg.Build.Exclusions = append(append([]string(nil), cfg.Build.Exclusions...), flags.Exclude...)
	}
	if flags.Attempts != nil {
		cfg.Build.ConnectAttempts = *flags.Attempts
	}
	if err := config.ValidateClientConfig(cfg); err != nil {
		return config.ClientConfig{}, err
	}
	return cfg, nil
}
