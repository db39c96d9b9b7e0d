package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/remoterc/internal/config"
	"github.com/danmuck/remoterc/internal/testutil/testlog"
)

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "rrc.toml")
	if err := os.WriteFile(path, []byte("server_url = \"ws://build.local:8888/\"\ntarget = \"x86_64-pc-windows-gnu\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	target := "aarch64-unknown-linux-gnu"
	cfg, err := resolveConfig(path, &buildCmd{Project: "/src/app", Target: &target, Release: true, Exclude: []string{"^assets/"}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b := cfg.Build
	if b.ServerURL != "ws://build.local:8888/" || b.ProjectDir != "/src/app" || b.Target != target || !b.Release {
		t.Fatalf("unexpected build config: %+v", b)
	}
	if len(b.Exclusions) != 3 || b.Exclusions[2] != "^assets/" {
		t.Fatalf("exclusions should extend defaults: %v", b.Exclusions)
	}
}

func TestResolveConfigRejectsBadServerFlag(t *testing.T) {
	testlog.Start(t)
	bad := "127.0.0.1:8888"
	if _, err := resolveConfig("", &buildCmd{Server: &bad}); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}
