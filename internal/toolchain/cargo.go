package toolchain

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const outputTailBytes = 4096

// CargoConfig names the external commands and bounds target installs.
type CargoConfig struct {
	CargoCommand   string
	RustupCommand  string
	InstallTimeout time.Duration
	Env            []string
}

func DefaultCargoConfig() CargoConfig {
	return CargoConfig{
		CargoCommand:   "cargo",
		RustupCommand:  "rustup",
		InstallTimeout: 10 * time.Minute,
	}
}

// CommandFunc runs name with args in dir and returns combined output.
type CommandFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Cargo is the production Runner.
type Cargo struct {
	cfg CargoConfig
	run CommandFunc

	installs  singleflight.Group
	mu        sync.Mutex
	installed map[string]struct{}
}

func NewCargo(cfg CargoConfig) *Cargo {
	d := DefaultCargoConfig()
	if cfg.CargoCommand == "" {
		cfg.CargoCommand = d.CargoCommand
	}
	if cfg.RustupCommand == "" {
		cfg.RustupCommand = d.RustupCommand
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = d.InstallTimeout
	}
	c := &Cargo{
		cfg:       cfg,
		installed: make(map[string]struct{}),
	}
	c.run = c.execCommand
	return c
}

// WithCommandFunc swaps the process launcher. Used by tests.
func (c *Cargo) WithCommandFunc(fn CommandFunc) *Cargo {
	c.run = fn
	return c
}

// EnsureTarget runs `rustup target add` at most once per target at a time
// and remembers successful installs for the life of c. The shared install
// is detached from any one caller's ctx; each caller still stops waiting
// when its own ctx ends.
func (c *Cargo) EnsureTarget(ctx context.Context, target string) error {
	if target == "" {
		return nil
	}
	if c.isInstalled(target) {
		return nil
	}
	ch := c.installs.DoChan(target, func() (any, error) {
		if c.isInstalled(target) {
			return nil, nil
		}
		installCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.InstallTimeout)
		defer cancel()
		log.Info().Msgf("toolchain.Cargo.EnsureTarget installing target=%s", target)
		out, err := c.run(installCtx, "", c.cfg.RustupCommand, "target", "add", target)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v\n%s", ErrInstallFailed, target, err, outputTail(out, outputTailBytes))
		}
		c.mu.Lock()
		c.installed[target] = struct{}{}
		c.mu.Unlock()
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cargo) Build(ctx context.Context, dir, target string, release bool) ([]string, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	names, err := m.BinaryNames(dir)
	if err != nil {
		return nil, err
	}

	args := []string{"build"}
	if release {
		args = append(args, "--release")
	}
	if target != "" {
		args = append(args, "--target", target)
	}
	started := time.Now()
	log.Debug().Msgf("toolchain.Cargo.Build start dir=%s args=%v", dir, args)
	out, err := c.run(ctx, dir, c.cfg.CargoCommand, args...)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrBuildFailed, ctxErr)
		}
		return nil, fmt.Errorf("%w: %v\n%s", ErrBuildFailed, err, outputTail(out, outputTailBytes))
	}
	log.Info().Msgf(
		"toolchain.Cargo.Build done dir=%s target=%s profile=%s elapsed=%s",
		dir,
		target,
		Profile(release),
		time.Since(started).Round(time.Millisecond),
	)
	return ResolveBinaries(dir, target, release, names)
}

func (c *Cargo) isInstalled(target string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.installed[target]
	return ok
}

func (c *Cargo) execCommand(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	return cmd.CombinedOutput()
}
