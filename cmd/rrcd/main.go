package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/danmuck/remoterc/internal/cache"
	"github.com/danmuck/remoterc/internal/config"
	"github.com/danmuck/remoterc/internal/dispatch"
	"github.com/danmuck/remoterc/internal/logging"
	"github.com/danmuck/remoterc/internal/server"
	"github.com/danmuck/remoterc/internal/toolchain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var rootCmd struct {
	Config     string        `short:"c" help:"Path to rrcd.toml." type:"path" placeholder:"PATH"`
	Debug      bool          `short:"d" help:"Enable debug output."`
	Quiet      bool          `short:"q" help:"Only log warnings and errors."`
	Serve      serveCmd      `cmd:"" default:"withargs" help:"Accept build jobs until interrupted."`
	InitConfig initConfigCmd `cmd:"" name:"init-config" help:"Write a sample rrcd.toml."`
}

type serveCmd struct {
	Port          *int    `short:"p" help:"Listen port."`
	IPv4          *string `name:"ipv4" help:"IPv4 listen address; empty disables it."`
	IPv6          *string `name:"ipv6" help:"IPv6 listen address; empty disables it."`
	CacheDir      *string `help:"Cache directory for snapshots, build dirs, and results."`
	Target        *string `help:"Default cross-compilation target."`
	MaxBuilds     *int    `help:"Concurrent build limit (0 = CPU count)."`
	AbortOnSignal bool    `help:"Cancel in-flight builds on shutdown."`
}

type initConfigCmd struct {
	Path      string `arg:"" optional:"" default:"rrcd.toml" help:"Destination file."`
	Overwrite bool   `help:"Replace an existing file."`
}

func main() {
	logging.ConfigureRuntime()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx := kong.Parse(&rootCmd,
		kong.Name("rrcd"),
		kong.Description("Remote Rust build server.\n\nAccepts project snapshots over websocket and returns cross-compiled executables."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	applyVerbosity(rootCmd.Debug, rootCmd.Quiet)

	if err := kctx.Run(); err != nil {
		log.Error().Err(err).Msg("rrcd.main exit")
		cancel()
		os.Exit(1)
	}
}

func applyVerbosity(debug, quiet bool) {
	switch {
	case debug:
		logging.SetLevel(zerolog.DebugLevel)
	case quiet:
		logging.SetLevel(zerolog.WarnLevel)
	}
}

func (c *serveCmd) Run(ctx context.Context) error {
	cfg, err := resolveConfig(rootCmd.Config, c)
	if err != nil {
		return err
	}
	store, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return err
	}
	d := dispatch.New(cfg.Dispatch, store, toolchain.NewCargo(cfg.Toolchain))
	m := server.NewManager(cfg.Listen, d)

	log.Info().Msgf(
		"rrcd.serve starting node=%s port=%d cache=%s target=%s builds=%d",
		cfg.Listen.NodeName,
		cfg.Listen.Port,
		store.Root(),
		cfg.Dispatch.DefaultTarget,
		d.Pool().Size(),
	)
	if err := m.ListenAndServe(ctx); err != nil {
		return err
	}
	log.Info().Msg("rrcd.serve stopped")
	return nil
}

func (c *initConfigCmd) Run() error {
	if err := config.WriteTemplate(c.Path, "server", c.Overwrite); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", c.Path)
	return nil
}
