package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/danmuck/remoterc/internal/cache"
	"github.com/danmuck/remoterc/internal/client"
	"github.com/danmuck/remoterc/internal/config"
	"github.com/danmuck/remoterc/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var rootCmd struct {
	Config string   `short:"c" help:"Path to rrc.toml." type:"path" placeholder:"PATH"`
	Debug  bool     `short:"d" help:"Enable debug output."`
	Quiet  bool     `short:"q" help:"Only log warnings and errors."`
	Build  buildCmd `cmd:"" default:"withargs" help:"Build the project on the remote server."`
	Init   initCmd  `cmd:"" help:"Write a sample rrc.toml."`
}

type buildCmd struct {
	Project  string   `arg:"" optional:"" help:"Project directory (default from config, else current directory)."`
	Server   *string  `short:"s" help:"Server websocket URL."`
	Output   *string  `short:"o" help:"Directory for the returned executables."`
	Target   *string  `short:"t" help:"Cross-compilation target triple."`
	Release  bool     `short:"r" help:"Build with the release profile."`
	Exclude  []string `short:"x" help:"Additional exclusion pattern (regex, repeatable)."`
	Attempts *int     `help:"Connection attempts (0 = until interrupted)."`
}

type initCmd struct {
	Path      string `arg:"" optional:"" default:"rrc.toml" help:"Destination file."`
	Overwrite bool   `help:"Replace an existing file."`
}

func main() {
	logging.ConfigureRuntime()
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kctx := kong.Parse(&rootCmd,
		kong.Name("rrc"),
		kong.Description("Remote Rust build client.\n\nSends the project to an rrcd server and unpacks the executables it returns."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	switch {
	case rootCmd.Debug:
		logging.SetLevel(zerolog.DebugLevel)
	case rootCmd.Quiet:
		logging.SetLevel(zerolog.WarnLevel)
	}

	if err := kctx.Run(); err != nil {
		log.Error().Err(err).Msg("rrc.main exit")
		cancel()
		os.Exit(1)
	}
}

func (c *buildCmd) Run(ctx context.Context) error {
	cfg, err := resolveConfig(rootCmd.Config, c)
	if err != nil {
		return err
	}
	store, err := cache.Open(cfg.CacheDir)
	if err != nil {
		return err
	}
	s, err := client.New(cfg.Build, store)
	if err != nil {
		return err
	}
	out, err := s.Run(ctx)
	if err != nil {
		return err
	}
	for _, f := range out.Files {
		fmt.Fprintln(os.Stdout, f)
	}
	return nil
}

func (c *initCmd) Run() error {
	if err := config.WriteTemplate(c.Path, "client", c.Overwrite); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", c.Path)
	return nil
}
