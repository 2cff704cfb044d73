// Command atlas runs the multi-agent workflow orchestrator.
//
// Usage:
//
//	atlas serve --config config.yaml
//	atlas validate --config config.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/logger"
	"github.com/olegkizyma008-rgb/atlas/pkg/runtime"
)

const (
	exitOK          = 0
	exitStartupFail = 1
	exitBadConfig   = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" default:"1" help:"Start the orchestrator server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	EnvFile   string `name:"env-file" help:"Path to .env file (default .env)."`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("atlas version %s\n", version)
	return nil
}

// ServeCmd starts the orchestrator.
type ServeCmd struct {
	Host string `help:"Host to bind (overrides config)."`
	Port int    `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitBadConfig)
	}

	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(exitStartupFail)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	if err := rt.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(exitStartupFail)
	}
	return nil
}

// ValidateCmd parses and validates a config file without starting
// anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		fmt.Fprintln(os.Stderr, "--config is required for validate")
		os.Exit(exitBadConfig)
	}
	if _, err := loadConfig(cli.Config); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitBadConfig)
	}
	fmt.Printf("%s: ok\n", cli.Config)
	return nil
}

// loadConfig loads the config file, or the built-in defaults when no
// path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("atlas"),
		kong.Description("Atlas - multi-agent workflow orchestrator"),
		kong.UsageOnError(),
	)

	if err := config.LoadDotEnv(cli.EnvFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(exitBadConfig)
	}

	if err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitStartupFail)
	}

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}

func initLogger(levelStr, file, format string) error {
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return err
	}
	output := os.Stderr
	if file != "" {
		f, _, err := logger.OpenLogFile(file)
		if err != nil {
			return err
		}
		output = f
	}
	logger.Init(level, output, format)
	return nil
}
