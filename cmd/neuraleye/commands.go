package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/neuraleye/internal/config"
	"github.com/marcus-qen/neuraleye/internal/server"
	"github.com/marcus-qen/neuraleye/internal/telemetry"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "Path to YAML config file (env NEURALEYE_* overrides)",
	EnvVars: []string{"NEURALEYE_CONFIG"},
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the relay until SIGINT/SIGTERM",
		Flags:  []cli.Flag{configFlag},
		Action: serveAction,
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Apply image log schema migrations and exit",
		Flags:  []cli.Flag{configFlag},
		Action: migrateAction,
	}
}

func hashTokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-token",
		Usage:     "Print the bcrypt hash to use as auth.token_hash",
		ArgsUsage: "<token>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("usage: neuraleye hash-token <token>", 2)
			}
			hash, err := server.HashToken(c.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, hash)
			return nil
		},
	}
}

func serveAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.Telemetry.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.WithoutCancel(ctx)) }()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Error("relay stopped", zap.Error(err))
		return cli.Exit(err.Error(), 1)
	}
	logger.Info("relay stopped")
	return nil
}

func migrateAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := server.OpenImageLog(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(c.Context); err != nil {
		return fmt.Errorf("migrate image log: %w", err)
	}
	logger.Info("image log schema up to date", zap.String("driver", cfg.ImageLog.Driver))
	return nil
}

func setup(c *cli.Context) (config.Config, *zap.Logger, error) {
	var (
		cfg config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return cfg, nil, cli.Exit(fmt.Sprintf("load config: %v", err), 2)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, cli.Exit(fmt.Sprintf("invalid config: %v", err), 2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
