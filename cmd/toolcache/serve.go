package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/jonwraymond/toolcache/admin"
	"github.com/jonwraymond/toolcache/config"
	"github.com/jonwraymond/toolcache/engine"
	"github.com/jonwraymond/toolcache/observe"
)

func serveCommand(defaults string) *cli.Command {
	return &cli.Command{
		Name:      "serve",
		Usage:     "run the cache engine and its admin API",
		UsageText: "toolcache serve [--config FILE] [--addr ADDR] [--log-level LEVEL]",
		Flags: []cli.Flag{
			configFlag(),
			strictFlag(),
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "admin listen address",
				Sources: yamlSource("admin.addr", defaults),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Sources: yamlSource("observe.log_level", defaults),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(ctx, cmd, cmd.Root().ErrWriter)
			if err != nil {
				return err
			}
			applyOverrides(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func applyOverrides(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("addr") {
		cfg.Admin.Addr = cmd.String("addr")
	}
	if cmd.IsSet("log-level") {
		cfg.Observe.LogLevel = cmd.String("log-level")
	}
}

func serve(ctx context.Context, cfg config.Config) (err error) {
	obs, err := observe.NewObserver(ctx, cfg.ObserveConfig())
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	logger := obs.Logger()
	shutdownTimeout := cfg.Admin.ShutdownTimeout.D()
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, obs.Shutdown(sctx))
	}()

	e, err := engine.New(ctx, cfg, engine.WithObserver(obs))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err = errors.Join(err, e.Close(sctx))
	}()

	srv := admin.NewServer(e,
		admin.WithAuthenticator(admin.NewAuthenticator(admin.JWTConfig{
			Secret:   []byte(cfg.Admin.JWTSecret),
			Issuer:   cfg.Admin.JWTIssuer,
			Audience: cfg.Admin.JWTAudience,
		})),
		admin.WithLogger(logger),
		admin.WithShutdownTimeout(shutdownTimeout),
	)
	if cfg.Admin.JWTSecret == "" {
		logger.Warn(ctx, "admin API is unauthenticated; set admin.jwt_secret to require bearer tokens")
	}
	return srv.ListenAndServe(ctx, cfg.Admin.Addr)
}
