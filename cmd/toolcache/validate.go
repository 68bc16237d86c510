package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"
)

var errConfigRequired = errors.New("--config is required")

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check a configuration file",
		UsageText: "toolcache validate --config FILE [--strict]",
		Flags:     []cli.Flag{configFlag(), strictFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.String("config") == "" {
				return errConfigRequired
			}
			w := cmd.Root().Writer

			cfg, err := loadConfig(ctx, cmd, w)
			if err != nil {
				return err
			}
			maxBytes, _ := cfg.MaxBytes()

			fmt.Fprintf(w, "%s: ok\n", cmd.String("config"))
			fmt.Fprintf(w, "  max entries:  %d\n", cfg.MaxEntries)
			fmt.Fprintf(w, "  max memory:   %s\n", formatBytes(maxBytes))
			fmt.Fprintf(w, "  default ttl:  %s\n", cfg.DefaultTTL)
			fmt.Fprintf(w, "  persistence:  %s\n", cfg.Persistence.Backend)
			return nil
		},
	}
}
