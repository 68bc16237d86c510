package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	altsrc "github.com/urfave/cli-altsrc/v3"
	yaml "github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"

	"github.com/jonwraymond/toolcache/config"
)

const configEnv = "TOOLCACHE_CONFIG"

// version is set at build time.
var version = "dev"

// NewApp builds the command tree. defaults is an optional YAML file whose
// values back the override flags; it is usually the same file as --config.
func NewApp(defaults string) *cli.Command {
	app := &cli.Command{
		Name:    "toolcache",
		Usage:   "caching and request coalescing for tool executions",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(defaults),
			validateCommand(),
			inspectCommand(),
		},
	}

	for _, cmd := range app.Commands {
		sort.Slice(cmd.Flags, func(i, j int) bool {
			return cmd.Flags[i].Names()[0] < cmd.Flags[j].Names()[0]
		})
	}
	return app
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to a .toml or .yaml configuration file",
		Sources: cli.EnvVars(configEnv),
	}
}

func strictFlag() *cli.BoolFlag {
	return &cli.BoolFlag{
		Name:    "strict",
		Usage:   "reject unknown configuration keys",
		Sources: cli.EnvVars("TOOLCACHE_STRICT"),
	}
}

func yamlSource(key, defaults string) cli.ValueSourceChain {
	return cli.NewValueSourceChain(
		cli.EnvVar("TOOLCACHE_"+envName(key)),
		yaml.YAML(key, altsrc.StringSourcer(defaults)),
	)
}

func envName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// loadConfig reads --config, or returns the defaults when it is unset.
// Warnings go to w.
func loadConfig(ctx context.Context, cmd *cli.Command, w io.Writer) (config.Config, error) {
	path := cmd.String("config")
	if path == "" {
		return config.Default(), nil
	}

	res, err := config.Load(ctx, path, config.LoadOptions{Strict: cmd.Bool("strict")})
	if err != nil {
		return config.Config{}, err
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return res.Config, nil
}
