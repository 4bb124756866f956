package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"wabot/internal/config"
	"wabot/internal/errors"
	"wabot/internal/logging"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "❌", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := &cli.App{
		Name:    "wabot",
		Usage:   "WhatsApp command bot",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Config file (YAML, TOML or JSON); WABOT_* env vars override it"},
		},
		Commands: []*cli.Command{
			runCmd(),
			pairCmd(),
			versionCmd(),
		},
		Action: func(c *cli.Context) error {
			return runCmd().Action(c)
		},
	}
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// setup loads and validates the configuration and builds the logger.
func setup(c *cli.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), errors.NewInvalidConfig(err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), errors.NewInvalidConfig(err.Error())
	}
	return cfg, log, nil
}

func runCmd() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Connect and serve commands until interrupted",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			return run(c.Context, cfg, log)
		},
	}
}

func pairCmd() *cli.Command {
	return &cli.Command{
		Name:  "pair",
		Usage: "Link this bot as a WhatsApp device, then exit",
		Action: func(c *cli.Context) error {
			cfg, log, err := setup(c)
			if err != nil {
				return err
			}
			return pair(c.Context, cfg, log)
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintf(c.App.Writer, "wabot %s\n", Version)
			return err
		},
	}
}
