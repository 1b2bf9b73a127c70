package main

import (
	"context"
	"fmt"

	"github.com/danmuck/emtrace/internal/config"
	"github.com/urfave/cli/v3"
)

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Create or check decoder config files",
		Commands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "Write a starter config (.toml or .yaml by extension)",
				ArgsUsage: "[path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "overwrite an existing file"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.Args().First()
					if path == "" {
						path = "emtrace.toml"
					}
					if err := config.WriteTemplate(path, cmd.Bool("force")); err != nil {
						return err
					}
					fmt.Println("wrote", path)
					return nil
				},
			},
			{
				Name:      "validate",
				Usage:     "Load and validate a config file",
				ArgsUsage: "<path>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					path := cmd.Args().First()
					if path == "" {
						return fmt.Errorf("config validate: missing path")
					}
					cfg, err := config.LoadDecodeConfig(path)
					if err != nil {
						return err
					}
					if err := cfg.Validate(); err != nil {
						return fmt.Errorf("config %s: %w", path, err)
					}
					fmt.Printf("%s: ok (input %s, snapshot %s, output %s)\n", path, cfg.Input, cfg.Snapshot, cfg.Output)
					return nil
				},
			},
		},
	}
}
