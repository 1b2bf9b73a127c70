package main

import (
	"context"
	"fmt"
	"os"

	"github.com/danmuck/emtrace/internal/logging"
	"github.com/urfave/cli/v3"
)

func main() {
	logging.ConfigureRuntime()
	app := &cli.Command{
		Name:  "emtrace",
		Usage: "Decode emtrace binary trace streams",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			decodeCmd(),
			inspectCmd(),
			headerCmd(),
			configCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "emtrace: %v\n", err)
		os.Exit(1)
	}
}
