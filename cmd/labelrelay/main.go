package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

const version = "0.1.0"

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "labelrelay: %v\n", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "labelrelay",
		Usage:   "Keep issue labels consistent across teams and relay tracker webhooks",
		Version: version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file",
				Sources: cli.EnvVars("LABELRELAY_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncLabelsCommand(),
			resyncIndexCommand(),
			whoamiCommand(),
			tokenCommand(),
			initConfigCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the webhook receiver and admin API",
		Action: runServe,
	}
}

func syncLabelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync-labels",
		Usage: "Reconcile labels across every team once through the running server",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "dry-run",
				Usage: "Print the planned changes without applying them",
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Base URL of the labelrelay server (defaults to server.addr on loopback)",
				Sources: cli.EnvVars("LABELRELAY_SERVER_URL"),
			},
		},
		Action: runSyncLabels,
	}
}

func resyncIndexCommand() *cli.Command {
	return &cli.Command{
		Name:   "resync-index",
		Usage:  "Rebuild the local label index from the tracker",
		Action: runResyncIndex,
	}
}

func whoamiCommand() *cli.Command {
	return &cli.Command{
		Name:   "whoami",
		Usage:  "Show the tracker account the configured token belongs to",
		Action: runWhoami,
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue a bearer token for the admin API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "subject",
				Usage: "Token subject, used as the rate limit key",
				Value: "admin",
			},
			&cli.StringSliceFlag{
				Name:  "scope",
				Usage: "Granted scope (repeatable)",
				Value: []string{"labels:sync", "ingress:read", "events:read"},
			},
			&cli.DurationFlag{
				Name:  "ttl",
				Usage: "Token lifetime",
				Value: defaultTokenTTL,
			},
		},
		Action: runToken,
	}
}

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "init-config",
		Usage: "Write the example configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "path",
				Usage: "Destination file",
				Value: "labelrelay.toml",
			},
		},
		Action: runInitConfig,
	}
}
