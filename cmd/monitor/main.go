package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"
	"github.com/web3cdk/ca-casher/config"
	"github.com/web3cdk/ca-casher/utils"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		utils.Fatalf("Monitor", "%v", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "ca-casher-monitor"
	app.Usage = "purge cached contract reads made stale by on-chain events"
	app.Version = version
	app.Metadata = map[string]interface{}{}

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "env-file, e",
			Value: "",
			Usage: " load settings from `FILE` instead of .env",
		},
		cli.StringFlag{
			Name:  "rpc, r",
			Value: "",
			Usage: " override RPC_ENDPOINT with comma separated `URLS`",
		},
		cli.StringFlag{
			Name:  "store, s",
			Value: "",
			Usage: " override STORE_BACKEND `BACKEND` [redis|leveldb|memory]",
		},
		cli.StringFlag{
			Name:  "log-level, l",
			Value: "",
			Usage: " override LOG_LEVEL `LEVEL` [error|warn|info|debug]",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "run",
			Usage: "scan for events on a fixed interval until interrupted",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "interval, i",
					Value: 0,
					Usage: " time between scans `DURATION` [default MONITOR_INTERVAL]",
				},
				cli.StringFlag{
					Name:  "metrics-listen, m",
					Value: "",
					Usage: " serve Prometheus metrics on `ADDRESS`",
				},
			},
			Action: runMonitor,
		},
		{
			Name:  "once",
			Usage: "run a single scan and print the report",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "json, j",
					Usage: " print the report as JSON",
				},
			},
			Action: runOnce,
		},
		{
			Name:      "purge",
			Usage:     "delete cached entries of a contract",
			ArgsUsage: "\n   (* = required)",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "contract, c",
					Value: "",
					Usage: "*contract `ADDRESS`",
				},
				cli.StringSliceFlag{
					Name:  "function, f",
					Usage: " only purge `FUNCTION`, repeatable [default all]",
				},
			},
			Action: runPurge,
		},
		{
			Name:   "watermark",
			Usage:  "display the last processed block",
			Action: runWatermark,
		},
		{
			Name:  "version",
			Usage: "display version",
			Action: func(c *cli.Context) error {
				fmt.Fprintf(c.App.Writer, "%s\n", version)
				return nil
			},
		},
	}

	// read the configuration
	app.Before = func(c *cli.Context) error {
		switch c.Args().Get(0) {
		case "", "version", "help", "h":
			return nil
		}

		if file := c.GlobalString("env-file"); file != "" {
			if err := godotenv.Load(file); err != nil {
				return fmt.Errorf("env file %q: %w", file, err)
			}
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if rpc := c.GlobalString("rpc"); rpc != "" {
			cfg.RPCEndpoint = rpc
		}
		if backend := c.GlobalString("store"); backend != "" {
			cfg.StoreBackend = backend
		}
		if level := c.GlobalString("log-level"); level != "" {
			cfg.LogLevel = level
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		utils.SetLogLevel(cfg.LogLevel)

		c.App.Metadata["config"] = &cfg
		return nil
	}

	return app
}
