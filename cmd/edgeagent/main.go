package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli"

	"edgeagent/internal/agent"
)

// set by the linker: go build -ldflags "-X main.version=M.N" ./...
var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "edgeagent"
	app.Usage = "offline caching and push delivery agent"
	app.Version = version

	app.Writer = os.Stdout
	app.ErrWriter = os.Stderr

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "/edgeagent.yaml",
			EnvVar: "EDGEAGENT_CONFIG",
			Usage:  "agent configuration `FILE`",
		},
	}
	serveFlags := []cli.Flag{
		cli.BoolTFlag{
			Name:  "watch",
			Usage: "redeploy when the version in the config file changes",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "serve",
			Usage:  "run the agent",
			Flags:  serveFlags,
			Action: runServe,
		},
		{
			Name:   "generations",
			Usage:  "list cached generations with their entry counts",
			Action: runGenerations,
		},
		{
			Name:  "purge",
			Usage: "delete one generation, or one entry of it",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "generation, g",
					Usage: "generation `NAME` (required)",
				},
				cli.StringFlag{
					Name:  "url, u",
					Usage: "only purge the GET entry for `URL`",
				},
			},
			Action: runPurge,
		},
	}
	app.Flags = append(app.Flags, serveFlags...)
	app.Action = runServe

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(app.ErrWriter, "edgeagent: %s\n", err)
		os.Exit(1)
	}
}

func configPath(c *cli.Context) string {
	if p := c.GlobalString("config"); p != "" {
		return p
	}
	return c.String("config")
}

func loadConfig(c *cli.Context) (agent.Config, *slog.Logger, error) {
	cfg, err := agent.LoadConfig(configPath(c))
	if err != nil {
		return agent.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	return cfg, log, nil
}
