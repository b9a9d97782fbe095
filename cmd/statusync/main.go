// Command statusync is the operator CLI: it follows live activity, drives
// server jobs and serves the MCP tools.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mbocsi/statusync/client"
	"github.com/mbocsi/statusync/config"
	"github.com/mbocsi/statusync/tasks"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "statusync",
		Usage:   "Real-time status and task tracking client",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"STATUSYNC_CONFIG"}},
			&cli.StringFlag{Name: "server", Usage: "Server URL, overrides the config"},
			&cli.StringFlag{Name: "token", Usage: "Bearer token, overrides the config"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "text or json"},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			setupLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			c.App.Metadata["config"] = cfg
			return nil
		},
		Commands: []*cli.Command{
			watchCommand(),
			publishCommand(),
			taskCommand(),
			systemCommand(),
			discoverCommand(),
			tokenCommand(),
			mcpCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if v := c.String("server"); v != "" {
		cfg.ServerURL = v
	}
	if v := c.String("token"); v != "" {
		cfg.Token = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := c.String("log-format"); v != "" {
		cfg.LogFormat = v
	}
	return cfg, cfg.Validate()
}

func setupLogger(w io.Writer, level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func configFrom(c *cli.Context) config.Config {
	return c.App.Metadata["config"].(config.Config)
}

func tokenSource(cfg config.Config) client.TokenSource {
	if cfg.Token == "" {
		return nil
	}
	return client.StaticToken(cfg.Token)
}

func newManager(cfg config.Config) *client.Manager {
	return client.NewManager(client.Config{
		EndpointURL:       cfg.Endpoint(),
		ReconnectDelay:    cfg.ReconnectDelay.Std(),
		MaxReconnectDelay: cfg.MaxReconnectDelay.Std(),
		ConnectTimeout:    cfg.ConnectTimeout.Std(),
		Tokens:            tokenSource(cfg),
	})
}

func newTaskClient(cfg config.Config) (*tasks.Client, error) {
	var opts []tasks.Option
	if ts := tokenSource(cfg); ts != nil {
		opts = append(opts, tasks.WithTokens(ts))
	}
	return tasks.NewClient(cfg.APIBase(), opts...)
}

func familyArg(c *cli.Context) (tasks.Family, error) {
	name := c.Args().First()
	if name == "" {
		return tasks.Family{}, errors.New("a job family is required")
	}
	family, ok := tasks.FamilyByName(name)
	if !ok {
		var names []string
		for _, f := range tasks.Families() {
			names = append(names, f.Name)
		}
		return tasks.Family{}, fmt.Errorf("unknown job family %q (known: %s)", name, strings.Join(names, ", "))
	}
	return family, nil
}
