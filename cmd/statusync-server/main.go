// Command statusync-server runs the development broker and task control
// plane.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mbocsi/statusync/config"
	"github.com/mbocsi/statusync/server"
)

func main() {
	app := &cli.App{
		Name:  "statusync-server",
		Usage: "Development STOMP broker with an in-memory task control plane",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"STATUSYNC_CONFIG"}},
			&cli.StringFlag{Name: "listen", Usage: "Listen address, overrides the config"},
			&cli.StringFlag{Name: "jwt-secret", Usage: "HS256 secret for bearer tokens", EnvVars: []string{"STATUSYNC_JWT_SECRET"}},
			&cli.BoolFlag{Name: "require-auth", Usage: "Reject callers without a valid token"},
			&cli.BoolFlag{Name: "no-websocket", Usage: "Serve long-polling only"},
			&cli.BoolFlag{Name: "no-long-poll", Usage: "Serve websocket only"},
			&cli.DurationFlag{Name: "task-tick", Value: server.DefaultTaskTick, Usage: "How often simulated jobs advance"},
			&cli.Float64Flag{Name: "task-step", Value: server.DefaultTaskStep, Usage: "Percent a simulated job advances per tick"},
			&cli.StringFlag{Name: "advertise", Usage: "Announce the broker over mDNS under this instance name"},
			&cli.StringFlag{Name: "log-level", Value: "info"},
			&cli.StringFlag{Name: "log-format", Value: "json"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, opts)))
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	setupLogger(c.String("log-level"), c.String("log-format"))

	listen := cfg.Listen
	if v := c.String("listen"); v != "" {
		listen = v
	}
	secret := cfg.JWTSecret
	if v := c.String("jwt-secret"); v != "" {
		secret = v
	}

	srv := server.New(server.Options{
		Addr:             listen,
		EndpointPath:     cfg.EndpointPath,
		JWTSecret:        secret,
		RequireAuth:      c.Bool("require-auth"),
		DisableWebSocket: c.Bool("no-websocket"),
		DisableLongPoll:  c.Bool("no-long-poll"),
		TaskTick:         c.Duration("task-tick"),
		TaskStep:         c.Float64("task-step"),
		Advertise:        c.String("advertise"),
	})
	if c.Bool("require-auth") && secret == "" {
		slog.Warn("require-auth has no effect without a jwt secret")
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err = srv.Run(ctx)
	slog.Info("Statusync server stopped", "uptime", time.Since(start).Round(time.Second).String())
	return err
}
