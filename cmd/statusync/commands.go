package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mbocsi/statusync/activity"
	"github.com/mbocsi/statusync/client"
	"github.com/mbocsi/statusync/mcp"
	"github.com/mbocsi/statusync/proto"
	"github.com/mbocsi/statusync/server"
	"github.com/mbocsi/statusync/tasks"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Follow live page views or submission progress",
		Subcommands: []*cli.Command{
			{
				Name:   "activity",
				Usage:  "Print page views from every session",
				Action: watchActivityAction,
			},
			{
				Name:   "submissions",
				Usage:  "Print the merged submission view as it changes",
				Action: watchSubmissionsAction,
			},
		},
	}
}

func watchActivityAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := newManager(configFrom(c))
	defer mgr.Close()
	mux := client.NewMultiplexer(mgr)
	defer mux.Close()

	stream, err := activity.NewTracker(mux, nil, nil).Watch(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-stream.C():
			if !ok {
				return nil
			}
			if err := printJSON(a); err != nil {
				return err
			}
		case err := <-stream.Errors():
			slog.Warn("Activity stream interrupted, waiting for reconnect", "error", err)
		}
	}
}

func watchSubmissionsAction(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := configFrom(c)
	tc, err := newTaskClient(cfg)
	if err != nil {
		return err
	}
	mgr := newManager(cfg)
	defer mgr.Close()
	mux := client.NewMultiplexer(mgr)
	defer mux.Close()

	view := activity.NewSubmissions(nil)
	errc := make(chan error, 1)
	go func() {
		errc <- view.Run(ctx, mux, cfg.PollPeriod.Std(), tc.SubmissionActivity)
	}()

	for {
		select {
		case err := <-errc:
			if errors.Is(err, ctx.Err()) {
				return nil
			}
			return err
		case s := <-view.Updates():
			if err := printJSON(s); err != nil {
				return err
			}
		}
	}
}

func publishCommand() *cli.Command {
	return &cli.Command{
		Name:      "publish",
		Usage:     "Report a page view to /ws/activity",
		ArgsUsage: "<page>",
		Action: func(c *cli.Context) error {
			page := c.Args().First()
			if page == "" {
				return errors.New("a page is required")
			}
			mgr := newManager(configFrom(c))
			defer mgr.Close()

			return activity.NewTracker(nil, client.NewPublisher(mgr), nil).TrackPage(c.Context, page)
		},
	}
}

func taskCommand() *cli.Command {
	return &cli.Command{
		Name:  "task",
		Usage: "Start, follow and cancel server jobs",
		Subcommands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "Start a job and follow it until it ends",
				ArgsUsage: "<family>",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "submission-id", Usage: "Submission to report on"},
					&cli.BoolFlag{Name: "detach", Usage: "Print the monitoring record and return"},
				},
				Action: taskStartAction,
			},
			{
				Name:      "progress",
				Usage:     "Fetch the progress of a job once",
				ArgsUsage: "<family> [cancel-token]",
				Action:    taskProgressAction,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a job",
				ArgsUsage: "<family> <cancel-token>",
				Action:    taskCancelAction,
			},
		},
	}
}

func taskStartAction(c *cli.Context) error {
	family, err := familyArg(c)
	if err != nil {
		return err
	}
	cfg := configFrom(c)
	tc, err := newTaskClient(cfg)
	if err != nil {
		return err
	}

	var body any
	if id := c.Int64("submission-id"); id > 0 {
		body = map[string]int64{"submissionId": id}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := tc.Track(family)
	tm, err := tracker.Start(ctx, body)
	if err != nil {
		return err
	}
	if tm != nil {
		if err := printJSON(tm); err != nil {
			return err
		}
	}
	if c.Bool("detach") {
		return nil
	}

	updates := tracker.Watch(ctx, cfg.PollPeriod.Std())
	for {
		select {
		case <-ctx.Done():
			// interrupted: stop the job as well
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tracker.Cancel(cancelCtx)
		case u, ok := <-updates:
			if !ok {
				return tracker.Err()
			}
			fmt.Printf("%s %5.1f%% %s\n", u.State, u.Progress.Percentage, u.Progress.Message)
			if u.State.Terminal() {
				return u.Err
			}
		}
	}
}

func taskProgressAction(c *cli.Context) error {
	family, err := familyArg(c)
	if err != nil {
		return err
	}
	tc, err := newTaskClient(configFrom(c))
	if err != nil {
		return err
	}
	p, err := tc.Progress(c.Context, family, c.Args().Get(1))
	if err != nil {
		return err
	}
	return printJSON(p)
}

func taskCancelAction(c *cli.Context) error {
	family, err := familyArg(c)
	if err != nil {
		return err
	}
	tc, err := newTaskClient(configFrom(c))
	if err != nil {
		return err
	}
	return tc.Cancel(c.Context, family, c.Args().Get(1))
}

func systemCommand() *cli.Command {
	return &cli.Command{
		Name:  "system",
		Usage: "Show the server lifecycle status",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "await", Usage: "Block until the status is one of these"},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			tc, err := newTaskClient(cfg)
			if err != nil {
				return err
			}

			want := c.StringSlice("await")
			if len(want) == 0 {
				info, err := tc.SystemInfo(c.Context)
				if err != nil {
					return err
				}
				return printJSON(info)
			}

			statuses := make([]proto.SystemStatus, 0, len(want))
			for _, w := range want {
				s := proto.SystemStatus(w)
				if !s.Valid() {
					return fmt.Errorf("unknown system status %q", w)
				}
				statuses = append(statuses, s)
			}
			info, err := tasks.AwaitStatus(c.Context, tc, cfg.PollPeriod.Std(), statuses...)
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func discoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "Find a development broker on the local network",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second},
		},
		Action: func(c *cli.Context) error {
			svc, err := client.Discover(c.Duration("timeout"))
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"name":     svc.ServiceName,
				"endpoint": svc.Endpoint(),
				"txt":      svc.TXTRecords,
			})
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint a development bearer token signed with the configured secret",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "login", Value: "developer"},
			&cli.DurationFlag{Name: "ttl", Value: time.Hour},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			token, err := server.NewAuthenticator(cfg.JWTSecret, false).Mint(c.String("login"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the operator tools over MCP on stdio",
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			tc, err := newTaskClient(cfg)
			if err != nil {
				return err
			}
			mgr := newManager(cfg)
			defer mgr.Close()

			s := mcp.NewMCPServer()
			mcp.NewTools(mgr, tc).Register(s)
			return s.Run()
		},
	}
}
