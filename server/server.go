package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

type Options struct {
	Addr         string // listen address, defaults to ":8080"
	EndpointPath string // messaging endpoint, defaults to "/ws"

	JWTSecret   string
	RequireAuth bool

	DisableWebSocket bool
	DisableLongPoll  bool
	PollWindow       time.Duration

	TaskTick time.Duration
	TaskStep float64

	// Advertise announces the endpoint over mDNS under this instance name.
	Advertise string
}

// Server is the development broker: STOMP over websocket and long-poll, the
// task control plane and a metrics endpoint on one listener.
type Server struct {
	opts Options

	Coordinator *Coordinator
	Registry    *SessionRegistry
	Broker      *Broker
	Auth        *Authenticator
	Tasks       *TaskAPI

	ws   *WSTransport
	poll *PollTransport

	router chi.Router
}

func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.EndpointPath == "" {
		opts.EndpointPath = "/ws"
	}
	opts.EndpointPath = "/" + strings.Trim(opts.EndpointPath, "/")

	registry := NewSessionRegistry()
	broker := NewBroker()
	auth := NewAuthenticator(opts.JWTSecret, opts.RequireAuth)
	coordinator := NewCoordinator(registry, broker, auth)
	NewActivityRelay(broker).Register(coordinator)

	taskAPI := NewTaskAPI(broker)
	if opts.TaskTick > 0 {
		taskAPI.Tick = opts.TaskTick
	}
	if opts.TaskStep > 0 {
		taskAPI.Step = opts.TaskStep
	}

	s := &Server{
		opts:        opts,
		Coordinator: coordinator,
		Registry:    registry,
		Broker:      broker,
		Auth:        auth,
		Tasks:       taskAPI,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())

	r.Route(opts.EndpointPath, func(r chi.Router) {
		if !opts.DisableWebSocket {
			s.ws = NewWSTransport()
			coordinator.RegisterTransport(s.ws)
			r.Handle("/", s.ws)
		}
		if !opts.DisableLongPoll {
			s.poll = NewPollTransport()
			if opts.PollWindow > 0 {
				s.poll.Window = opts.PollWindow
			}
			coordinator.RegisterTransport(s.poll)
			s.poll.Routes(r)
		}
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		taskAPI.Routes(r)
	})

	s.router = r
	return s
}

// Handler exposes the router, mostly so tests can mount it on httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Options() Options {
	return s.opts
}

// Run serves until ctx ends, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Statusync server listening", "addr", ln.Addr().String(), "endpoint", s.opts.EndpointPath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		if s.ws != nil {
			s.ws.CloseAll()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("Shutting down statusync server")
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return s.Tasks.Run(ctx)
	})

	if s.poll != nil {
		g.Go(func() error {
			return s.poll.Run(ctx)
		})
	}

	if s.opts.Advertise != "" {
		g.Go(func() error {
			port := ln.Addr().(*net.TCPAddr).Port
			return Advertise(ctx, s.opts.Advertise, port, s.opts.EndpointPath)
		})
	}

	return g.Wait()
}
