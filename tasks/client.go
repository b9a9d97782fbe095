// Package tasks talks to the job control plane: starting long running server
// jobs, polling their progress and cancelling them.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbocsi/statusync/client"
	"github.com/mbocsi/statusync/metrics"
	"github.com/mbocsi/statusync/proto"
	"github.com/sony/gobreaker"
)

type Client struct {
	base    *url.URL
	http    *http.Client
	tokens  client.TokenSource
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithTokens(ts client.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid API base URL %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "tasks")

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "control-plane",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || IsNotFound(err) || errorCode(err) == ErrCodeInvalidInput || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("Circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

func (c *Client) BaseURL() string {
	return c.base.String()
}

// do runs one request through the breaker and returns the raw response body.
func (c *Client) do(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "marshal request", Cause: err}
		}
		body = bytes.NewReader(data)
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, ServiceError{Code: ErrCodeUnauthorized, Message: "resolve token", Cause: err}
	}

	out, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
		if err != nil {
			return nil, ServiceError{Code: ErrCodeInvalidInput, Message: "build request", Cause: err}
		}
		req.Header.Set("Accept", "application/json")
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, transportError(method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, transportError(method, path, err)
		}
		if resp.StatusCode >= 300 {
			return nil, statusError(method, path, resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return data, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ServiceError{Code: ErrCodeUnavailable, Message: fmt.Sprintf("%s %s", method, path), Cause: err}
	}
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.tokens == nil {
		return "", nil
	}
	return c.tokens.Token(ctx)
}

func decode[T any](data []byte, method, path string) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, ServiceError{Code: ErrCodeInternal, Message: fmt.Sprintf("%s %s: invalid response", method, path), Cause: err}
	}
	return v, nil
}

// Start provisions a job. Families that do not hand out a monitoring record
// reply with an empty body, in which case Start returns nil without error.
func (c *Client) Start(ctx context.Context, family Family, request any) (*proto.TaskMonitoring, error) {
	data, err := c.do(ctx, http.MethodPost, family.Path, request)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	tm, err := decode[proto.TaskMonitoring](data, http.MethodPost, family.Path)
	if err != nil {
		return nil, err
	}
	if tm.Type == "" {
		tm.Type = family.Name
	}
	c.log.Info("Task started", "family", family.Name, "id", tm.ID, "state", tm.State)
	return &tm, nil
}

// Progress fetches the latest snapshot. A job the server no longer knows about
// is reported as complete.
func (c *Client) Progress(ctx context.Context, family Family, cancelToken string) (proto.Progress, error) {
	path := family.progressPath(cancelToken)
	start := time.Now()
	data, err := c.do(ctx, http.MethodGet, path, nil)
	metrics.PollDuration.Observe(time.Since(start).Seconds())

	switch {
	case IsNotFound(err):
		metrics.PollRequests.WithLabelValues("not_found").Inc()
		c.log.Debug("Task no longer tracked, treating as complete", "family", family.Name)
		return proto.Complete, nil
	case err != nil:
		metrics.PollRequests.WithLabelValues("error").Inc()
		return proto.Progress{}, err
	}

	p, err := decode[proto.Progress](data, http.MethodGet, path)
	if err == nil {
		if verr := p.Validate(); verr != nil {
			err = ServiceError{Code: ErrCodeInternal, Message: fmt.Sprintf("GET %s: invalid progress", path), Cause: verr}
		}
	}
	if err != nil {
		metrics.PollRequests.WithLabelValues("error").Inc()
		return proto.Progress{}, err
	}
	metrics.PollRequests.WithLabelValues("ok").Inc()
	return p, nil
}

// Cancel asks the server to stop a job. Stopping is best effort and may take
// effect after the call returns.
func (c *Client) Cancel(ctx context.Context, family Family, cancelToken string) error {
	if cancelToken == "" {
		return ServiceError{Code: ErrCodeInvalidInput, Message: "cancel token is required"}
	}
	_, err := c.do(ctx, http.MethodGet, family.cancelPath(cancelToken), nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) SystemInfo(ctx context.Context) (proto.SystemInfo, error) {
	const path = "system/info"
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return proto.SystemInfo{}, err
	}
	return decode[proto.SystemInfo](data, http.MethodGet, path)
}

// SubmissionActivity lists the current progress of the caller's submissions.
func (c *Client) SubmissionActivity(ctx context.Context) ([]proto.ActivityMessage, error) {
	const path = "api/submissions/activity"
	data, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[[]proto.ActivityMessage](data, http.MethodGet, path)
}
