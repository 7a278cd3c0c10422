package daemon

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"evalgo.org/gameforge/internal/errdefs"
	"evalgo.org/gameforge/internal/version"
	"evalgo.org/gameforge/models"
)

// envelope is the daemon's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	Timeout               time.Duration
	StopTimeout           time.Duration
	BreakerMaxFailures    uint32
	BreakerTimeout        time.Duration
	TLSInsecureSkipVerify bool
	Logger                *zap.Logger
}

// HTTPClient calls a host daemon over its REST API.
type HTTPClient struct {
	baseURL     string
	token       string
	stopTimeout time.Duration
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

// NewHTTPClient creates a client for the daemon at baseURL.
func NewHTTPClient(baseURL, token string, opts HTTPOptions) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errdefs.InvalidArgument("invalid daemon url %q", baseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerMaxFailures == 0 {
		opts.BreakerMaxFailures = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("daemon", u.Host))

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.TLSInsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for self-signed daemons
	}

	maxFailures := opts.BreakerMaxFailures
	c := &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		stopTimeout: opts.StopTimeout,
		httpClient:  &http.Client{Timeout: opts.Timeout, Transport: transport},
		logger:      logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "daemon:" + u.Host,
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// Application errors mean the daemon is reachable.
			var appErr *applicationError
			return err == nil || errors.As(err, &appErr)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("daemon circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

// applicationError is a well-formed error response from the daemon.
type applicationError struct {
	status  int
	message string
}

func (e *applicationError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.status, e.message)
}

// do sends one request and decodes the envelope data into out (if non-nil).
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if err != nil {
		return errdefs.DaemonCallFailed(err, "%s %s", method, path)
	}
	return nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "send request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 300 {
				return &applicationError{status: resp.StatusCode, message: strings.TrimSpace(string(raw))}
			}
			return errors.Wrap(err, "decode response")
		}
	}
	if resp.StatusCode >= 500 {
		return errors.Newf("daemon returned %d: %s", resp.StatusCode, env.Error)
	}
	if resp.StatusCode >= 300 || !env.Success {
		msg := env.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &applicationError{status: resp.StatusCode, message: msg}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return errors.Wrap(err, "decode response data")
		}
	}
	return nil
}

func serverPath(containerID string, suffix string) string {
	return "/api/servers/" + url.PathEscape(containerID) + suffix
}

// CreateContainer implements Client.
func (c *HTTPClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/servers", spec, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errdefs.DaemonCallFailed(nil, "daemon did not return a container id for server %s", spec.ServerID)
	}
	c.logger.Debug("container created", zap.String("server_id", spec.ServerID), zap.String("container_id", created.ID))
	return created.ID, nil
}

// RunInstallScript implements Client.
func (c *HTTPClient) RunInstallScript(ctx context.Context, containerID string, script InstallScript) error {
	return c.do(ctx, http.MethodPost, serverPath(containerID, "/install"), script, nil)
}

type powerRequest struct {
	Action  string `json:"action"`
	Timeout int    `json:"timeout,omitempty"`
}

// StartServer implements Client.
func (c *HTTPClient) StartServer(ctx context.Context, containerID string) error {
	return c.do(ctx, http.MethodPost, serverPath(containerID, "/power"), powerRequest{Action: "start"}, nil)
}

// StopServer implements Client. A forced stop is sent as kill.
func (c *HTTPClient) StopServer(ctx context.Context, containerID string, graceful bool) error {
	req := powerRequest{Action: "kill"}
	if graceful {
		req = powerRequest{Action: "stop", Timeout: int(c.stopTimeout / time.Second)}
	}
	return c.do(ctx, http.MethodPost, serverPath(containerID, "/power"), req, nil)
}

// DeleteContainer implements Client.
func (c *HTTPClient) DeleteContainer(ctx context.Context, containerID string) error {
	return c.do(ctx, http.MethodDelete, serverPath(containerID, ""), nil, nil)
}

// UpdateContainer implements Client.
func (c *HTTPClient) UpdateContainer(ctx context.Context, containerID string, limits models.Resources) error {
	return c.do(ctx, http.MethodPatch, serverPath(containerID, "/resources"), limits, nil)
}

// UpdateEnvironment implements Client.
func (c *HTTPClient) UpdateEnvironment(ctx context.Context, containerID string, env map[string]string) error {
	body := struct {
		Environment map[string]string `json:"environment"`
	}{Environment: env}
	return c.do(ctx, http.MethodPut, serverPath(containerID, "/environment"), body, nil)
}

// CheckHealth implements Client.
func (c *HTTPClient) CheckHealth(ctx context.Context, containerID string) (Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, serverPath(containerID, "/health"), nil, &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// Ping checks that the daemon answers at all.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
