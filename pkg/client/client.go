package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to the frpvisor control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

const defaultBaseURL = "http://127.0.0.1:7400/api"

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a new API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Kind       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	var out []ClientStatus
	err := c.do(ctx, http.MethodGet, "/clients", nil, &out)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Clients(ctx context.Context) ([]ClientStatus, error) {
	var out []ClientStatus
	return out, c.do(ctx, http.MethodGet, "/clients", nil, &out)
}

func (c *Client) Client(ctx context.Context, id int64) (ClientStatus, error) {
	var out ClientStatus
	return out, c.do(ctx, http.MethodGet, clientPath(id, ""), nil, &out)
}

func (c *Client) AddClient(ctx context.Context, req ClientRequest) (ClientRecord, error) {
	var out ClientRecord
	return out, c.do(ctx, http.MethodPost, "/clients", req, &out)
}

func (c *Client) UpdateClient(ctx context.Context, id int64, req ClientRequest) (ClientRecord, error) {
	var out ClientRecord
	return out, c.do(ctx, http.MethodPatch, clientPath(id, ""), req, &out)
}

func (c *Client) Start(ctx context.Context, id int64, clearLog bool) (Result, error) {
	q := url.Values{}
	if clearLog {
		q.Set("clear_log", "true")
	}
	var out Result
	return out, c.do(ctx, http.MethodPost, withQuery(clientPath(id, "/start"), q), nil, &out)
}

func (c *Client) Stop(ctx context.Context, id int64) (Result, error) {
	var out Result
	return out, c.do(ctx, http.MethodPost, clientPath(id, "/stop"), nil, &out)
}

func (c *Client) Restart(ctx context.Context, id int64, force, clearLog bool) (Result, error) {
	q := url.Values{}
	if force {
		q.Set("force", "true")
	}
	if clearLog {
		q.Set("clear_log", "true")
	}
	var out Result
	return out, c.do(ctx, http.MethodPost, withQuery(clientPath(id, "/restart"), q), nil, &out)
}

func (c *Client) ResetRestartLimit(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, clientPath(id, "/restart-limit/reset"), nil, nil)
}

func (c *Client) Alerts(ctx context.Context, limit int) ([]Alert, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Alert
	return out, c.do(ctx, http.MethodGet, withQuery("/alerts", q), nil, &out)
}

func (c *Client) ResolveAlert(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, "/alerts/"+strconv.FormatInt(id, 10)+"/resolve", nil, nil)
}

func clientPath(id int64, suffix string) string {
	return "/clients/" + strconv.FormatInt(id, 10) + suffix
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.logger.Debug("API request", "method", method, "path", path)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er ErrorResponse
		_ = json.Unmarshal(raw, &er)
		msg := er.Error
		if msg == "" {
			msg = er.Message
		}
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Kind: er.Kind, Message: msg}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
