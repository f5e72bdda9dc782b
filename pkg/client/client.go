// Package client talks to the admin API of a running Lux supervisor.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/KockaAdmiralac/Lux/pkg/protocol"
)

const DefaultBaseURL = "http://localhost:8080/api"

// Client is an admin API client.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger

	username string
	password string
	token    string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification

	// Username and Password are sent as basic credentials unless a token is
	// set or obtained with Login.
	Username string
	Password string
	Token    string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 10 * time.Second,
	}
}

// New creates a client. It fails when the TLS configuration cannot be
// loaded.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		username: config.Username,
		password: config.Password,
		token:    config.Token,
	}, nil
}

// IsReachable checks if the supervisor is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/services", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Supervisor unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	reachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Supervisor reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Services lists every registered service.
func (c *Client) Services(ctx context.Context) ([]ServiceStatus, error) {
	var out []ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services", nil, &out)
	return out, err
}

// Service returns the status of one service.
func (c *Client) Service(ctx context.Context, name string) (ServiceStatus, error) {
	var out ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil, &out)
	return out, err
}

// Waiting returns the wait status of name, or nil when it is not waiting.
func (c *Client) Waiting(ctx context.Context, name string) (*WaitStatus, error) {
	var out waitingResponse
	if err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name)+"/waiting", nil, &out); err != nil {
		return nil, err
	}
	return out.Status, nil
}

// Blocked lists the services waiting on dependencies that are not registered.
func (c *Client) Blocked(ctx context.Context) ([]WaitStatus, error) {
	var out []WaitStatus
	err := c.do(ctx, http.MethodGet, "/blocked", nil, &out)
	return out, err
}

// StartAll starts every auto-start service.
func (c *Client) StartAll(ctx context.Context) ([]StartResult, error) {
	var out []StartResult
	err := c.do(ctx, http.MethodPost, "/start", nil, &out)
	return out, err
}

// Do runs a lifecycle verb on name. Rejections come back as *APIError
// wrapping the protocol.Signal.
func (c *Client) Do(ctx context.Context, name string, action protocol.Action) error {
	c.logger.Debug("Lifecycle request", "service", name, "action", action)
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/"+string(action), nil, nil)
}

// Reload replaces the runtime config of name and asks it to reload.
func (c *Client) Reload(ctx context.Context, name string, config map[string]any) error {
	body := map[string]any{"config": config}
	return c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/reload", body, nil)
}

// Usage returns the latest resource samples per service.
func (c *Client) Usage(ctx context.Context) (map[string]Usage, error) {
	var out map[string]Usage
	err := c.do(ctx, http.MethodGet, "/usage", nil, &out)
	return out, err
}

// Login exchanges the configured username and password for a token, which
// replaces basic credentials on later requests.
func (c *Client) Login(ctx context.Context) (*Token, error) {
	var tok Token
	body := loginRequest{Username: c.username, Password: c.password}
	if err := c.do(ctx, http.MethodPost, "/login", body, &tok); err != nil {
		return nil, err
	}
	c.token = tok.Value
	return &tok, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify
	tlsConfig.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do sends body as JSON and decodes a 2xx answer into out when it is not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
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
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "path", path)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx answer into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return apiErr
	}
	apiErr.Message = body.Error
	apiErr.Signal = protocol.Signal(body.Signal)
	c.logger.Debug("API request failed", "error", body.Error, "status", resp.StatusCode)
	return apiErr
}
