package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/statekeep/internal/metrics"
	"github.com/loykin/statekeep/internal/state"
)

// Client talks to a statekeep HTTP API.
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

	// Token is sent as a bearer token. Otherwise Username/Password are sent
	// as basic credentials when Username is set.
	Token    string
	Username string
	Password string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const (
	DefaultBaseURL = "http://localhost:8080/api"
	DefaultTimeout = 10 * time.Second
)

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: DefaultTimeout,
	}
}

// New creates a new statekeep API client. TLS setup problems are returned
// rather than silently falling back to an unverified transport.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("client TLS: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		logger:   config.Logger,
		username: config.Username,
		password: config.Password,
		token:    config.Token,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// SetToken switches the client to bearer authentication.
func (c *Client) SetToken(token string) { c.token = token }

// IsReachable checks if the API answers its health probe.
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("API unreachable", "error", err)
		return false
	}
	return true
}

// Login exchanges the configured basic credentials for a bearer token, which
// is then used for subsequent requests.
func (c *Client) Login(ctx context.Context) (Token, error) {
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/login", nil, &tok); err != nil {
		return Token{}, err
	}
	c.token = tok.Value
	return tok, nil
}

// Latest returns the most recent state record. The error wraps ErrNotFound
// when nothing has been recorded yet.
func (c *Client) Latest(ctx context.Context) (state.StateRecord, error) {
	var rec state.StateRecord
	err := c.do(ctx, http.MethodGet, "/latest", nil, &rec)
	return rec, err
}

// States returns up to limit most recent state records; 0 means all.
func (c *Client) States(ctx context.Context, limit int) ([]state.StateRecord, error) {
	var recs []state.StateRecord
	err := c.do(ctx, http.MethodGet, "/states"+limitQuery(limit), nil, &recs)
	return recs, err
}

// Logs returns up to limit most recent log records; 0 means all.
func (c *Client) Logs(ctx context.Context, limit int) ([]state.LogRecord, error) {
	var recs []state.LogRecord
	err := c.do(ctx, http.MethodGet, "/logs"+limitQuery(limit), nil, &recs)
	return recs, err
}

// AppendLog records a log message. event is "", "terminated" or "signal:<n>".
func (c *Client) AppendLog(ctx context.Context, message, event string) (state.LogRecord, error) {
	c.logger.Debug("appending log", "message", message, "event", event)
	var rec state.LogRecord
	err := c.do(ctx, http.MethodPost, "/logs", AppendLogRequest{Message: message, Event: event}, &rec)
	return rec, err
}

// Child returns the supervised application's resource usage.
func (c *Client) Child(ctx context.Context) (metrics.ChildUsage, error) {
	var u metrics.ChildUsage
	err := c.do(ctx, http.MethodGet, "/child", nil, &u)
	return u, err
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
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
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs one request. in, when non-nil, is sent as JSON; out, when
// non-nil, receives the decoded 2xx body.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "path", path)
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

// handleErrorResponse turns a non-2xx response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err == nil {
		apiErr.Message = errorResp.Error
		if errorResp.Message != "" {
			apiErr.Message += ": " + errorResp.Message
		}
	}
	c.logger.Debug("API request failed", "status", resp.StatusCode, "error", apiErr.Message)
	return apiErr
}
