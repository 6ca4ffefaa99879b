// Package adapterclient talks to adapter plugins over HTTP. Each adapter
// exposes its configured clients, the raw device payloads fetched from
// them, and an execute endpoint used by correlation probes.
package adapterclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/bramble/pkg/models"
	"github.com/Ramsey-B/bramble/pkg/tracing"
)

const (
	// DefaultTimeout is the default per-request timeout
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBodyBytes is the default response body size limit (100MB).
	// Adapter fetch payloads are large; the limit exists to bound a
	// misbehaving adapter, not a healthy one.
	DefaultMaxBodyBytes = 100 * 1024 * 1024
)

// Adapter identifies one reachable adapter plugin instance.
type Adapter struct {
	PluginUniqueName string `json:"plugin_unique_name"`
	PluginName       string `json:"plugin_name"`
	BaseURL          string `json:"base_url"`
}

// ParseAdapter parses a "plugin_unique_name=plugin_name=base_url" config
// entry.
func ParseAdapter(entry string) (Adapter, error) {
	parts := strings.SplitN(entry, "=", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Adapter{}, fmt.Errorf("invalid adapter entry %q, want plugin_unique_name=plugin_name=base_url", entry)
	}
	return Adapter{
		PluginUniqueName: parts[0],
		PluginName:       parts[1],
		BaseURL:          strings.TrimRight(parts[2], "/"),
	}, nil
}

// Config holds adapter client configuration
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Client is an HTTP client for adapter plugins
type Client struct {
	client       *http.Client
	maxBodyBytes int64
	logger       ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &Client{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:    100,
				IdleConnTimeout: 90 * time.Second,
			},
			Timeout: cfg.Timeout,
		},
		maxBodyBytes: cfg.MaxBodyBytes,
		logger:       logger,
	}
}

// DevicePayload is one client's fetch result. Adapters answer
// devices_by_name with a {"raw": [...], "parsed": [...]} envelope; Raw
// carries the raw member as received and Parsed its normalized records.
type DevicePayload struct {
	Raw    json.RawMessage  `json:"raw"`
	Parsed []map[string]any `json:"parsed"`
}

// Clients returns the client names the adapter is configured with. A
// failure here means the whole fetch cycle for this adapter is skipped.
func (c *Client) Clients(ctx context.Context, adapter Adapter) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "adapterclient.Client.Clients")
	defer span.End()

	body, err := c.get(ctx, adapter.BaseURL+"/clients")
	if err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadGateway,
			fmt.Sprintf("adapter %s did not return its clients: %v", adapter.PluginUniqueName, err))
	}

	var clients []string
	if err := json.Unmarshal(body, &clients); err != nil {
		return nil, httperror.NewHTTPError(http.StatusBadGateway,
			fmt.Sprintf("adapter %s returned an unreadable client list: %v", adapter.PluginUniqueName, err))
	}
	return clients, nil
}

// DevicesByName fetches the raw device payload for one client.
func (c *Client) DevicesByName(ctx context.Context, adapter Adapter, clientName string) (*DevicePayload, error) {
	ctx, span := tracing.StartSpan(ctx, "adapterclient.Client.DevicesByName")
	defer span.End()

	endpoint := adapter.BaseURL + "/devices_by_name?name=" + url.QueryEscape(clientName)
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var payload DevicePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("adapter %s client %s returned an unreadable payload: %w", adapter.PluginUniqueName, clientName, err)
	}

	return &payload, nil
}

// Execute asks the adapter to run an "identify yourself" probe against one
// of its devices. The adapter answers with the identities the live machine
// reported for itself across products.
func (c *Client) Execute(ctx context.Context, adapter Adapter, localID string) (*models.ExecutionOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "adapterclient.Client.Execute")
	defer span.End()

	payload, err := json.Marshal(map[string]string{"id": localID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, adapter.BaseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}

	var observed map[string]string
	if err := json.Unmarshal(body, &observed); err != nil {
		return nil, fmt.Errorf("adapter %s returned an unreadable probe result: %w", adapter.PluginUniqueName, err)
	}

	return &models.ExecutionOutcome{
		ResponderPluginID: adapter.PluginUniqueName,
		ResponderLocalID:  localID,
		Observed:          observed,
	}, nil
}

func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *http.Request) ([]byte, error) {
	start := time.Now()

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).Errorf("Adapter request failed: %s %s", req.Method, req.URL.String())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("adapter returned status %d for %s %s", resp.StatusCode, req.Method, req.URL.Path)
	}

	limitedReader := io.LimitReader(resp.Body, c.maxBodyBytes+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(body), c.maxBodyBytes)
	}

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"method":      req.Method,
		"url":         req.URL.String(),
		"status":      resp.StatusCode,
		"bytes":       len(body),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Adapter request completed")

	return body, nil
}
