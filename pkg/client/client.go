// Package client talks to a bidsd server: it opens volume streams
// over BIDS runs, reads volumes as incrementals, and appends
// incrementals into server-side datasets.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rtbids/rtbids/pkg/api"
	"github.com/rtbids/rtbids/pkg/bids"
	"github.com/rtbids/rtbids/pkg/retry"
	"github.com/rtbids/rtbids/pkg/tracing"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// Client manages communication with a bidsd server
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	retryCfg   retry.Config
}

// New creates a client for the server at baseURL
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retryCfg: defaultRetryConfig(),
	}
}

// NewWithTLS creates a client with TLS support
func NewWithTLS(baseURL string, tlsConfig *tls.Config) *Client {
	c := New(baseURL)
	c.httpClient.Transport = &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return c
}

func defaultRetryConfig() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.RetryIf = retryableError
	return cfg
}

// retryableError retries transport failures and throttling or server
// errors; client mistakes (4xx) fail immediately.
func retryableError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return retry.RetryableStatus(apiErr.StatusCode)
	}
	return retry.IsRetryable(err)
}

// SetAPIKey sets the API key for authentication
func (c *Client) SetAPIKey(apiKey string) {
	c.apiKey = apiKey
}

// SetRetryConfig overrides the transient-failure retry policy. A nil
// RetryIf keeps the default classification.
func (c *Client) SetRetryConfig(cfg retry.Config) {
	if cfg.RetryIf == nil {
		cfg.RetryIf = retryableError
	}
	c.retryCfg = cfg
}

// BaseURL returns the server URL the client talks to
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) addAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// send performs one request with retry, returning the response body
// once the server answers with wantStatus.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, wantStatus int) ([]byte, error) {
	var result []byte
	err := retry.Do(ctx, c.retryCfg, func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.addAuthHeader(req)
		tracing.InjectHTTPHeaders(ctx, req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != wantStatus {
			return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		}
		result = data
		return nil
	})
	return result, err
}

// OpenStream opens a volume stream over an OpenNeuro dataset. The
// server downloads the accession on first use and picks the run the
// entities select.
func (c *Client) OpenStream(ctx context.Context, accession string, entities map[string]string) (*api.StreamInfo, error) {
	return c.openStream(ctx, api.StreamRequest{Accession: accession, Entities: entities})
}

// OpenPath opens a volume stream over a dataset already on the
// server's disk.
func (c *Client) OpenPath(ctx context.Context, datasetPath string, entities map[string]string) (*api.StreamInfo, error) {
	return c.openStream(ctx, api.StreamRequest{DatasetPath: datasetPath, Entities: entities})
}

func (c *Client) openStream(ctx context.Context, streamReq api.StreamRequest) (*api.StreamInfo, error) {
	data, err := json.Marshal(streamReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream request: %w", err)
	}

	body, err := c.send(ctx, "POST", "/streams", data, http.StatusCreated)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	var info api.StreamInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode stream: %w", err)
	}
	return &info, nil
}

// Streams lists the streams open on the server
func (c *Client) Streams(ctx context.Context) ([]api.StreamInfo, error) {
	body, err := c.send(ctx, "GET", "/streams", nil, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}

	var result struct {
		Streams []api.StreamInfo `json:"streams"`
		Count   int              `json:"count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode streams: %w", err)
	}
	return result.Streams, nil
}

// StreamInfo returns one stream's details
func (c *Client) StreamInfo(ctx context.Context, id string) (*api.StreamInfo, error) {
	body, err := c.send(ctx, "GET", "/streams/"+id, nil, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream: %w", err)
	}

	var info api.StreamInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode stream: %w", err)
	}
	return &info, nil
}

// Volume fetches one incremental from a stream. Negative indexes
// address from the latest volume, so Volume(ctx, id, -1) polls the
// newest data during an acquisition.
func (c *Client) Volume(ctx context.Context, id string, index int) (*bids.Incremental, error) {
	body, err := c.send(ctx, "GET", fmt.Sprintf("/streams/%s/volumes/%d", id, index), nil, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to get volume %d: %w", index, err)
	}

	var inc bids.Incremental
	if err := json.Unmarshal(body, &inc); err != nil {
		return nil, fmt.Errorf("failed to decode volume: %w", err)
	}
	return &inc, nil
}

// Append writes one incremental into a dataset on the server's disk.
// It reports whether the dataset changed; appending into a missing
// dataset with makePath false is a no-op.
func (c *Client) Append(ctx context.Context, datasetPath string, inc *bids.Incremental, makePath bool) (bool, error) {
	data, err := json.Marshal(api.AppendRequest{
		DatasetPath: datasetPath,
		MakePath:    &makePath,
		Incremental: inc,
	})
	if err != nil {
		return false, fmt.Errorf("failed to marshal append request: %w", err)
	}

	body, err := c.send(ctx, "POST", "/append", data, http.StatusOK)
	if err != nil {
		return false, fmt.Errorf("failed to append: %w", err)
	}

	var resp api.AppendResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("failed to decode append response: %w", err)
	}
	return resp.Appended, nil
}

// CloseStream closes a stream on the server
func (c *Client) CloseStream(ctx context.Context, id string) error {
	if _, err := c.send(ctx, "DELETE", "/streams/"+id, nil, http.StatusOK); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	return nil
}

// Health checks that the server is up and healthy
func (c *Client) Health(ctx context.Context) error {
	body, err := c.send(ctx, "GET", "/health", nil, http.StatusOK)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if status.Status != "healthy" {
		return fmt.Errorf("server reported status %q", status.Status)
	}
	return nil
}
