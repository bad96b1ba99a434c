package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/caflabs/packd/internal/logger"
)

// ChainMode selects the blob service deployment.
type ChainMode string

const (
	ChainModeMainnet ChainMode = "mainnet"
	ChainModeTestnet ChainMode = "testnet"
)

// Endpoints per chain mode. Overridable through Config.BaseURL for local
// development.
const (
	mainnetBaseURL = "https://blobs.caflabs.io"
	testnetBaseURL = "https://blobs.testnet.caflabs.io"
)

// Config describes the blob service client.
type Config struct {
	// ChainMode selects the service endpoint (mainnet or testnet).
	ChainMode ChainMode `mapstructure:"chain_mode" validate:"omitempty,oneof=mainnet testnet" yaml:"chain_mode"`

	// BaseURL overrides the endpoint derived from ChainMode when set.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// WorkerHome is the remote directory containers are stored under.
	WorkerHome string `mapstructure:"worker_home" yaml:"worker_home"`

	// Seed authenticates the worker against the service.
	Seed string `mapstructure:"-" yaml:"-"`
}

// BaseURLFor resolves the effective service endpoint.
func (c Config) BaseURLFor() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	if c.ChainMode == ChainModeTestnet {
		return testnetBaseURL
	}
	return mainnetBaseURL
}

// Client is an HTTP Store implementation.
type Client struct {
	baseURL    string
	workerHome string
	seed       string
	httpClient *http.Client
}

var _ Store = (*Client)(nil)

// NewClient creates a blob service client. Request deadlines come from
// the caller's context, so the underlying http.Client carries no global
// timeout.
func NewClient(cfg Config) *Client {
	return &Client{
		baseURL:    cfg.BaseURLFor(),
		workerHome: cfg.WorkerHome,
		seed:       cfg.Seed,
		httpClient: &http.Client{},
	}
}

// containerURL builds the service URL for a container name.
func (c *Client) containerURL(name string) string {
	return fmt.Sprintf("%s/containers/%s/%s", c.baseURL, url.PathEscape(c.workerHome), url.PathEscape(name))
}

// newRequest creates an authenticated request.
func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.seed != "" {
		req.Header.Set("Authorization", "Bearer "+c.seed)
	}
	return req, nil
}

// PutContainer uploads the file at localPath under <worker_home>/<name>.
func (c *Client) PutContainer(ctx context.Context, name, localPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open container for upload: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat container for upload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPut, c.containerURL(name), file)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = info.Size()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("container upload failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.statusError("upload", name, resp)
	}

	logger.Info("container uploaded",
		logger.KeyContainer, name,
		"bytes", info.Size(),
		"duration_ms", logger.Duration(start),
	)
	return nil
}

// GetContainer downloads the named container into localPath and verifies
// the result is non-empty.
func (c *Client) GetContainer(ctx context.Context, name, localPath string) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.containerURL(name), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("container download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.statusError("download", name, resp)
	}

	out, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local container file: %w", err)
	}

	written, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("failed to write local container file: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("failed to close local container file: %w", closeErr)
	}
	if written == 0 {
		_ = os.Remove(localPath)
		return fmt.Errorf("container %s: %w", name, ErrEmptyDownload)
	}

	logger.Debug("container downloaded", logger.KeyContainer, name, "bytes", written)
	return nil
}

// GetProofs returns the proof tokens the service holds for the container.
func (c *Client) GetProofs(ctx context.Context, name string) ([]Proof, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.containerURL(name)+"/proofs", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proof fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return nil, c.statusError("proof fetch", name, resp)
	}

	var payload struct {
		Proofs []Proof `json:"proofs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode proof response: %w", err)
	}
	return payload.Proofs, nil
}

// statusError converts an HTTP error status into a domain error.
func (c *Client) statusError(op, name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("container %s: %w", name, ErrNotFound)
	}
	return fmt.Errorf("container %s %s: status %d: %s", op, name, resp.StatusCode, string(body))
}
