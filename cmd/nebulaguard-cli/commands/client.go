package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/piwi3910/nebulaguard/internal/httputil"
	"gopkg.in/yaml.v3"
)

// File permission constants.
const (
	dirPermissions  = 0o700
	filePermissions = 0o600
)

const apiPrefix = "/api/v1"

// ClientConfig holds the CLI configuration.
type ClientConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Token      string        `yaml:"token,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	SkipVerify bool          `yaml:"skip_verify"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *ClientConfig {
	return &ClientConfig{
		Endpoint: "http://localhost:9100",
		Timeout:  5 * time.Minute,
	}
}

// configPath returns the path to the config file.
func configPath() string {
	if path := os.Getenv("NEBULAGUARD_CLI_CONFIG"); path != "" {
		return path
	}

	home, _ := os.UserHomeDir()

	return filepath.Join(home, ".nebulaguard", "cli.yaml")
}

// LoadConfig reads the config file and applies NEBULAGUARD_ENDPOINT and
// NEBULAGUARD_TOKEN on top.
func LoadConfig() (*ClientConfig, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}

	if endpoint := os.Getenv("NEBULAGUARD_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
	}

	if token := os.Getenv("NEBULAGUARD_TOKEN"); token != "" {
		cfg.Token = token
	}

	return cfg, nil
}

// readConfigFile returns the stored settings without environment overrides.
// A missing file yields the defaults.
func readConfigFile() (*ClientConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath())
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to file.
func SaveConfig(cfg *ClientConfig) error {
	path := configPath()

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// APIError is a non-2xx response from the admin API.
type APIError struct {
	Message    string
	StatusCode int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client calls the NebulaGuard admin API.
type Client struct {
	http     *http.Client
	endpoint string
	token    string
}

// NewClient creates an API client from the configuration.
func NewClient() (*Client, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	return newClient(cfg), nil
}

func newClient(cfg *ClientConfig) *Client {
	return &Client{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		http: httputil.NewClient(httputil.ClientConfig{
			Timeout:       cfg.Timeout,
			SkipTLSVerify: cfg.SkipVerify,
		}),
	}
}

// Do sends body as JSON and decodes a JSON response into out. Either may be nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// Download streams the response body to w.
func (c *Client) Download(ctx context.Context, path string, query url.Values, w io.Writer) (int64, error) {
	resp, err := c.send(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	return io.Copy(w, resp.Body)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	target := c.endpoint + apiPrefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		defer func() { _ = resp.Body.Close() }()

		return nil, decodeAPIError(resp)
	}

	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var payload struct {
		Error string `json:"error"`
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else if text := strings.TrimSpace(string(data)); text != "" {
		apiErr.Message = text
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.Join(apiErr, errors.New("run 'nebulaguard-cli login' to obtain a token"))
	}

	return apiErr
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

// readInput reads a file, or stdin when path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}

	return os.ReadFile(path)
}
