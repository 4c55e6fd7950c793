// Package targets implements the notification targets.
package targets

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/piwi3910/nebulaguard/internal/events"
	"github.com/piwi3910/nebulaguard/internal/httputil"
	"github.com/rs/zerolog/log"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-NebulaGuard-Signature"

// WebhookConfig configures a webhook target.
type WebhookConfig struct {
	events.TargetConfig `yaml:",inline"`

	// URL is the webhook endpoint URL
	URL string `json:"url" yaml:"url"`

	// AuthToken is sent as a bearer token when set
	AuthToken string `json:"-" yaml:"auth_token,omitempty"`

	// Secret signs the payload when set
	Secret string `json:"-" yaml:"secret,omitempty"`

	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// SkipTLSVerify disables TLS certificate verification
	SkipTLSVerify bool `json:"skip_tls_verify,omitempty" yaml:"skip_tls_verify,omitempty"`
}

// DefaultWebhookConfig returns a default webhook configuration.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		TargetConfig: events.TargetConfig{
			Name:    "webhook",
			Type:    "webhook",
			Enabled: true,
		},
		Timeout: 10 * time.Second,
	}
}

// WebhookTarget POSTs events as JSON.
type WebhookTarget struct {
	client *http.Client
	config WebhookConfig
	mu     sync.RWMutex
	closed bool
}

// NewWebhookTarget creates a webhook target.
func NewWebhookTarget(config WebhookConfig) (*WebhookTarget, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("%w: URL is required", events.ErrInvalidConfig)
	}

	if config.Name == "" {
		config.Name = "webhook"
	}

	if config.SkipTLSVerify {
		log.Warn().
			Str("url", config.URL).
			Msg("TLS certificate verification disabled for webhook target")
	}

	return &WebhookTarget{
		config: config,
		client: httputil.NewClient(httputil.ClientConfig{
			Timeout:       config.Timeout,
			SkipTLSVerify: config.SkipTLSVerify,
		}),
	}, nil
}

// Name returns the target name.
func (t *WebhookTarget) Name() string {
	return t.config.Name
}

// Type returns the target type.
func (t *WebhookTarget) Type() string {
	return "webhook"
}

// Publish sends an event to the webhook endpoint.
func (t *WebhookTarget) Publish(ctx context.Context, event *events.Event) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return events.ErrTargetClosed
	}

	body, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "NebulaGuard/1.0")

	if t.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.AuthToken)
	}

	if t.config.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(t.config.Secret, body))
	}

	for k, v := range t.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: HTTP %d: %s", events.ErrPublishFailed, resp.StatusCode, string(msg))
	}

	return nil
}

// Sign returns the signature header value for payload.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)

	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// IsHealthy sends a HEAD request to the endpoint.
func (t *WebhookTarget) IsHealthy(ctx context.Context) bool {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.config.URL, nil)
	if err != nil {
		return false
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}

	_ = resp.Body.Close()

	return resp.StatusCode < http.StatusBadRequest || resp.StatusCode == http.StatusMethodNotAllowed
}

// Close closes the target.
func (t *WebhookTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}

	t.closed = true
	t.client.CloseIdleConnections()

	return nil
}

var _ events.Target = (*WebhookTarget)(nil)

func init() {
	events.RegisterTargetFactory("webhook", func(config map[string]any) (events.Target, error) {
		cfg := DefaultWebhookConfig()

		if name, ok := config["name"].(string); ok {
			cfg.Name = name
		}

		if url, ok := config["url"].(string); ok {
			cfg.URL = url
		}

		if token, ok := config["auth_token"].(string); ok {
			cfg.AuthToken = token
		}

		if secret, ok := config["secret"].(string); ok {
			cfg.Secret = secret
		}

		if timeout, ok := config["timeout"].(time.Duration); ok && timeout > 0 {
			cfg.Timeout = timeout
		}

		if skip, ok := config["skip_tls_verify"].(bool); ok {
			cfg.SkipTLSVerify = skip
		}

		return NewWebhookTarget(cfg)
	})
}
