package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"text/template"
	"time"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/pkg/retry"
	"github.com/sodazone/xcmon/pkg/tlsutil"
	"github.com/sodazone/xcmon/types"
)

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	// Timeout bounds a single POST attempt.
	Timeout time.Duration `json:"timeout"`
	// RetryCount is the number of additional attempts after a transient
	// failure.
	RetryCount int `json:"retryCount"`
	// Headers are added to every request.
	Headers map[string]string `json:"headers,omitempty"`
	// TLS configures trust and client certificates for HTTPS endpoints.
	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// DefaultWebhookConfig returns the webhook delivery defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:    10 * time.Second,
		RetryCount: 3,
	}
}

// Validate checks configuration values.
func (c WebhookConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be positive, got %v", c.Timeout)
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("webhook retry count cannot be negative, got %d", c.RetryCount)
	}
	return nil
}

// WebhookNotifier delivers notifications as JSON POST requests to the
// channel's URL. Transient HTTP failures are retried with backoff; 4xx
// responses are terminal because retrying a rejected payload cannot
// succeed.
type WebhookNotifier struct {
	config    WebhookConfig
	client    *http.Client
	logger    *slog.Logger
	templates *templateCache
}

// NewWebhookNotifier creates a webhook-channel notifier.
func NewWebhookNotifier(config WebhookConfig, logger *slog.Logger) (*WebhookNotifier, error) {
	tlsConfig, err := tlsutil.LoadClient(config.TLS)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: config.Timeout}
	if tlsConfig != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &WebhookNotifier{
		config:    config,
		client:    client,
		logger:    logger,
		templates: newTemplateCache(),
	}, nil
}

// ChannelType implements Notifier.
func (n *WebhookNotifier) ChannelType() types.ChannelType { return types.ChannelWebhook }

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, sub types.Subscription, ch types.Channel, msg types.NotificationMessage) error {
	body, contentType, err := n.renderBody(ch, msg)
	if err != nil {
		return errors.WrapInvalid(err, "WebhookNotifier", "Notify", "render body")
	}

	cfg := retry.Config{
		MaxAttempts:  n.config.RetryCount + 1,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	err = retry.Do(ctx, cfg, func() error {
		return n.post(ctx, ch.URL, contentType, body)
	})
	if err != nil {
		return errors.WrapTransient(err, "WebhookNotifier", "Notify",
			fmt.Sprintf("deliver to %s", ch.URL))
	}

	n.logger.Debug("Webhook delivered",
		"subscription", sub.ID,
		"url", ch.URL,
		"type", string(msg.Metadata.Type))
	return nil
}

// renderBody produces the request body: the raw JSON message, or the
// channel template applied to it when one is configured.
func (n *WebhookNotifier) renderBody(ch types.Channel, msg types.NotificationMessage) ([]byte, string, error) {
	if ch.Template == "" {
		body, err := json.Marshal(msg)
		if err != nil {
			return nil, "", err
		}
		return body, "application/json", nil
	}

	tmpl, err := n.templates.get(ch.Template)
	if err != nil {
		return nil, "", err
	}

	var payload map[string]any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, "", err
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{
		"Metadata": msg.Metadata,
		"Payload":  payload,
	}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "application/json", nil
}

func (n *WebhookNotifier) post(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.NonRetryable(err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range n.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The endpoint rejected the payload; retrying cannot help.
		return retry.NonRetryable(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// templateCache parses webhook templates once per distinct source.
type templateCache struct {
	mu    sync.Mutex
	cache map[string]*template.Template
}

func newTemplateCache() *templateCache {
	return &templateCache{cache: make(map[string]*template.Template)}
}

func (c *templateCache) get(src string) (*template.Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tmpl, ok := c.cache[src]; ok {
		return tmpl, nil
	}
	tmpl, err := template.New("webhook").Parse(src)
	if err != nil {
		return nil, err
	}
	c.cache[src] = tmpl
	return tmpl, nil
}
