package notifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodazone/xcmon/pkg/tlsutil"
	"github.com/sodazone/xcmon/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage(t types.NotificationType) types.NotificationMessage {
	return types.NotificationMessage{
		Metadata: types.NotificationMeta{
			Type:           t,
			AgentID:        "xcm",
			SubscriptionID: "sub-1",
		},
		Payload: json.RawMessage(`{"messageHash":"0xabc"}`),
	}
}

func TestWebhookDeliversJSON(t *testing.T) {
	var got types.NotificationMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(DefaultWebhookConfig(), testLogger())
	require.NoError(t, err)
	sub := types.Subscription{ID: "sub-1"}
	ch := types.Channel{Type: types.ChannelWebhook, URL: srv.URL}

	require.NoError(t, n.Notify(context.Background(), sub, ch, testMessage(types.NotifyMatched)))
	assert.Equal(t, types.NotifyMatched, got.Metadata.Type)
	assert.Equal(t, "sub-1", got.Metadata.SubscriptionID)
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultWebhookConfig()
	cfg.RetryCount = 5
	n, err := NewWebhookNotifier(cfg, testLogger())
	require.NoError(t, err)
	ch := types.Channel{Type: types.ChannelWebhook, URL: srv.URL}

	require.NoError(t, n.Notify(context.Background(), types.Subscription{ID: "s"}, ch, testMessage(types.NotifyMatched)))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestWebhookDoesNotRetryClientErrors(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	cfg := DefaultWebhookConfig()
	cfg.RetryCount = 5
	n, err := NewWebhookNotifier(cfg, testLogger())
	require.NoError(t, err)
	ch := types.Channel{Type: types.ChannelWebhook, URL: srv.URL}

	err = n.Notify(context.Background(), types.Subscription{ID: "s"}, ch, testMessage(types.NotifyMatched))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestWebhookCustomHeaders(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultWebhookConfig()
	cfg.Headers = map[string]string{"Authorization": "Bearer tok"}
	n, err := NewWebhookNotifier(cfg, testLogger())
	require.NoError(t, err)
	ch := types.Channel{Type: types.ChannelWebhook, URL: srv.URL}

	require.NoError(t, n.Notify(context.Background(), types.Subscription{ID: "s"}, ch, testMessage(types.NotifySent)))
	assert.Equal(t, "Bearer tok", auth)
}

func TestWebhookTemplateBody(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n, err := NewWebhookNotifier(DefaultWebhookConfig(), testLogger())
	require.NoError(t, err)
	ch := types.Channel{
		Type:     types.ChannelWebhook,
		URL:      srv.URL,
		Template: `{"hash":"{{.Payload.messageHash}}","kind":"{{.Metadata.Type}}"}`,
	}

	require.NoError(t, n.Notify(context.Background(), types.Subscription{ID: "s"}, ch, testMessage(types.NotifyMatched)))
	assert.JSONEq(t, `{"hash":"0xabc","kind":"matched"}`, string(body))
}

func TestWebhookDeliversOverTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultWebhookConfig()
	// The httptest certificate is self-signed.
	cfg.TLS = tlsutil.ClientConfig{Enabled: true, InsecureSkipVerify: true}
	n, err := NewWebhookNotifier(cfg, testLogger())
	require.NoError(t, err)

	ch := types.Channel{Type: types.ChannelWebhook, URL: srv.URL}
	require.NoError(t, n.Notify(context.Background(), types.Subscription{ID: "s"}, ch, testMessage(types.NotifySent)))
}

func TestWebhookConfigValidate(t *testing.T) {
	cfg := DefaultWebhookConfig()
	require.NoError(t, cfg.Validate())

	cfg.Timeout = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultWebhookConfig()
	cfg.RetryCount = -1
	assert.Error(t, cfg.Validate())
}
