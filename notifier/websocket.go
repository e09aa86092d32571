package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sodazone/xcmon/errors"
	"github.com/sodazone/xcmon/pkg/tlsutil"
	"github.com/sodazone/xcmon/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// WebsocketConfig configures the websocket hub.
type WebsocketConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
	// TLS terminates websocket connections with the given certificates.
	TLS tlsutil.ServerConfig `json:"tls,omitempty"`
}

// DefaultWebsocketConfig returns the websocket hub defaults.
func DefaultWebsocketConfig() WebsocketConfig {
	return WebsocketConfig{
		Port: 8081,
		Path: "/ws",
	}
}

// Validate checks configuration values.
func (c WebsocketConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("websocket port must be 1-65535, got %d", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("websocket path must start with /, got %q", c.Path)
	}
	return nil
}

// WebsocketHub serves websocket clients and broadcasts notifications to
// the connections attached to a subscription. Clients connect to
// <path>/<subscription-id>; the hub tracks connections per subscription
// and invokes the disconnect callback when a subscription's last
// connection closes, so ephemeral subscriptions can be torn down.
type WebsocketHub struct {
	config   WebsocketConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string][]*wsClient

	// onDisconnect fires when a subscription loses its last connection.
	onDisconnect func(subscriptionID string)

	server *http.Server

	lifecycleMu sync.Mutex
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
}

type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// HubOption configures a WebsocketHub.
type HubOption func(*WebsocketHub)

// WithDisconnectCallback installs the last-connection-closed callback.
func WithDisconnectCallback(fn func(string)) HubOption {
	return func(h *WebsocketHub) { h.onDisconnect = fn }
}

// NewWebsocketHub creates a websocket hub.
func NewWebsocketHub(config WebsocketConfig, logger *slog.Logger, opts ...HubOption) *WebsocketHub {
	h := &WebsocketHub{
		config:  config,
		logger:  logger,
		clients: make(map[string][]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ChannelType implements Notifier.
func (h *WebsocketHub) ChannelType() types.ChannelType { return types.ChannelWebsocket }

// Name implements component.Lifecycle.
func (h *WebsocketHub) Name() string { return "websocket-hub" }

// Initialize implements component.Lifecycle.
func (h *WebsocketHub) Initialize() error {
	return h.config.Validate()
}

// Start launches the websocket HTTP server.
func (h *WebsocketHub) Start(_ context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if h.running {
		return errors.ErrAlreadyStarted
	}
	h.shutdown = make(chan struct{})

	tlsConfig, err := tlsutil.LoadServer(h.config.TLS)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(strings.TrimSuffix(h.config.Path, "/")+"/", h.handleWebSocket)
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", h.config.Port),
		Handler:           mux,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		var err error
		if tlsConfig != nil {
			// Certificates are carried in TLSConfig.
			err = h.server.ListenAndServeTLS("", "")
		} else {
			err = h.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			h.logger.Error("Websocket server failed", "error", err)
		}
	}()

	h.running = true
	h.logger.Info("Websocket hub started",
		"port", h.config.Port, "path", h.config.Path, "tls", tlsConfig != nil)
	return nil
}

// Stop closes all client connections and shuts the server down.
func (h *WebsocketHub) Stop(timeout time.Duration) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	if !h.running {
		return nil
	}
	close(h.shutdown)

	h.mu.Lock()
	for _, clients := range h.clients {
		for _, c := range clients {
			_ = c.write(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			_ = c.conn.Close()
		}
	}
	h.clients = make(map[string][]*wsClient)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := h.server.Shutdown(ctx)

	h.wg.Wait()
	h.running = false
	return err
}

// Notify implements Notifier by broadcasting the message to every
// connection of the subscription. A subscription without live connections
// is not an error; the client may reconnect.
func (h *WebsocketHub) Notify(_ context.Context, sub types.Subscription, _ types.Channel, msg types.NotificationMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.WrapInvalid(err, "WebsocketHub", "Notify", "marshal message")
	}

	h.mu.RLock()
	clients := make([]*wsClient, len(h.clients[sub.ID]))
	copy(clients, h.clients[sub.ID])
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(websocket.TextMessage, data); err != nil {
			h.logger.Warn("Websocket write failed, dropping client",
				"subscription", sub.ID, "error", err)
			h.removeClient(sub.ID, c)
			_ = c.conn.Close()
		}
	}
	return nil
}

// ConnectionCount reports live connections for a subscription.
func (h *WebsocketHub) ConnectionCount(subscriptionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[subscriptionID])
}

func (h *WebsocketHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSuffix(h.config.Path, "/") + "/"
	subID := strings.TrimPrefix(r.URL.Path, prefix)
	if subID == "" || strings.Contains(subID, "/") {
		http.Error(w, "missing subscription id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[subID] = append(h.clients[subID], client)
	h.mu.Unlock()

	h.logger.Debug("Websocket client connected", "subscription", subID)

	h.wg.Add(1)
	go h.handleClient(subID, client)
}

// handleClient runs the read loop for pong handling and a ping ticker
// until the connection drops.
func (h *WebsocketHub) handleClient(subID string, client *wsClient) {
	defer h.wg.Done()
	defer func() {
		h.removeClient(subID, client)
		_ = client.conn.Close()
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := client.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient drops one connection and fires the disconnect callback
// when it was the subscription's last.
func (h *WebsocketHub) removeClient(subID string, client *wsClient) {
	h.mu.Lock()
	clients := h.clients[subID]
	for i, c := range clients {
		if c == client {
			h.clients[subID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	last := len(h.clients[subID]) == 0
	if last {
		delete(h.clients, subID)
	}
	h.mu.Unlock()

	if last && h.onDisconnect != nil {
		select {
		case <-h.shutdown:
			// Hub-wide shutdown, not a client-driven disconnect.
		default:
			h.onDisconnect(subID)
		}
	}
}
