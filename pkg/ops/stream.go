package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rexsync/rexsync/pkg/entity"
	"github.com/rexsync/rexsync/pkg/events"
	"github.com/rexsync/rexsync/pkg/logger"
)

const (
	defaultMaxStreams   = 64
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// StreamConfig configures the websocket event tap.
type StreamConfig struct {
	AllowedOrigins []string
	MaxStreams     int
	PingInterval   time.Duration
	Subscription   events.SubscriptionOptions
}

// streamMessage is what a client may send on an open stream.
type streamMessage struct {
	Type string `json:"type"`
}

// streamHandler upgrades GET /admin/events/{listener} and relays that
// listener's envelopes until its keep-alive lapses. Clients send
// {"type":"keep_alive"} to extend it and {"type":"stop"} to end it.
type streamHandler struct {
	mgr      events.Manager
	cfg      StreamConfig
	log      logger.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]context.CancelFunc
}

func newStreamHandler(mgr events.Manager, cfg StreamConfig, log logger.Logger) *streamHandler {
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = defaultMaxStreams
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	h := &streamHandler{
		mgr:   mgr,
		cfg:   cfg,
		log:   log,
		conns: make(map[*websocket.Conn]context.CancelFunc),
	}
	origins := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return originAllowed(r, origins) },
	}
	return h
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	listener := strings.TrimSpace(chi.URLParam(r, "listener"))
	if listener == "" {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "listener is required")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, "websocket upgrade required")
		return
	}
	if h.count() >= h.cfg.MaxStreams {
		writeError(w, r, http.StatusServiceUnavailable, codeServiceUnavailable, "stream limit reached")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "listener", listener, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	h.track(conn, cancel)
	defer func() {
		h.untrack(conn)
		cancel()
		_ = conn.Close()
	}()

	sub := events.NewSubscription(h.mgr, listener, h.cfg.Subscription)
	go h.readLoop(ctx, cancel, conn, sub, listener)
	go h.pingLoop(ctx, conn)

	err = sub.Run(ctx, func(env entity.Envelope) error {
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, payload)
	})
	if err != nil {
		h.log.Warn("event stream ended with error", "listener", listener, "error", err)
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWriteTimeout))
}

// readLoop applies client control messages; a read failure ends the stream.
func (h *streamHandler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *events.Subscription, listener string) {
	defer cancel()
	conn.SetReadLimit(4 << 10)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				h.log.Debug("event stream read failed", "listener", listener, "error", err)
			}
			return
		}
		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(msg.Type)) {
		case "keep_alive":
			sub.KeepAlive()
		case "stop":
			h.mgr.StopListening(listener)
		}
	}
}

func (h *streamHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *streamHandler) track(conn *websocket.Conn, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = cancel
}

func (h *streamHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

func (h *streamHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// closeAll ends every open stream; each emits FINISH_BROADCAST on the way out.
func (h *streamHandler) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cancel := range h.conns {
		cancel()
	}
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(strings.TrimSpace(a), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
