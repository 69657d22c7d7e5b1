package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
)

// maxFrameSize is the maximum WebSocket message size (in bytes) that the
// server will accept from clients. Clients only send control frames; larger
// messages drop the connection.
const maxFrameSize = 64 * 1024 // 64 KiB

// Handler is an http.Handler that upgrades HTTP connections to WebSocket and
// drives the per-client read/write loops.
//
// Incoming connections are registered with the Broadcaster; a reader
// goroutine discards client messages and detects disconnects while the
// handler goroutine writes broadcast messages from Client.Send() as text
// frames and keeps the connection alive with pings.
type Handler struct {
	bc       *Broadcaster
	logger   *slog.Logger
	upgrader gws.Upgrader

	// writeTimeout is how long the handler waits for a write to complete
	// before closing the connection.
	writeTimeout time.Duration
	// pingInterval is how often a ping is sent; a client that does not answer
	// within two intervals is dropped.
	pingInterval time.Duration
}

// NewHandler creates a Handler backed by bc.
//
// writeTimeout ≤ 0 defaults to 10 seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		bc:     bc,
		logger: logger,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		writeTimeout: writeTimeout,
		pingInterval: 30 * time.Second,
	}
}

// ServeHTTP handles the HTTP → WebSocket upgrade and drives the connection
// lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !gws.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	// Upgrade replies with an HTTP error itself on failure.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	defer h.logger.Info("websocket: client disconnected", slog.String("client_id", clientID))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("websocket: readLoop panic recovered",
					slog.Any("recover", r),
					slog.String("client_id", clientID),
				)
			}
		}()
		h.readLoop(conn, clientID)
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			if !ok {
				// Broadcaster closed the channel; say goodbye.
				_ = conn.WriteControl(gws.CloseMessage,
					gws.FormatCloseMessage(gws.CloseGoingAway, "server shutting down"),
					time.Now().Add(h.writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(gws.TextMessage, msg); err != nil {
				h.logger.Warn("websocket: write failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(gws.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Warn("websocket: ping failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}
		}
	}
}

// readLoop discards incoming messages until the connection fails or the
// client closes it. Pongs extend the read deadline.
func (h *Handler) readLoop(conn *gws.Conn, clientID string) {
	conn.SetReadLimit(maxFrameSize)
	deadline := func() time.Time { return time.Now().Add(2 * h.pingInterval) }
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(deadline())
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			if gws.IsUnexpectedCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				h.logger.Debug("websocket: read failed",
					slog.String("client_id", clientID), slog.Any("error", err))
			}
			return
		}
	}
}
