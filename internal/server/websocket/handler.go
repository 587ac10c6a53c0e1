package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxFrameSize bounds frames read from clients. Clients only send control
// frames, so anything larger drops the connection.
const maxFrameSize = 4 * 1024

// Handler upgrades requests to WebSocket and streams transitions from the
// Broadcaster. The optional "function" query parameter limits the stream
// to one function.
type Handler struct {
	bc       *Broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader

	writeTimeout time.Duration
	pingInterval time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout ≤ 0 defaults to
// 10 seconds.
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
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		writeTimeout: writeTimeout,
		pingInterval: 30 * time.Second,
	}
}

// ServeHTTP handles the upgrade and drives the connection until the client
// goes away or the Broadcaster closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.logger.Warn("websocket: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	fn := r.URL.Query().Get("function")
	client := h.bc.Register(clientID, fn)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("function", fn),
	)

	// The reader only services control frames and detects disconnects.
	done := make(chan struct{})
	conn.SetReadLimit(maxFrameSize)
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				h.logger.Debug("websocket: client gone",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			deadline := time.Now().Add(h.writeTimeout)
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(deadline)
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Warn("websocket: write failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}
