package websocket

import (
	"net/http"
	"time"

	"gotow/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Options struct {
	ReadBufferSize    int
	WriteBufferSize   int
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	EnableCompression bool
	AllowedOrigins    []string
}

type Handler struct {
	hub       *Hub
	upgrader  websocket.Upgrader
	opts      Options
	onMessage MessageHandler
	log       *logger.Logger
}

func NewHandler(hub *Hub, opts Options, onMessage MessageHandler, log *logger.Logger) *Handler {
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongTimeout {
		opts.PingInterval = (opts.PongTimeout * 9) / 10
	}

	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    opts.ReadBufferSize,
			WriteBufferSize:   opts.WriteBufferSize,
			HandshakeTimeout:  opts.HandshakeTimeout,
			EnableCompression: opts.EnableCompression,
			CheckOrigin:       originChecker(opts.AllowedOrigins),
		},
		opts:      opts,
		onMessage: onMessage,
		log:       log,
	}
}

// HandleWebSocket upgrades an authenticated request and registers the
// caller's presence for the lifetime of the connection.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	participant := Participant{
		ID:   c.GetString("user_id"),
		Type: c.GetString("user_type"),
		Name: c.GetString("user_name"),
	}
	if participant.ID == "" || participant.Type == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := NewClient(h.hub, conn, participant, h.opts, h.onMessage, h.log)
	h.hub.Register(participant.ID, client)

	go client.writePump()
	go client.readPump()
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
