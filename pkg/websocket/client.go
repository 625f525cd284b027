package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gotow/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
	sendBufferSize = 256
)

// MessageHandler receives every inbound message the client does not answer
// itself.
type MessageHandler func(ctx context.Context, client *Client, msg Message)

type Client struct {
	id              string
	hub             *Hub
	conn            *websocket.Conn
	send            chan []byte
	done            chan struct{}
	closeOnce       sync.Once
	ParticipantID   string
	ParticipantType string
	ParticipantName string
	onMessage       MessageHandler
	pongWait        time.Duration
	pingPeriod      time.Duration
	log             *logger.Logger
}

// Participant identifies the authenticated owner of a connection.
type Participant struct {
	ID   string
	Type string
	Name string
}

func NewClient(hub *Hub, conn *websocket.Conn, participant Participant, opts Options, onMessage MessageHandler, log *logger.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		id:              id,
		hub:             hub,
		conn:            conn,
		send:            make(chan []byte, sendBufferSize),
		done:            make(chan struct{}),
		ParticipantID:   participant.ID,
		ParticipantType: participant.Type,
		ParticipantName: participant.Name,
		onMessage:       onMessage,
		pongWait:        opts.PongTimeout,
		pingPeriod:      opts.PingInterval,
		log:             log.WithParticipant(participant.ID, participant.Type).WithField("connection_id", id),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send never blocks; a closed client or a full buffer drops the payload.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Reply sends a typed message back over this connection.
func (c *Client) Reply(msgType, requestID string, payload interface{}) bool {
	data, err := NewMessage(msgType, requestID, payload)
	if err != nil {
		c.log.WithError(err).Warn("Failed to encode reply")
		return false
	}
	return c.Send(data)
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket closed unexpectedly")
			}
			break
		}

		c.handleMessage(message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		c.log.WithError(err).Debug("Ignoring malformed client message")
		c.Reply("error", "", map[string]string{"code": "BAD_MESSAGE", "message": "malformed message"})
		return
	}

	switch msg.Type {
	case "ping":
		c.Reply("pong", "", nil)

	default:
		if c.onMessage == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		c.onMessage(ctx, c, msg)
	}
}
