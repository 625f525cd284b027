package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"gotow/pkg/logger"
	"gotow/pkg/metrics"
)

// Connection is a live, addressable handle to one participant device.
type Connection interface {
	ID() string
	// Send queues payload without blocking and reports whether it was queued.
	Send(payload []byte) bool
}

type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func NewMessage(msgType, requestID string, payload interface{}) ([]byte, error) {
	msg := Message{
		Type:      msgType,
		RequestID: requestID,
		Timestamp: getCurrentTimestamp(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}

type presenceEntry struct {
	conn Connection
}

// Hub is the process-local presence registry. Each participant maps to at
// most one connection; the newest registration wins. Entries are independent,
// so both maps are concurrent maps rather than one lock around everything.
// Presence is lost on restart and participants re-register on reconnect.
type Hub struct {
	participants sync.Map // participant id -> *presenceEntry
	handles      sync.Map // connection id -> participant id
	log          *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{log: log}
}

// Register maps participantID to conn, silently displacing any older handle.
func (h *Hub) Register(participantID string, conn Connection) {
	entry := &presenceEntry{conn: conn}
	h.handles.Store(conn.ID(), participantID)

	prev, loaded := h.participants.Swap(participantID, entry)
	if !loaded {
		metrics.ConnectedParticipants.Inc()
	} else if old := prev.(*presenceEntry); old.conn.ID() != conn.ID() {
		h.handles.CompareAndDelete(old.conn.ID(), participantID)
	}

	h.log.WithField("participant_id", participantID).
		WithField("connection_id", conn.ID()).
		Debug("Participant registered")
}

// Unregister removes whichever participant currently maps to conn. A handle
// that was displaced by a newer registration is a no-op.
func (h *Hub) Unregister(conn Connection) {
	value, ok := h.handles.LoadAndDelete(conn.ID())
	if !ok {
		return
	}
	participantID := value.(string)

	current, ok := h.participants.Load(participantID)
	if !ok || current.(*presenceEntry).conn.ID() != conn.ID() {
		return
	}
	if h.participants.CompareAndDelete(participantID, current) {
		metrics.ConnectedParticipants.Dec()
		h.log.WithField("participant_id", participantID).
			WithField("connection_id", conn.ID()).
			Debug("Participant unregistered")
	}
}

func (h *Hub) Lookup(participantID string) (Connection, bool) {
	value, ok := h.participants.Load(participantID)
	if !ok {
		return nil, false
	}
	return value.(*presenceEntry).conn, true
}

func getCurrentTimestamp() int64 {
	return time.Now().Unix()
}
