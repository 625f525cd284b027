package services

import (
	"context"
	"fmt"
	"time"

	"gotow/internal/models"
	"gotow/pkg/logger"
	"gotow/pkg/metrics"
	"gotow/pkg/push"
	"gotow/pkg/websocket"
)

// PresenceRegistry resolves participant ids to live connections.
type PresenceRegistry interface {
	Lookup(participantID string) (websocket.Connection, bool)
}

// OfflineNotifier is told about events whose target had no live connection.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, participantID, event, requestID string, payload interface{})
}

// DispatchService delivers events at most once. It never blocks and never
// retries; a target without a live connection misses the event.
type DispatchService interface {
	Publish(participantID, event, requestID string, payload interface{}) bool
	PublishAll(participantIDs []string, event, requestID string, payload interface{}) int
	BroadcastToOnlineDrivers(ctx context.Context, event, requestID string, payload interface{}) int
}

type dispatchService struct {
	presence PresenceRegistry
	capacity CapacityService
	offline  OfflineNotifier
	logger   *logger.Logger
}

// NewDispatchService builds a dispatcher; offline may be nil.
func NewDispatchService(presence PresenceRegistry, capacity CapacityService, offline OfflineNotifier, log *logger.Logger) DispatchService {
	return &dispatchService{
		presence: presence,
		capacity: capacity,
		offline:  offline,
		logger:   log,
	}
}

func (s *dispatchService) Publish(participantID, event, requestID string, payload interface{}) bool {
	conn, ok := s.presence.Lookup(participantID)
	if !ok {
		s.drop(participantID, event, requestID, "not_connected")
		s.notifyOffline(participantID, event, requestID, payload)
		return false
	}

	data, err := websocket.NewMessage(event, requestID, payload)
	if err != nil {
		s.logger.WithError(err).WithRequestID(requestID).Error("Failed to encode event")
		metrics.FanoutTotal.WithLabelValues(event, "encode_error").Inc()
		return false
	}

	if !conn.Send(data) {
		s.drop(participantID, event, requestID, "buffer_full")
		return false
	}

	metrics.FanoutTotal.WithLabelValues(event, "delivered").Inc()
	return true
}

func (s *dispatchService) PublishAll(participantIDs []string, event, requestID string, payload interface{}) int {
	delivered := 0
	for _, id := range participantIDs {
		if s.Publish(id, event, requestID, payload) {
			delivered++
		}
	}
	return delivered
}

func (s *dispatchService) BroadcastToOnlineDrivers(ctx context.Context, event, requestID string, payload interface{}) int {
	ids, err := s.capacity.OnlineDriverIDs(ctx)
	if err != nil {
		s.logger.WithError(err).WithRequestID(requestID).Warn("Could not list online drivers for broadcast")
		return 0
	}

	return s.PublishAll(ids, event, requestID, payload)
}

func (s *dispatchService) drop(participantID, event, requestID, cause string) {
	metrics.FanoutTotal.WithLabelValues(event, "dropped").Inc()
	s.logger.WithRequestID(requestID).WithFields(map[string]interface{}{
		"participant_id": participantID,
		"event":          event,
		"cause":          cause,
	}).Debug("Event dropped")
}

func (s *dispatchService) notifyOffline(participantID, event, requestID string, payload interface{}) {
	if s.offline == nil {
		return
	}
	switch event {
	case models.EventQuoteReceived, models.EventRequestAccepted,
		models.EventRequestCancelled, models.EventRequestCompleted:
	default:
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.offline.NotifyOffline(ctx, participantID, event, requestID, payload)
	}()
}

var pushTitles = map[string]string{
	models.EventQuoteReceived:    "New quote",
	models.EventRequestAccepted:  "Quote accepted",
	models.EventRequestCancelled: "Request cancelled",
	models.EventRequestCompleted: "Service completed",
}

type pushNotifier struct {
	provider push.PushProvider
	logger   *logger.Logger
}

// NewPushNotifier sends offline events to the participant's FCM topic.
func NewPushNotifier(provider push.PushProvider, log *logger.Logger) OfflineNotifier {
	return &pushNotifier{provider: provider, logger: log}
}

func (n *pushNotifier) NotifyOffline(ctx context.Context, participantID, event, requestID string, payload interface{}) {
	data := map[string]string{
		"event":      event,
		"request_id": requestID,
	}
	if fields, ok := payload.(map[string]interface{}); ok {
		for k, v := range fields {
			data[k] = fmt.Sprint(v)
		}
	}

	_, err := n.provider.SendNotification(ctx, &push.NotificationRequest{
		Topic:       fmt.Sprintf("participant_%s", participantID),
		Title:       pushTitles[event],
		Data:        data,
		Priority:    "high",
		TTLSecs:     300,
		CollapseKey: requestID,
	})
	if err != nil {
		metrics.FanoutTotal.WithLabelValues(event, "push_failed").Inc()
		n.logger.WithError(err).WithRequestID(requestID).WithField("participant_id", participantID).Warn("Push notification failed")
		return
	}
	metrics.FanoutTotal.WithLabelValues(event, "pushed").Inc()
}
