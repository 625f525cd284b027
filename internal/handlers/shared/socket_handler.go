package handlers

import (
	"context"
	"encoding/json"

	"gotow/internal/services"
	"gotow/internal/utils"
	"gotow/internal/validators"
	"gotow/pkg/logger"
	"gotow/pkg/websocket"
)

// SocketHandler answers inbound actions sent over a participant's socket.
type SocketHandler struct {
	requestService services.RequestService
	logger         *logger.Logger
}

func NewSocketHandler(requestService services.RequestService, log *logger.Logger) *SocketHandler {
	return &SocketHandler{
		requestService: requestService,
		logger:         log,
	}
}

func (h *SocketHandler) HandleMessage(ctx context.Context, client *websocket.Client, msg websocket.Message) {
	switch msg.Type {
	case "submit_quote":
		h.submitQuote(ctx, client, msg)
	default:
		client.Reply("error", msg.RequestID, socketError{Code: "UNKNOWN_MESSAGE", Message: "unsupported message type " + msg.Type})
	}
}

type socketError struct {
	Code    string `json:"code"`
	Status  int    `json:"status,omitempty"`
	Message string `json:"message"`
}

func (h *SocketHandler) submitQuote(ctx context.Context, client *websocket.Client, msg websocket.Message) {
	if client.ParticipantType != utils.UserTypeDriver {
		client.Reply("error", msg.RequestID, socketError{Code: "FORBIDDEN", Message: "Driver access required"})
		return
	}

	var req validators.SubmitQuoteRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		client.Reply("error", msg.RequestID, socketError{Code: "BAD_REQUEST", Message: "invalid quote payload"})
		return
	}

	quote, err := h.requestService.SubmitQuote(ctx, services.SubmitQuoteCommand{
		RequestID:  msg.RequestID,
		DriverID:   client.ParticipantID,
		DriverName: client.ParticipantName,
		Amount:     req.Amount,
		Location:   req.DriverLocation(),
	})
	if err != nil {
		code, status := errorCode(err)
		if status >= 500 {
			h.logger.WithError(err).WithRequestID(msg.RequestID).Warn("Socket quote failed")
		}
		client.Reply("error", msg.RequestID, socketError{Code: code, Status: status, Message: err.Error()})
		return
	}

	client.Reply("quote_ack", msg.RequestID, quote)
}
