package routes

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	handlers "gotow/internal/handlers/shared"
	"gotow/internal/middleware"
	"gotow/internal/models"
	"gotow/internal/repositories/memory"
	"gotow/internal/services"
	"gotow/internal/utils"
	"gotow/pkg/logger"
	"gotow/pkg/websocket"

	"github.com/gin-gonic/gin"
	gorilla "github.com/gorilla/websocket"
)

func readMessage(t *testing.T, conn *gorilla.Conn) websocket.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg websocket.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestSocketQuoteFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	hub := websocket.NewHub(log)
	capacity := services.NewCapacityService(memory.NewDriverRepository(), log)
	dispatch := services.NewDispatchService(hub, capacity, nil, log)
	requestService := services.NewRequestService(memory.NewRequestRepository(), capacity, dispatch, nil, nil,
		services.RequestServiceConfig{}, log)

	wsHandler := websocket.NewHandler(hub, websocket.Options{PongTimeout: 5 * time.Second},
		handlers.NewSocketHandler(requestService, log).HandleMessage, log)
	router := gin.New()
	router.GET("/ws", middleware.AuthRequired(testSecret), wsHandler.HandleWebSocket)

	server := httptest.NewServer(router)
	defer server.Close()

	ctx := context.Background()
	if _, err := capacity.SetOnline(ctx, "d1", "Dana", true); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token(t, "d1", utils.UserTypeDriver)
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := hub.Lookup("d1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("driver never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	request, err := requestService.CreateRequest(ctx, services.CreateRequestCommand{
		ClientID:    "c1",
		Origin:      models.Place{Location: models.NewGeoPoint(40.71, -74.0), Address: "Pier 17"},
		Destination: models.Place{Location: models.NewGeoPoint(40.73, -73.99), Address: "Garage 2"},
		Problem:     "Engine will not start",
	})
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	if msg := readMessage(t, conn); msg.Type != models.EventNewRequest || msg.RequestID != request.ID.Hex() {
		t.Fatalf("first message = %+v, want new_request", msg)
	}

	quote := map[string]interface{}{
		"type":       "submit_quote",
		"request_id": request.ID.Hex(),
		"data":       map[string]interface{}{"amount": 80},
	}
	if err := conn.WriteJSON(quote); err != nil {
		t.Fatalf("write: %v", err)
	}
	ack := readMessage(t, conn)
	if ack.Type != "quote_ack" {
		t.Fatalf("reply = %+v, want quote_ack", ack)
	}
	var acked models.Quote
	if err := json.Unmarshal(ack.Data, &acked); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if acked.DriverID != "d1" || acked.DriverName != "User d1" || acked.Amount != 80 {
		t.Fatalf("ack = %+v", acked)
	}

	if err := conn.WriteJSON(quote); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := readMessage(t, conn)
	var failure struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(reply.Data, &failure); err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	if reply.Type != "error" || failure.Code != "DUPLICATE_QUOTE" {
		t.Fatalf("reply = %+v (%s), want DUPLICATE_QUOTE", reply, reply.Data)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if msg := readMessage(t, conn); msg.Type != "pong" {
		t.Fatalf("reply = %+v, want pong", msg)
	}
}
