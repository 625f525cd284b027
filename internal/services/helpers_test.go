package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
	"gotow/internal/repositories/memory"
	"gotow/pkg/logger"
	"gotow/pkg/websocket"
)

type fakeConn struct {
	id       string
	mu       sync.Mutex
	messages []websocket.Message
	full     bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	var msg websocket.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false
	}
	f.messages = append(f.messages, msg)
	return true
}

func (f *fakeConn) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	for i, m := range f.messages {
		out[i] = m.Type
	}
	return out
}

func (f *fakeConn) last(eventType string) (websocket.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		if f.messages[i].Type == eventType {
			return f.messages[i], true
		}
	}
	return websocket.Message{}, false
}

func (f *fakeConn) count(eventType string) int {
	n := 0
	for _, e := range f.events() {
		if e == eventType {
			n++
		}
	}
	return n
}

type recordingJournal struct {
	mu     sync.Mutex
	events []models.RequestEvent
}

func (j *recordingJournal) Append(_ context.Context, _ string, event interface{}) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event.(models.RequestEvent))
	return nil
}

func (j *recordingJournal) Close() error { return nil }

func (j *recordingJournal) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.events))
	for i, e := range j.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	svc      *requestService
	requests interfaces.RequestRepository
	drivers  interfaces.DriverRepository
	capacity CapacityService
	dispatch DispatchService
	hub      *websocket.Hub
	journal  *recordingJournal
	log      *logger.Logger

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logger.NewNop()
	env := &testEnv{
		requests: memory.NewRequestRepository(),
		drivers:  memory.NewDriverRepository(),
		hub:      websocket.NewHub(log),
		journal:  &recordingJournal{},
		log:      log,
		now:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.capacity = NewCapacityService(env.drivers, log)
	env.dispatch = NewDispatchService(env.hub, env.capacity, nil, log)
	env.svc = NewRequestService(env.requests, env.capacity, env.dispatch, nil, env.journal,
		RequestServiceConfig{RequestTTL: 30 * time.Minute}, log).(*requestService)
	env.svc.now = env.clock
	return env
}

func (e *testEnv) clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func (e *testEnv) connect(participantID string) *fakeConn {
	conn := newFakeConn("conn-" + participantID)
	e.hub.Register(participantID, conn)
	return conn
}

func (e *testEnv) onlineDriver(t *testing.T, driverID string) *fakeConn {
	t.Helper()
	if _, err := e.capacity.SetOnline(context.Background(), driverID, "Driver "+driverID, true); err != nil {
		t.Fatalf("SetOnline(%s) error = %v", driverID, err)
	}
	return e.connect(driverID)
}

func validCommand(clientID string) CreateRequestCommand {
	return CreateRequestCommand{
		ClientID:   clientID,
		ClientName: "Client " + clientID,
		Origin: models.Place{
			Location: models.NewGeoPoint(40.7128, -74.0060),
			Address:  "Broadway 1, New York",
		},
		Destination: models.Place{
			Location: models.NewGeoPoint(40.7306, -73.9352),
			Address:  "Garage 9, Brooklyn",
		},
		Problem: "Flat tyre",
		Vehicle: models.VehicleSnapshot{Make: "Toyota", Model: "Corolla", Year: 2019},
	}
}

func (e *testEnv) createRequest(t *testing.T, clientID string) *models.Request {
	t.Helper()
	request, err := e.svc.CreateRequest(context.Background(), validCommand(clientID))
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	return request
}

func (e *testEnv) quote(t *testing.T, requestID, driverID string, amount float64) {
	t.Helper()
	_, err := e.svc.SubmitQuote(context.Background(), SubmitQuoteCommand{
		RequestID:  requestID,
		DriverID:   driverID,
		DriverName: "Driver " + driverID,
		Amount:     amount,
	})
	if err != nil {
		t.Fatalf("SubmitQuote(%s) error = %v", driverID, err)
	}
}

func (e *testEnv) get(t *testing.T, requestID string) *models.Request {
	t.Helper()
	request, err := e.svc.GetRequest(context.Background(), requestID, "", "admin")
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	return request
}
