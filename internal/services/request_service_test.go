package services

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
	"gotow/internal/validators"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestRequestLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	driver := env.onlineDriver(t, "d1")
	client := env.connect("c1")

	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()

	if request.Status != models.RequestStatusPending {
		t.Fatalf("status = %s, want pending", request.Status)
	}
	if !request.ExpiresAt.Equal(request.CreatedAt.Add(30 * time.Minute)) {
		t.Fatalf("expires_at = %v, want created_at + 30m", request.ExpiresAt)
	}
	if driver.count(models.EventNewRequest) != 1 {
		t.Fatalf("driver events = %v, want one new_request", driver.events())
	}

	env.quote(t, requestID, "d1", 100)
	if got := env.get(t, requestID).Status; got != models.RequestStatusQuoted {
		t.Fatalf("status after quote = %s, want quoted", got)
	}
	msg, ok := client.last(models.EventQuoteReceived)
	if !ok {
		t.Fatalf("client events = %v, want quote_received", client.events())
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["amount"] != float64(100) || payload["driver_id"] != "d1" {
		t.Fatalf("quote payload = %v", payload)
	}

	result, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d1"})
	if err != nil {
		t.Fatalf("AcceptQuote() error = %v", err)
	}
	if len(result.SecurityCode) != 4 {
		t.Fatalf("security code = %q, want 4 digits", result.SecurityCode)
	}
	for _, r := range result.SecurityCode {
		if r < '0' || r > '9' {
			t.Fatalf("security code = %q, want digits only", result.SecurityCode)
		}
	}
	if result.Request.AssignedDriverID != "d1" || result.Request.AcceptedAmount != 100 {
		t.Fatalf("accepted request = %+v", result.Request)
	}
	if driver.count(models.EventRequestAccepted) != 1 {
		t.Fatalf("driver events = %v, want request_accepted", driver.events())
	}
	if available, _ := env.capacity.IsAvailable(ctx, "d1"); available {
		t.Fatal("driver should be busy after acceptance")
	}

	owner, err := env.svc.GetRequest(ctx, requestID, "c1", "client")
	if err != nil {
		t.Fatalf("GetRequest() error = %v", err)
	}
	if owner.SecurityCode != result.SecurityCode {
		t.Fatalf("owner sees code %q, want %q", owner.SecurityCode, result.SecurityCode)
	}

	completed, err := env.svc.Complete(ctx, requestID, "d1")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if completed.Status != models.RequestStatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("completed request = %+v", completed)
	}
	if client.count(models.EventRequestCompleted) != 1 {
		t.Fatalf("client events = %v, want request_completed", client.events())
	}
	if available, _ := env.capacity.IsAvailable(ctx, "d1"); !available {
		t.Fatal("driver should be available after completion")
	}

	want := []string{
		models.EventNewRequest,
		models.EventQuoteReceived,
		models.EventRequestAccepted,
		models.EventRequestCompleted,
	}
	got := env.journal.types()
	if len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("journal = %v, want %v", got, want)
		}
	}
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(*CreateRequestCommand)
		field  string
	}{
		{
			name:   "missing origin coordinates",
			mutate: func(c *CreateRequestCommand) { c.Origin.Location = models.GeoPoint{} },
			field:  "Origin.Location.Coordinates",
		},
		{
			name:   "blank destination address",
			mutate: func(c *CreateRequestCommand) { c.Destination.Address = "   " },
			field:  "Destination.Address",
		},
		{
			name:   "missing problem",
			mutate: func(c *CreateRequestCommand) { c.Problem = "" },
			field:  "Problem",
		},
		{
			name:   "latitude out of range",
			mutate: func(c *CreateRequestCommand) { c.Origin.Location = models.NewGeoPoint(95, 10) },
			field:  "Origin.Location.Coordinates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := validCommand("c1")
			tt.mutate(&cmd)

			_, err := env.svc.CreateRequest(context.Background(), cmd)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("error = %v, want ErrValidation", err)
			}
			var fields validators.ValidationErrors
			if !errors.As(err, &fields) {
				t.Fatalf("error %v carries no field details", err)
			}
			if _, ok := fields.Fields()[tt.field]; !ok {
				t.Fatalf("fields = %v, want %s", fields.Fields(), tt.field)
			}
		})
	}
}

type fixedRoute struct {
	meters, seconds int
	err             error
}

func (f fixedRoute) EstimateRoute(context.Context, models.GeoPoint, models.GeoPoint) (int, int, error) {
	return f.meters, f.seconds, f.err
}

func TestCreateRequestFillsRouteEstimate(t *testing.T) {
	env := newTestEnv(t)
	env.svc.routes = fixedRoute{meters: 5400, seconds: 720}

	cmd := validCommand("c1")
	cmd.DurationSeconds = 600

	request, err := env.svc.CreateRequest(context.Background(), cmd)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	if request.DistanceMeters != 5400 {
		t.Fatalf("distance = %d, want 5400", request.DistanceMeters)
	}
	if request.DurationSeconds != 600 {
		t.Fatalf("duration = %d, want the client supplied 600", request.DurationSeconds)
	}

	env.svc.routes = fixedRoute{err: errors.New("quota exceeded")}
	request, err = env.svc.CreateRequest(context.Background(), validCommand("c1"))
	if err != nil {
		t.Fatalf("CreateRequest() should ignore estimate failures, got %v", err)
	}
	if request.DistanceMeters != 0 {
		t.Fatalf("distance = %d, want 0", request.DistanceMeters)
	}
}

func TestCreateRequestSkipsBusyAndOfflineDrivers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	online := env.onlineDriver(t, "d1")
	offline := env.connect("d2")
	busy := env.onlineDriver(t, "d3")
	if _, err := env.capacity.SetBusy(ctx, "d3", "other"); err != nil {
		t.Fatalf("SetBusy() error = %v", err)
	}

	env.createRequest(t, "c1")

	if online.count(models.EventNewRequest) != 1 {
		t.Fatalf("online driver events = %v", online.events())
	}
	if offline.count(models.EventNewRequest) != 0 {
		t.Fatalf("offline driver received %v", offline.events())
	}
	if busy.count(models.EventNewRequest) != 0 {
		t.Fatalf("busy driver received %v", busy.events())
	}
}

func TestSubmitQuoteErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()

	for _, amount := range []float64{0, -5, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := env.svc.SubmitQuote(ctx, SubmitQuoteCommand{RequestID: requestID, DriverID: "d1", Amount: amount})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("amount %v error = %v, want ErrValidation", amount, err)
		}
	}

	_, err := env.svc.SubmitQuote(ctx, SubmitQuoteCommand{RequestID: "not-an-id", DriverID: "d1", Amount: 10})
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("malformed id error = %v, want ErrRequestNotFound", err)
	}

	_, err = env.svc.SubmitQuote(ctx, SubmitQuoteCommand{RequestID: "65f000000000000000000000", DriverID: "d1", Amount: 10})
	if !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("unknown id error = %v, want ErrRequestNotFound", err)
	}

	env.quote(t, requestID, "d1", 80)
	_, err = env.svc.SubmitQuote(ctx, SubmitQuoteCommand{RequestID: requestID, DriverID: "d1", Amount: 70})
	if !errors.Is(err, ErrDuplicateQuote) {
		t.Fatalf("second quote error = %v, want ErrDuplicateQuote", err)
	}
	if got := env.get(t, requestID).Quotes; len(got) != 1 || got[0].Amount != 80 {
		t.Fatalf("quotes = %+v, want the first quote only", got)
	}

	env.advance(31 * time.Minute)
	_, err = env.svc.SubmitQuote(ctx, SubmitQuoteCommand{RequestID: requestID, DriverID: "d2", Amount: 90})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expired quote error = %v, want ErrInvalidState", err)
	}
}

func TestSubmitQuoteStoresDriverLocation(t *testing.T) {
	env := newTestEnv(t)
	request := env.createRequest(t, "c1")
	point := models.NewGeoPoint(40.71, -74.0)

	quote, err := env.svc.SubmitQuote(context.Background(), SubmitQuoteCommand{
		RequestID: request.ID.Hex(),
		DriverID:  "d1",
		Amount:    55,
		Location:  &point,
	})
	if err != nil {
		t.Fatalf("SubmitQuote() error = %v", err)
	}
	if quote.Location == nil || quote.Location.Location.Latitude() != 40.71 {
		t.Fatalf("quote location = %+v", quote.Location)
	}
	if !quote.Location.RecordedAt.Equal(env.clock()) {
		t.Fatalf("recorded_at = %v, want %v", quote.Location.RecordedAt, env.clock())
	}
}

func TestDuplicateQuoteRace(t *testing.T) {
	env := newTestEnv(t)
	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()

	const attempts = 20
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
		others     []error
	)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(amount float64) {
			defer wg.Done()
			_, err := env.svc.SubmitQuote(context.Background(), SubmitQuoteCommand{
				RequestID: requestID,
				DriverID:  "d1",
				Amount:    amount,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateQuote):
				duplicates++
			default:
				others = append(others, err)
			}
		}(float64(100 + i))
	}
	wg.Wait()

	if successes != 1 || duplicates != attempts-1 || len(others) > 0 {
		t.Fatalf("successes=%d duplicates=%d others=%v", successes, duplicates, others)
	}
	if got := env.get(t, requestID).Quotes; len(got) != 1 {
		t.Fatalf("stored %d quotes, want 1", len(got))
	}
}

func TestConcurrentQuotesFromDifferentDrivers(t *testing.T) {
	env := newTestEnv(t)
	client := env.connect("c1")
	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()

	drivers := []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"}
	var wg sync.WaitGroup
	errs := make(chan error, len(drivers))

	for _, id := range drivers {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			_, err := env.svc.SubmitQuote(context.Background(), SubmitQuoteCommand{
				RequestID: requestID,
				DriverID:  driverID,
				Amount:    120,
			})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("SubmitQuote() error = %v", err)
		}
	}

	stored := env.get(t, requestID)
	if len(stored.Quotes) != len(drivers) {
		t.Fatalf("stored %d quotes, want %d", len(stored.Quotes), len(drivers))
	}
	if client.count(models.EventQuoteReceived) != len(drivers) {
		t.Fatalf("client received %d quote events", client.count(models.EventQuoteReceived))
	}
}

func TestDoubleAcceptRace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		env.onlineDriver(t, "d1")
		env.onlineDriver(t, "d2")
		request := env.createRequest(t, "c1")
		requestID := request.ID.Hex()
		env.quote(t, requestID, "d1", 100)
		env.quote(t, requestID, "d2", 90)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
			losers  []error
		)
		for _, id := range []string{"d1", "d2"} {
			wg.Add(1)
			go func(driverID string) {
				defer wg.Done()
				_, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: driverID})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					winners = append(winners, driverID)
				} else {
					losers = append(losers, err)
				}
			}(id)
		}
		wg.Wait()

		if len(winners) != 1 || len(losers) != 1 {
			t.Fatalf("round %d: winners=%v losers=%v", round, winners, losers)
		}
		if !errors.Is(losers[0], ErrAlreadyAccepted) {
			t.Fatalf("round %d: loser error = %v, want ErrAlreadyAccepted", round, losers[0])
		}

		winner := winners[0]
		loser := "d1"
		if winner == "d1" {
			loser = "d2"
		}
		if stored := env.get(t, requestID); stored.AssignedDriverID != winner {
			t.Fatalf("round %d: assigned = %s, want %s", round, stored.AssignedDriverID, winner)
		}
		if available, _ := env.capacity.IsAvailable(ctx, loser); !available {
			t.Fatalf("round %d: losing driver %s kept its reservation", round, loser)
		}

		if _, err := env.svc.Complete(ctx, requestID, winner); err != nil {
			t.Fatalf("round %d: Complete() error = %v", round, err)
		}
	}
}

func TestAcceptQuoteNotifiesOtherQuotingDrivers(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.connect("d1")
	d2 := env.connect("d2")
	d3 := env.connect("d3")

	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()
	env.quote(t, requestID, "d1", 100)
	env.quote(t, requestID, "d2", 110)

	if _, err := env.svc.AcceptQuote(context.Background(), AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d1"}); err != nil {
		t.Fatalf("AcceptQuote() error = %v", err)
	}

	if d1.count(models.EventRequestAccepted) != 1 || d1.count(models.EventRequestTaken) != 0 {
		t.Fatalf("winner events = %v", d1.events())
	}
	if d2.count(models.EventRequestTaken) != 1 {
		t.Fatalf("other quoting driver events = %v", d2.events())
	}
	if len(d3.events()) != 0 {
		t.Fatalf("non-quoting driver received %v", d3.events())
	}
}

func TestAcceptQuoteErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()
	env.quote(t, requestID, "d1", 100)

	_, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c2", DriverID: "d1"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign client error = %v, want ErrForbidden", err)
	}

	_, err = env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d9"})
	if !errors.Is(err, ErrQuoteNotFound) {
		t.Fatalf("unknown quote error = %v, want ErrQuoteNotFound", err)
	}
	if presence, _ := env.capacity.GetAvailability(ctx, "d9"); presence.IsBusy() {
		t.Fatal("rejected accept must not reserve the driver")
	}

	if _, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d1"}); err != nil {
		t.Fatalf("AcceptQuote() error = %v", err)
	}
	_, err = env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d1"})
	if !errors.Is(err, ErrAlreadyAccepted) {
		t.Fatalf("second accept error = %v, want ErrAlreadyAccepted", err)
	}

	cancelled := env.createRequest(t, "c1")
	env.quote(t, cancelled.ID.Hex(), "d2", 50)
	if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: cancelled.ID.Hex(), ActorID: "c1", ActorRole: models.CancelledByClient, Reason: "changed_mind"}); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	_, err = env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: cancelled.ID.Hex(), ClientID: "c1", DriverID: "d2"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("accept on cancelled error = %v, want ErrInvalidState", err)
	}
}

func TestAcceptQuoteDriverBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.createRequest(t, "c1")
	second := env.createRequest(t, "c2")
	env.quote(t, first.ID.Hex(), "d1", 100)
	env.quote(t, second.ID.Hex(), "d1", 100)

	if _, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: first.ID.Hex(), ClientID: "c1", DriverID: "d1"}); err != nil {
		t.Fatalf("AcceptQuote() error = %v", err)
	}

	_, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: second.ID.Hex(), ClientID: "c2", DriverID: "d1"})
	if !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("error = %v, want ErrDriverBusy", err)
	}
	if got := env.get(t, second.ID.Hex()).Status; got != models.RequestStatusQuoted {
		t.Fatalf("second request status = %s, want quoted", got)
	}
}

func TestAcceptWithUppercaseIDReleasesDriver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	d1 := env.onlineDriver(t, "d1")

	for _, finish := range []string{"complete", "cancel"} {
		t.Run(finish, func(t *testing.T) {
			request := env.createRequest(t, "c1")
			requestID := request.ID.Hex()
			env.quote(t, requestID, "d1", 100)

			if _, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: strings.ToUpper(requestID), ClientID: "c1", DriverID: "d1"}); err != nil {
				t.Fatalf("AcceptQuote() error = %v", err)
			}
			presence, _ := env.capacity.GetAvailability(ctx, "d1")
			if presence.CurrentServiceID != requestID {
				t.Fatalf("current_service_id = %q, want %q", presence.CurrentServiceID, requestID)
			}
			if msg, ok := d1.last(models.EventRequestAccepted); !ok || msg.RequestID != requestID {
				t.Fatalf("request_accepted = %+v", msg)
			}

			var err error
			if finish == "complete" {
				_, err = env.svc.Complete(ctx, requestID, "d1")
			} else {
				_, err = env.svc.Cancel(ctx, CancelCommand{RequestID: requestID, ActorID: "c1", ActorRole: models.CancelledByClient, Reason: "changed_mind"})
			}
			if err != nil {
				t.Fatalf("%s error = %v", finish, err)
			}
			if available, _ := env.capacity.IsAvailable(ctx, "d1"); !available {
				t.Fatalf("driver still busy after %s", finish)
			}
		})
	}
}

func TestSameDriverAcceptWhileReservationInFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()
	env.quote(t, requestID, "d1", 100)

	// another accept of the same quote has reserved the driver but not yet
	// written the request
	if _, err := env.drivers.Reserve(ctx, "d1", requestID, env.clock()); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	_, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d1"})
	if errors.Is(err, ErrAlreadyAccepted) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("error = %v, want ErrInvalidState while the request is still open", err)
	}

	if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: requestID, ActorID: "c1", ActorRole: models.CancelledByClient, Reason: "changed_mind"}); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got := env.get(t, requestID).Status; got != models.RequestStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
}

func TestAcceptAfterExpiryBeforeSweep(t *testing.T) {
	env := newTestEnv(t)
	request := env.createRequest(t, "c1")
	env.quote(t, request.ID.Hex(), "d1", 100)

	env.advance(45 * time.Minute)
	if _, err := env.svc.AcceptQuote(context.Background(), AcceptQuoteCommand{RequestID: request.ID.Hex(), ClientID: "c1", DriverID: "d1"}); err != nil {
		t.Fatalf("AcceptQuote() after expiry error = %v, want success", err)
	}
}

func TestCancelByClientNotifiesQuotingDrivers(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.connect("d1")
	d2 := env.connect("d2")

	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()
	env.quote(t, requestID, "d1", 100)
	env.quote(t, requestID, "d2", 120)

	cancelled, err := env.svc.Cancel(context.Background(), CancelCommand{
		RequestID:    requestID,
		ActorID:      "c1",
		ActorRole:    models.CancelledByClient,
		Reason:       "found_help",
		CustomReason: "neighbour helped",
	})
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != models.RequestStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.Cancellation == nil || cancelled.Cancellation.By != models.CancelledByClient || cancelled.Cancellation.Reason != "found_help" {
		t.Fatalf("cancellation = %+v", cancelled.Cancellation)
	}

	for _, conn := range []*fakeConn{d1, d2} {
		msg, ok := conn.last(models.EventRequestCancelled)
		if !ok {
			t.Fatalf("%s events = %v, want request_cancelled", conn.id, conn.events())
		}
		var payload map[string]string
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["cancelled_by"] != "client" || payload["reason"] != "found_help" || payload["custom_reason"] != "neighbour helped" {
			t.Fatalf("payload = %v", payload)
		}
	}

	_, err = env.svc.Cancel(context.Background(), CancelCommand{RequestID: requestID, ActorID: "c1", ActorRole: models.CancelledByClient, Reason: "again"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second cancel error = %v, want ErrInvalidState", err)
	}
}

func TestCancelAcceptedRequest(t *testing.T) {
	ctx := context.Background()

	t.Run("client cancels and the driver is told", func(t *testing.T) {
		env := newTestEnv(t)
		driver := env.connect("d1")
		request := env.createRequest(t, "c1")
		env.quote(t, request.ID.Hex(), "d1", 100)
		if _, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: request.ID.Hex(), ClientID: "c1", DriverID: "d1"}); err != nil {
			t.Fatalf("AcceptQuote() error = %v", err)
		}

		if _, err := env.svc.Cancel(ctx, CancelCommand{RequestID: request.ID.Hex(), ActorID: "c1", ActorRole: models.CancelledByClient, Reason: "too_slow"}); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if driver.count(models.EventRequestCancelled) != 1 {
			t.Fatalf("driver events = %v", driver.events())
		}
		if available, _ := env.capacity.IsAvailable(ctx, "d1"); !available {
			t.Fatal("driver should be released after cancellation")
		}
	})

	t.Run("assigned driver cancels and the client is told", func(t *testing.T) {
		env := newTestEnv(t)
		client := env.connect("c1")
		request := env.createRequest(t, "c1")
		env.quote(t, request.ID.Hex(), "d1", 100)
		if _, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: request.ID.Hex(), ClientID: "c1", DriverID: "d1"}); err != nil {
			t.Fatalf("AcceptQuote() error = %v", err)
		}

		cancelled, err := env.svc.Cancel(ctx, CancelCommand{RequestID: request.ID.Hex(), ActorID: "d1", ActorRole: models.CancelledByDriver, Reason: "breakdown"})
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if cancelled.AssignedDriverID != "d1" || cancelled.SecurityCode == "" {
			t.Fatal("assignment must survive cancellation")
		}
		if client.count(models.EventRequestCancelled) != 1 {
			t.Fatalf("client events = %v", client.events())
		}
		if available, _ := env.capacity.IsAvailable(ctx, "d1"); !available {
			t.Fatal("driver should be released after cancellation")
		}
	})
}

func TestCancelRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()
	env.quote(t, requestID, "d1", 100)

	tests := []struct {
		name string
		cmd  CancelCommand
		want error
	}{
		{"other client", CancelCommand{RequestID: requestID, ActorID: "c2", ActorRole: models.CancelledByClient, Reason: "x"}, ErrForbidden},
		{"driver before acceptance", CancelCommand{RequestID: requestID, ActorID: "d1", ActorRole: models.CancelledByDriver, Reason: "x"}, ErrForbidden},
		{"system before expiry", CancelCommand{RequestID: requestID, ActorID: "system", ActorRole: models.CancelledBySystem, Reason: models.CancelReasonExpired}, ErrInvalidState},
		{"unknown role", CancelCommand{RequestID: requestID, ActorID: "x", ActorRole: "admin", Reason: "x"}, ErrForbidden},
		{"missing reason", CancelCommand{RequestID: requestID, ActorID: "c1", ActorRole: models.CancelledByClient}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Cancel(ctx, tt.cmd); !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}

	if got := env.get(t, requestID).Status; got != models.RequestStatusQuoted {
		t.Fatalf("status = %s, want quoted after rejected cancels", got)
	}

	if _, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d1"}); err != nil {
		t.Fatalf("AcceptQuote() error = %v", err)
	}
	_, err := env.svc.Cancel(ctx, CancelCommand{RequestID: requestID, ActorID: "d2", ActorRole: models.CancelledByDriver, Reason: "x"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("unassigned driver error = %v, want ErrForbidden", err)
	}
	env.advance(time.Hour)
	_, err = env.svc.Cancel(ctx, CancelCommand{RequestID: requestID, ActorID: "system", ActorRole: models.CancelledBySystem, Reason: models.CancelReasonExpired})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("system cancel of accepted request error = %v, want ErrInvalidState", err)
	}
}

// flakyTransitionRepo fails the first conditional transitions it sees, as a
// concurrent quote moving pending to quoted would.
type flakyTransitionRepo struct {
	interfaces.RequestRepository
	mu       sync.Mutex
	failures int
}

func (r *flakyTransitionRepo) Transition(ctx context.Context, id primitive.ObjectID, cond interfaces.TransitionCondition, update interfaces.TransitionUpdate) (*models.Request, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return nil, interfaces.ErrConditionFailed
	}
	r.mu.Unlock()
	return r.RequestRepository.Transition(ctx, id, cond, update)
}

func TestLostAcceptKeepsDriverOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.capacity.SetOnline(ctx, "d1", "Dana", false); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	request := env.createRequest(t, "c1")
	env.quote(t, request.ID.Hex(), "d1", 100)

	env.svc.requestRepo = &flakyTransitionRepo{RequestRepository: env.requests, failures: 1}
	_, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: request.ID.Hex(), ClientID: "c1", DriverID: "d1"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("error = %v, want ErrInvalidState", err)
	}

	presence, _ := env.capacity.GetAvailability(ctx, "d1")
	if presence.IsBusy() || presence.IsOnline {
		t.Fatalf("presence = %+v, want free and still offline", presence)
	}
}

func TestCancelRetriesOnConcurrentChange(t *testing.T) {
	env := newTestEnv(t)
	request := env.createRequest(t, "c1")

	flaky := &flakyTransitionRepo{RequestRepository: env.requests, failures: 2}
	env.svc.requestRepo = flaky

	cancelled, err := env.svc.Cancel(context.Background(), CancelCommand{RequestID: request.ID.Hex(), ActorID: "c1", ActorRole: models.CancelledByClient, Reason: "x"})
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if cancelled.Status != models.RequestStatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}

	other := env.createRequest(t, "c1")
	flaky.failures = 10
	_, err = env.svc.Cancel(context.Background(), CancelCommand{RequestID: other.ID.Hex(), ActorID: "c1", ActorRole: models.CancelledByClient, Reason: "x"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("error after exhausted retries = %v, want ErrInvalidState", err)
	}
}

func TestCompleteErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()
	env.quote(t, requestID, "d1", 100)

	if _, err := env.svc.Complete(ctx, requestID, "d1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete before accept error = %v, want ErrInvalidState", err)
	}

	if _, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d1"}); err != nil {
		t.Fatalf("AcceptQuote() error = %v", err)
	}
	if _, err := env.svc.Complete(ctx, requestID, "d2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("complete by other driver error = %v, want ErrForbidden", err)
	}
	if _, err := env.svc.Complete(ctx, requestID, "d1"); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := env.svc.Complete(ctx, requestID, "d1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second complete error = %v, want ErrInvalidState", err)
	}
}

func TestGetRequestVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	request := env.createRequest(t, "c1")
	requestID := request.ID.Hex()

	if _, err := env.svc.GetRequest(ctx, requestID, "d5", "driver"); err != nil {
		t.Fatalf("driver viewing open request error = %v", err)
	}
	if _, err := env.svc.GetRequest(ctx, requestID, "c2", "client"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign client error = %v, want ErrForbidden", err)
	}

	env.quote(t, requestID, "d1", 100)
	if _, err := env.svc.AcceptQuote(ctx, AcceptQuoteCommand{RequestID: requestID, ClientID: "c1", DriverID: "d1"}); err != nil {
		t.Fatalf("AcceptQuote() error = %v", err)
	}

	assigned, err := env.svc.GetRequest(ctx, requestID, "d1", "driver")
	if err != nil {
		t.Fatalf("assigned driver error = %v", err)
	}
	if assigned.SecurityCode != "" {
		t.Fatal("security code leaked to driver")
	}
	if _, err := env.svc.GetRequest(ctx, requestID, "d5", "driver"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("unrelated driver error = %v, want ErrForbidden", err)
	}
}

func TestListOpenForDriver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	quoted := env.createRequest(t, "c1")
	open := env.createRequest(t, "c2")
	env.quote(t, quoted.ID.Hex(), "d1", 100)

	list, err := env.svc.ListOpenForDriver(ctx, "d1", interfaces.OpenRequestFilter{})
	if err != nil {
		t.Fatalf("ListOpenForDriver() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != open.ID {
		t.Fatalf("list = %v, want only the unquoted request", list)
	}

	near := models.NewGeoPoint(51.5, -0.12)
	list, err = env.svc.ListOpenForDriver(ctx, "d2", interfaces.OpenRequestFilter{Near: &near, RadiusKM: 50})
	if err != nil {
		t.Fatalf("ListOpenForDriver() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("list = %d requests, want none near London", len(list))
	}

	env.advance(31 * time.Minute)
	list, err = env.svc.ListOpenForDriver(ctx, "d2", interfaces.OpenRequestFilter{})
	if err != nil {
		t.Fatalf("ListOpenForDriver() error = %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("list = %d requests, want expired ones excluded", len(list))
	}
}
