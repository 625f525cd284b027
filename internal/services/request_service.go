package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
	"gotow/internal/utils"
	"gotow/internal/validators"
	"gotow/pkg/events"
	"gotow/pkg/logger"
	"gotow/pkg/metrics"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type RequestService interface {
	CreateRequest(ctx context.Context, cmd CreateRequestCommand) (*models.Request, error)
	SubmitQuote(ctx context.Context, cmd SubmitQuoteCommand) (*models.Quote, error)
	AcceptQuote(ctx context.Context, cmd AcceptQuoteCommand) (*AcceptanceResult, error)
	Cancel(ctx context.Context, cmd CancelCommand) (*models.Request, error)
	Complete(ctx context.Context, requestID, driverID string) (*models.Request, error)
	GetRequest(ctx context.Context, requestID, viewerID, viewerType string) (*models.Request, error)
	ListOpenForDriver(ctx context.Context, driverID string, filter interfaces.OpenRequestFilter) ([]*models.Request, error)
}

type CreateRequestCommand struct {
	ClientID        string `validate:"required"`
	ClientName      string `validate:"max=100"`
	Origin          models.Place
	Destination     models.Place
	DistanceMeters  int    `validate:"gte=0"`
	DurationSeconds int    `validate:"gte=0"`
	Problem         string `validate:"required,not_blank,max=1000"`
	Vehicle         models.VehicleSnapshot
}

type SubmitQuoteCommand struct {
	RequestID  string
	DriverID   string
	DriverName string
	Amount     float64
	Location   *models.GeoPoint
}

type AcceptQuoteCommand struct {
	RequestID string
	ClientID  string
	DriverID  string
}

type CancelCommand struct {
	RequestID string
	ActorID   string
	// ActorRole is one of models.CancelledByClient, CancelledByDriver or
	// CancelledBySystem.
	ActorRole    string
	Reason       string
	CustomReason string
}

type AcceptanceResult struct {
	Request      *models.Request `json:"request"`
	Quote        models.Quote    `json:"quote"`
	SecurityCode string          `json:"security_code"`
}

type RequestServiceConfig struct {
	RequestTTL    time.Duration
	CancelRetries int
}

type requestService struct {
	requestRepo interfaces.RequestRepository
	capacity    CapacityService
	dispatch    DispatchService
	routes      RouteEstimator
	journal     events.Journal
	config      RequestServiceConfig
	logger      *logger.Logger
	now         func() time.Time
}

// NewRequestService wires the lifecycle. routes may be nil.
func NewRequestService(
	requestRepo interfaces.RequestRepository,
	capacity CapacityService,
	dispatch DispatchService,
	routes RouteEstimator,
	journal events.Journal,
	config RequestServiceConfig,
	log *logger.Logger,
) RequestService {
	if config.RequestTTL <= 0 {
		config.RequestTTL = utils.DefaultRequestTTL
	}
	if config.CancelRetries <= 0 {
		config.CancelRetries = 3
	}
	if journal == nil {
		journal = events.NewNopJournal()
	}

	return &requestService{
		requestRepo: requestRepo,
		capacity:    capacity,
		dispatch:    dispatch,
		routes:      routes,
		journal:     journal,
		config:      config,
		logger:      log,
		now:         time.Now,
	}
}

func (s *requestService) CreateRequest(ctx context.Context, cmd CreateRequestCommand) (request *models.Request, err error) {
	defer s.observe("create", time.Now(), &err)

	if verr := validators.ValidateStruct(cmd); verr != nil {
		return nil, newValidationError(verr)
	}

	now := s.now()
	request = &models.Request{
		ClientID:        cmd.ClientID,
		ClientName:      cmd.ClientName,
		Origin:          cmd.Origin,
		Destination:     cmd.Destination,
		DistanceMeters:  cmd.DistanceMeters,
		DurationSeconds: cmd.DurationSeconds,
		Problem:         cmd.Problem,
		Vehicle:         cmd.Vehicle,
		Status:          models.RequestStatusPending,
		Quotes:          []models.Quote{},
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.config.RequestTTL),
		UpdatedAt:       now,
	}
	s.fillRoute(ctx, request)

	if err := s.requestRepo.Create(ctx, request); err != nil {
		return nil, storeError("create request", err)
	}

	requestID := request.ID.Hex()
	s.record(ctx, models.EventNewRequest, request, cmd.ClientID, nil)

	s.dispatch.BroadcastToOnlineDrivers(ctx, models.EventNewRequest, requestID, request.Redacted())
	return request, nil
}

func (s *requestService) fillRoute(ctx context.Context, request *models.Request) {
	if s.routes == nil || (request.DistanceMeters > 0 && request.DurationSeconds > 0) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	meters, seconds, err := s.routes.EstimateRoute(ctx, request.Origin.Location, request.Destination.Location)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("Route estimate unavailable")
		return
	}
	if request.DistanceMeters == 0 {
		request.DistanceMeters = meters
	}
	if request.DurationSeconds == 0 {
		request.DurationSeconds = seconds
	}
}

func (s *requestService) SubmitQuote(ctx context.Context, cmd SubmitQuoteCommand) (quote *models.Quote, err error) {
	defer s.observe("quote", time.Now(), &err)

	if !(cmd.Amount > 0) || math.IsInf(cmd.Amount, 0) {
		return nil, newValidationError(validators.NewValidationError("amount", "gt", "amount must be a positive number"))
	}
	id, err := parseRequestID(cmd.RequestID)
	if err != nil {
		return nil, err
	}
	requestID := id.Hex()
	next, ok := Target(EventQuote)
	if !ok {
		return nil, fmt.Errorf("submit quote: %w: no single quote target", ErrInvalidState)
	}

	now := s.now()
	quote = &models.Quote{
		DriverID:   cmd.DriverID,
		DriverName: cmd.DriverName,
		Amount:     cmd.Amount,
		CreatedAt:  now,
	}
	if cmd.Location != nil {
		quote.Location = &models.DriverLocation{Location: *cmd.Location, RecordedAt: now}
	}

	updated, err := s.requestRepo.AppendQuoteIfAbsent(ctx, id, interfaces.QuoteAppend{
		Quote:    quote,
		Statuses: SourceStatuses(EventQuote),
		Status:   next,
		At:       now,
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrConditionFailed) {
			return nil, s.classifyQuoteMiss(ctx, id, cmd.DriverID, now)
		}
		return nil, storeError("submit quote", err)
	}

	s.record(ctx, models.EventQuoteReceived, updated, cmd.DriverID, map[string]interface{}{
		"amount": cmd.Amount,
		"quotes": len(updated.Quotes),
	})

	s.dispatch.Publish(updated.ClientID, models.EventQuoteReceived, requestID, map[string]interface{}{
		"driver_id":   quote.DriverID,
		"driver_name": quote.DriverName,
		"amount":      quote.Amount,
		"quote_count": len(updated.Quotes),
	})
	return quote, nil
}

func (s *requestService) classifyQuoteMiss(ctx context.Context, id primitive.ObjectID, driverID string, now time.Time) error {
	request, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		return storeError("submit quote", err)
	}
	if _, err := Transition(request.Status, EventQuote); err != nil {
		return fmt.Errorf("submit quote: %w", err)
	}
	if request.IsExpired(now) {
		return fmt.Errorf("submit quote: %w: request expired", ErrInvalidState)
	}
	if _, ok := request.QuoteFrom(driverID); ok {
		return fmt.Errorf("submit quote: %w", ErrDuplicateQuote)
	}
	return fmt.Errorf("submit quote: %w: request changed concurrently", ErrInvalidState)
}

func (s *requestService) AcceptQuote(ctx context.Context, cmd AcceptQuoteCommand) (result *AcceptanceResult, err error) {
	defer s.observe("accept", time.Now(), &err)

	id, err := parseRequestID(cmd.RequestID)
	if err != nil {
		return nil, err
	}
	requestID := id.Hex()

	request, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		return nil, storeError("accept quote", err)
	}
	if request.ClientID != cmd.ClientID {
		return nil, fmt.Errorf("accept quote: %w", ErrForbidden)
	}
	if _, err := Transition(request.Status, EventAccept); err != nil {
		return nil, fmt.Errorf("accept quote: %w", err)
	}
	quote, ok := request.QuoteFrom(cmd.DriverID)
	if !ok {
		return nil, fmt.Errorf("accept quote: %w", ErrQuoteNotFound)
	}

	code, err := utils.GenerateSecurityCode()
	if err != nil {
		return nil, fmt.Errorf("accept quote: generate security code: %w", err)
	}

	wasOnline, err := s.capacity.SetBusy(ctx, cmd.DriverID, requestID)
	if err != nil {
		if errors.Is(err, ErrDriverBusy) {
			// A concurrent accept of this same quote holds the reservation and
			// may still lose its compare-and-set, so the stored status decides.
			if driver, derr := s.capacity.GetAvailability(ctx, cmd.DriverID); derr == nil && driver.CurrentServiceID == requestID {
				return nil, s.classifyAcceptMiss(ctx, id, cmd)
			}
		}
		return nil, fmt.Errorf("accept quote: %w", err)
	}

	now := s.now()
	updated, err := s.requestRepo.Transition(ctx, id,
		interfaces.TransitionCondition{
			Statuses: SourceStatuses(EventAccept),
			ClientID: cmd.ClientID,
			QuotedBy: cmd.DriverID,
		},
		interfaces.TransitionUpdate{
			Status:           models.RequestStatusAccepted,
			AssignedDriverID: cmd.DriverID,
			SecurityCode:     code,
			AcceptedAmount:   quote.Amount,
			At:               now,
		},
	)
	if err != nil {
		if rerr := s.capacity.Rollback(ctx, cmd.DriverID, requestID, wasOnline); rerr != nil {
			s.logger.WithContext(ctx).WithError(rerr).WithRequestID(requestID).
				WithField("driver_id", cmd.DriverID).
				Error("Failed to release reservation after lost accept")
		}
		if errors.Is(err, interfaces.ErrConditionFailed) {
			return nil, s.classifyAcceptMiss(ctx, id, cmd)
		}
		return nil, storeError("accept quote", err)
	}

	s.record(ctx, models.EventRequestAccepted, updated, cmd.ClientID, map[string]interface{}{
		"driver_id": cmd.DriverID,
		"amount":    quote.Amount,
	})

	s.dispatch.Publish(cmd.DriverID, models.EventRequestAccepted, requestID, map[string]interface{}{
		"client_id":           updated.ClientID,
		"client_name":         updated.ClientName,
		"amount":              quote.Amount,
		"origin_address":      updated.Origin.Address,
		"destination_address": updated.Destination.Address,
	})
	for _, driverID := range updated.QuotingDriverIDs() {
		if driverID == cmd.DriverID {
			continue
		}
		s.dispatch.Publish(driverID, models.EventRequestTaken, requestID, nil)
	}

	return &AcceptanceResult{
		Request:      updated,
		Quote:        *quote,
		SecurityCode: code,
	}, nil
}

func (s *requestService) classifyAcceptMiss(ctx context.Context, id primitive.ObjectID, cmd AcceptQuoteCommand) error {
	request, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		return storeError("accept quote", err)
	}
	if request.ClientID != cmd.ClientID {
		return fmt.Errorf("accept quote: %w", ErrForbidden)
	}
	if _, err := Transition(request.Status, EventAccept); err != nil {
		return fmt.Errorf("accept quote: %w", err)
	}
	if _, ok := request.QuoteFrom(cmd.DriverID); !ok {
		return fmt.Errorf("accept quote: %w", ErrQuoteNotFound)
	}
	return fmt.Errorf("accept quote: %w: request changed concurrently", ErrInvalidState)
}

func (s *requestService) Cancel(ctx context.Context, cmd CancelCommand) (cancelled *models.Request, err error) {
	defer s.observe("cancel", time.Now(), &err)

	if cmd.Reason == "" {
		return nil, newValidationError(validators.NewValidationError("reason", "required", "reason is required"))
	}
	id, err := parseRequestID(cmd.RequestID)
	if err != nil {
		return nil, err
	}
	requestID := id.Hex()

	var previous models.RequestStatus
	for attempt := 0; attempt <= s.config.CancelRetries; attempt++ {
		request, err := s.requestRepo.GetByID(ctx, id)
		if err != nil {
			return nil, storeError("cancel request", err)
		}

		now := s.now()
		cond, err := cancelCondition(request, cmd, now)
		if err != nil {
			return nil, fmt.Errorf("cancel request: %w", err)
		}

		updated, err := s.requestRepo.Transition(ctx, id, cond, interfaces.TransitionUpdate{
			Status: models.RequestStatusCancelled,
			Cancellation: &models.Cancellation{
				By:           cmd.ActorRole,
				ActorID:      cmd.ActorID,
				Reason:       cmd.Reason,
				CustomReason: cmd.CustomReason,
				At:           now,
			},
			At: now,
		})
		if err == nil {
			cancelled = updated
			previous = request.Status
			break
		}
		if !errors.Is(err, interfaces.ErrConditionFailed) {
			return nil, storeError("cancel request", err)
		}
		// status moved under us, usually pending -> quoted; re-evaluate
	}
	if cancelled == nil {
		return nil, fmt.Errorf("cancel request: %w: request changed concurrently", ErrInvalidState)
	}

	if previous == models.RequestStatusAccepted {
		if err := s.capacity.Release(ctx, cancelled.AssignedDriverID, requestID); err != nil {
			s.logger.WithContext(ctx).WithError(err).WithRequestID(requestID).Error("Failed to release driver after cancel")
		}
	}

	s.record(ctx, models.EventRequestCancelled, cancelled, cmd.ActorID, map[string]interface{}{
		"reason":       cmd.Reason,
		"cancelled_by": cmd.ActorRole,
		"from_status":  string(previous),
	})

	payload := map[string]interface{}{
		"reason":        cmd.Reason,
		"custom_reason": cmd.CustomReason,
		"cancelled_by":  cmd.ActorRole,
	}
	for _, target := range cancelTargets(cancelled, cmd.ActorRole, previous) {
		s.dispatch.Publish(target, models.EventRequestCancelled, requestID, payload)
	}
	return cancelled, nil
}

// cancelCondition applies the actor rules to the observed request and returns
// the guard for the compare-and-set.
func cancelCondition(request *models.Request, cmd CancelCommand, now time.Time) (interfaces.TransitionCondition, error) {
	observed := []models.RequestStatus{request.Status}

	switch cmd.ActorRole {
	case models.CancelledBySystem:
		if _, err := Transition(request.Status, EventExpire); err != nil {
			return interfaces.TransitionCondition{}, err
		}
		if !request.IsExpired(now) {
			return interfaces.TransitionCondition{}, fmt.Errorf("%w: request has not expired", ErrInvalidState)
		}
		return interfaces.TransitionCondition{Statuses: observed, ExpiredAt: &now}, nil

	case models.CancelledByClient:
		if request.ClientID != cmd.ActorID {
			return interfaces.TransitionCondition{}, ErrForbidden
		}
		if _, err := Transition(request.Status, EventCancel); err != nil {
			return interfaces.TransitionCondition{}, err
		}
		return interfaces.TransitionCondition{Statuses: observed, ClientID: cmd.ActorID}, nil

	case models.CancelledByDriver:
		if request.Status.IsTerminal() {
			return interfaces.TransitionCondition{}, fmt.Errorf("%w: request is %s", ErrInvalidState, request.Status)
		}
		if request.Status != models.RequestStatusAccepted || request.AssignedDriverID != cmd.ActorID {
			return interfaces.TransitionCondition{}, ErrForbidden
		}
		return interfaces.TransitionCondition{Statuses: observed, AssignedDriverID: cmd.ActorID}, nil

	default:
		return interfaces.TransitionCondition{}, ErrForbidden
	}
}

// cancelTargets picks the counterparts told about a cancellation.
func cancelTargets(request *models.Request, actorRole string, previous models.RequestStatus) []string {
	switch actorRole {
	case models.CancelledByDriver:
		return []string{request.ClientID}
	case models.CancelledBySystem:
		return append([]string{request.ClientID}, request.QuotingDriverIDs()...)
	default:
		if previous == models.RequestStatusAccepted {
			return []string{request.AssignedDriverID}
		}
		return request.QuotingDriverIDs()
	}
}

func (s *requestService) Complete(ctx context.Context, rawID, driverID string) (completed *models.Request, err error) {
	defer s.observe("complete", time.Now(), &err)

	id, err := parseRequestID(rawID)
	if err != nil {
		return nil, err
	}
	requestID := id.Hex()

	now := s.now()
	completed, err = s.requestRepo.Transition(ctx, id,
		interfaces.TransitionCondition{
			Statuses:         SourceStatuses(EventComplete),
			AssignedDriverID: driverID,
		},
		interfaces.TransitionUpdate{
			Status: models.RequestStatusCompleted,
			At:     now,
		},
	)
	if err != nil {
		if errors.Is(err, interfaces.ErrConditionFailed) {
			return nil, s.classifyCompleteMiss(ctx, id, driverID)
		}
		return nil, storeError("complete request", err)
	}

	if err := s.capacity.Release(ctx, driverID, requestID); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithRequestID(requestID).Error("Failed to release driver after completion")
	}

	s.record(ctx, models.EventRequestCompleted, completed, driverID, nil)

	s.dispatch.Publish(completed.ClientID, models.EventRequestCompleted, requestID, map[string]interface{}{
		"driver_id": driverID,
		"amount":    completed.AcceptedAmount,
	})
	return completed, nil
}

func (s *requestService) classifyCompleteMiss(ctx context.Context, id primitive.ObjectID, driverID string) error {
	request, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		return storeError("complete request", err)
	}
	if request.AssignedDriverID != "" && request.AssignedDriverID != driverID {
		return fmt.Errorf("complete request: %w", ErrForbidden)
	}
	if _, err := Transition(request.Status, EventComplete); err != nil {
		return fmt.Errorf("complete request: %w", err)
	}
	return fmt.Errorf("complete request: %w: request changed concurrently", ErrInvalidState)
}

func (s *requestService) GetRequest(ctx context.Context, requestID, viewerID, viewerType string) (*models.Request, error) {
	id, err := parseRequestID(requestID)
	if err != nil {
		return nil, err
	}

	request, err := s.requestRepo.GetByID(ctx, id)
	if err != nil {
		return nil, storeError("get request", err)
	}

	switch viewerType {
	case utils.UserTypeClient:
		if request.ClientID == viewerID {
			return request, nil
		}
	case utils.UserTypeDriver:
		_, quoted := request.QuoteFrom(viewerID)
		if request.AssignedDriverID == viewerID || quoted || request.Status.IsOpen() {
			return request.Redacted(), nil
		}
	case utils.UserTypeAdmin:
		return request.Redacted(), nil
	}
	return nil, fmt.Errorf("get request: %w", ErrForbidden)
}

func (s *requestService) ListOpenForDriver(ctx context.Context, driverID string, filter interfaces.OpenRequestFilter) ([]*models.Request, error) {
	filter.Now = s.now()
	if filter.Limit <= 0 {
		filter.Limit = utils.DefaultOpenListLimit
	}
	if filter.Limit > utils.MaxOpenListLimit {
		filter.Limit = utils.MaxOpenListLimit
	}
	if filter.Near != nil {
		if filter.RadiusKM <= 0 {
			filter.RadiusKM = utils.DefaultSearchRadius
		}
		if filter.RadiusKM > utils.MaxSearchRadius {
			filter.RadiusKM = utils.MaxSearchRadius
		}
	}

	requests, err := s.requestRepo.FindOpenForDriver(ctx, driverID, filter)
	if err != nil {
		return nil, storeError("list open requests", err)
	}

	redacted := make([]*models.Request, len(requests))
	for i, r := range requests {
		redacted[i] = r.Redacted()
	}
	return redacted, nil
}

func (s *requestService) record(ctx context.Context, eventType string, request *models.Request, actorID string, data map[string]interface{}) {
	event := models.RequestEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		RequestID:  request.ID.Hex(),
		Status:     request.Status,
		ActorID:    actorID,
		OccurredAt: request.UpdatedAt,
		Data:       data,
	}
	details := map[string]interface{}{
		"status":   event.Status,
		"actor_id": actorID,
	}
	for k, v := range data {
		details[k] = v
	}
	s.logger.WithContext(ctx).LogRequestEvent(event.RequestID, eventType, details)

	if err := s.journal.Append(ctx, event.RequestID, event); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithRequestID(event.RequestID).Warn("Failed to journal event")
	}
}

func (s *requestService) observe(operation string, start time.Time, err *error) {
	metrics.StoreLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.TransitionsTotal.WithLabelValues(operation, outcome(*err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAlreadyAccepted):
		return "already_accepted"
	case errors.Is(err, ErrDuplicateQuote):
		return "duplicate_quote"
	case errors.Is(err, ErrQuoteNotFound):
		return "quote_not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRequestNotFound):
		return "not_found"
	case errors.Is(err, ErrDriverBusy):
		return "driver_busy"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}

// parseRequestID accepts either hex case. Callers key everything else on
// id.Hex() so reservations and fan-out see one spelling.
func parseRequestID(requestID string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(requestID)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%w: malformed id %q", ErrRequestNotFound, requestID)
	}
	return id, nil
}
