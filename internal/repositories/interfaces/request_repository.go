package interfaces

import (
	"context"
	"time"

	"gotow/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RequestRepository is the only path to persistent request state. Every
// mutating call is a single conditional update of one document.
type RequestRepository interface {
	Create(ctx context.Context, request *models.Request) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Request, error)

	// AppendQuoteIfAbsent pushes the quote when the request is in one of
	// qa.Statuses, not past qa.At, and holds no quote from the same
	// driver. The request moves to qa.Status.
	AppendQuoteIfAbsent(ctx context.Context, id primitive.ObjectID, qa QuoteAppend) (*models.Request, error)

	// Transition applies update only if the document matches cond.
	Transition(ctx context.Context, id primitive.ObjectID, cond TransitionCondition, update TransitionUpdate) (*models.Request, error)

	FindOpenForDriver(ctx context.Context, driverID string, filter OpenRequestFilter) ([]*models.Request, error)
	FindExpiredOpen(ctx context.Context, now time.Time, limit int) ([]*models.Request, error)
}

type TransitionCondition struct {
	Statuses         []models.RequestStatus
	ClientID         string
	AssignedDriverID string
	QuotedBy         string
	// ExpiredAt, when set, requires expires_at <= ExpiredAt.
	ExpiredAt *time.Time
}

type TransitionUpdate struct {
	Status           models.RequestStatus
	AssignedDriverID string
	SecurityCode     string
	AcceptedAmount   float64
	Cancellation     *models.Cancellation
	At               time.Time
}

type QuoteAppend struct {
	Quote    *models.Quote
	Statuses []models.RequestStatus
	Status   models.RequestStatus
	At       time.Time
}

type OpenRequestFilter struct {
	Now      time.Time
	Near     *models.GeoPoint
	RadiusKM float64
	Limit    int
}
