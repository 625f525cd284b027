// Package memory holds process-local repositories with the same conditional
// update semantics as the MongoDB ones. A single mutex per store stands in
// for MongoDB's per-document atomicity.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
	"gotow/internal/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type requestRepository struct {
	mu       sync.Mutex
	requests map[primitive.ObjectID]*models.Request
}

func NewRequestRepository() interfaces.RequestRepository {
	return &requestRepository{
		requests: make(map[primitive.ObjectID]*models.Request),
	}
}

func (r *requestRepository) Create(ctx context.Context, request *models.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if request.ID.IsZero() {
		request.ID = primitive.NewObjectID()
	}
	if request.Quotes == nil {
		request.Quotes = []models.Quote{}
	}
	r.requests[request.ID] = cloneRequest(request)
	return nil
}

func (r *requestRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	request, ok := r.requests[id]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneRequest(request), nil
}

func (r *requestRepository) AppendQuoteIfAbsent(ctx context.Context, id primitive.ObjectID, qa interfaces.QuoteAppend) (*models.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	request, ok := r.requests[id]
	if !ok || !slices.Contains(qa.Statuses, request.Status) || !qa.At.Before(request.ExpiresAt) {
		return nil, interfaces.ErrConditionFailed
	}
	if _, quoted := request.QuoteFrom(qa.Quote.DriverID); quoted {
		return nil, interfaces.ErrConditionFailed
	}

	request.Quotes = append(request.Quotes, *qa.Quote)
	request.Status = qa.Status
	request.UpdatedAt = qa.At
	return cloneRequest(request), nil
}

func (r *requestRepository) Transition(ctx context.Context, id primitive.ObjectID, cond interfaces.TransitionCondition, update interfaces.TransitionUpdate) (*models.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	request, ok := r.requests[id]
	if !ok || !matches(request, cond) {
		return nil, interfaces.ErrConditionFailed
	}

	request.Status = update.Status
	request.UpdatedAt = update.At
	switch update.Status {
	case models.RequestStatusAccepted:
		at := update.At
		request.AssignedDriverID = update.AssignedDriverID
		request.SecurityCode = update.SecurityCode
		request.AcceptedAmount = update.AcceptedAmount
		request.AcceptedAt = &at
	case models.RequestStatusCompleted:
		at := update.At
		request.CompletedAt = &at
	case models.RequestStatusCancelled:
		if update.Cancellation != nil {
			c := *update.Cancellation
			request.Cancellation = &c
		}
	}
	return cloneRequest(request), nil
}

func (r *requestRepository) FindOpenForDriver(ctx context.Context, driverID string, filter interfaces.OpenRequestFilter) ([]*models.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*models.Request, 0)
	for _, request := range r.requests {
		if !request.Status.IsOpen() || !filter.Now.Before(request.ExpiresAt) {
			continue
		}
		if _, quoted := request.QuoteFrom(driverID); quoted {
			continue
		}
		if filter.Near != nil && filter.RadiusKM > 0 {
			origin := request.Origin.Location
			if !utils.IsWithinRadius(filter.Near.Latitude(), filter.Near.Longitude(), origin.Latitude(), origin.Longitude(), filter.RadiusKM) {
				continue
			}
		}
		result = append(result, cloneRequest(request))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *requestRepository) FindExpiredOpen(ctx context.Context, now time.Time, limit int) ([]*models.Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*models.Request, 0)
	for _, request := range r.requests {
		if request.Status.IsOpen() && request.IsExpired(now) {
			result = append(result, cloneRequest(request))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func matches(request *models.Request, cond interfaces.TransitionCondition) bool {
	if len(cond.Statuses) > 0 && !slices.Contains(cond.Statuses, request.Status) {
		return false
	}
	if cond.ClientID != "" && request.ClientID != cond.ClientID {
		return false
	}
	if cond.AssignedDriverID != "" && request.AssignedDriverID != cond.AssignedDriverID {
		return false
	}
	if cond.QuotedBy != "" {
		if _, ok := request.QuoteFrom(cond.QuotedBy); !ok {
			return false
		}
	}
	if cond.ExpiredAt != nil && request.ExpiresAt.After(*cond.ExpiredAt) {
		return false
	}
	return true
}

func cloneRequest(request *models.Request) *models.Request {
	clone := *request
	clone.Quotes = make([]models.Quote, len(request.Quotes))
	copy(clone.Quotes, request.Quotes)
	if request.Cancellation != nil {
		c := *request.Cancellation
		clone.Cancellation = &c
	}
	return &clone
}
