package mongodb

import (
	"context"
	"errors"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
	"gotow/internal/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const requestsCollection = "requests"

type requestRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewRequestRepository(db *mongo.Database, timeout time.Duration) interfaces.RequestRepository {
	return &requestRepository{
		collection: db.Collection(requestsCollection),
		timeout:    timeout,
	}
}

func (r *requestRepository) Create(ctx context.Context, request *models.Request) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if request.ID.IsZero() {
		request.ID = primitive.NewObjectID()
	}
	// $push needs an array, never null.
	if request.Quotes == nil {
		request.Quotes = []models.Quote{}
	}

	if _, err := r.collection.InsertOne(ctx, request); err != nil {
		return translateError("create request", err)
	}
	return nil
}

func (r *requestRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var request models.Request
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&request); err != nil {
		return nil, translateError("get request", err)
	}
	return &request, nil
}

func (r *requestRepository) AppendQuoteIfAbsent(ctx context.Context, id primitive.ObjectID, qa interfaces.QuoteAppend) (*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.findOneAndUpdate(ctx, "append quote", buildAppendQuoteFilter(id, qa), buildAppendQuoteUpdate(qa))
}

func (r *requestRepository) Transition(ctx context.Context, id primitive.ObjectID, cond interfaces.TransitionCondition, update interfaces.TransitionUpdate) (*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	return r.findOneAndUpdate(ctx, "transition request", buildTransitionFilter(id, cond), buildTransitionUpdate(update))
}

func (r *requestRepository) FindOpenForDriver(ctx context.Context, driverID string, filter interfaces.OpenRequestFilter) ([]*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := bson.M{
		"status":           bson.M{"$in": models.OpenStatuses},
		"expires_at":       bson.M{"$gt": filter.Now},
		"quotes.driver_id": bson.M{"$ne": driverID},
	}
	if filter.Near != nil && filter.RadiusKM > 0 {
		query["origin.location"] = bson.M{
			"$geoWithin": bson.M{
				"$centerSphere": bson.A{
					bson.A{filter.Near.Longitude(), filter.Near.Latitude()},
					filter.RadiusKM / utils.EarthRadiusKM,
				},
			},
		}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	return r.find(ctx, "find open requests", query, opts)
}

func (r *requestRepository) FindExpiredOpen(ctx context.Context, now time.Time, limit int) ([]*models.Request, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := bson.M{
		"status":     bson.M{"$in": models.OpenStatuses},
		"expires_at": bson.M{"$lte": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	return r.find(ctx, "find expired requests", query, opts)
}

func (r *requestRepository) findOneAndUpdate(ctx context.Context, op string, filter, update bson.M) (*models.Request, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var request models.Request
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&request)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, interfaces.ErrConditionFailed
	}
	if err != nil {
		return nil, translateError(op, err)
	}
	return &request, nil
}

func (r *requestRepository) find(ctx context.Context, op string, query bson.M, opts *options.FindOptions) ([]*models.Request, error) {
	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, translateError(op, err)
	}
	defer cursor.Close(ctx)

	requests := make([]*models.Request, 0)
	if err := cursor.All(ctx, &requests); err != nil {
		return nil, translateError(op, err)
	}
	return requests, nil
}

func buildAppendQuoteFilter(id primitive.ObjectID, qa interfaces.QuoteAppend) bson.M {
	return bson.M{
		"_id":              id,
		"status":           bson.M{"$in": qa.Statuses},
		"expires_at":       bson.M{"$gt": qa.At},
		"quotes.driver_id": bson.M{"$ne": qa.Quote.DriverID},
	}
}

func buildAppendQuoteUpdate(qa interfaces.QuoteAppend) bson.M {
	return bson.M{
		"$push": bson.M{"quotes": qa.Quote},
		"$set": bson.M{
			"status":     qa.Status,
			"updated_at": qa.At,
		},
	}
}

func buildTransitionFilter(id primitive.ObjectID, cond interfaces.TransitionCondition) bson.M {
	filter := bson.M{"_id": id}
	if len(cond.Statuses) > 0 {
		filter["status"] = bson.M{"$in": cond.Statuses}
	}
	if cond.ClientID != "" {
		filter["client_id"] = cond.ClientID
	}
	if cond.AssignedDriverID != "" {
		filter["assigned_driver_id"] = cond.AssignedDriverID
	}
	if cond.QuotedBy != "" {
		filter["quotes.driver_id"] = cond.QuotedBy
	}
	if cond.ExpiredAt != nil {
		filter["expires_at"] = bson.M{"$lte": *cond.ExpiredAt}
	}
	return filter
}

func buildTransitionUpdate(update interfaces.TransitionUpdate) bson.M {
	set := bson.M{
		"status":     update.Status,
		"updated_at": update.At,
	}

	switch update.Status {
	case models.RequestStatusAccepted:
		set["assigned_driver_id"] = update.AssignedDriverID
		set["security_code"] = update.SecurityCode
		set["accepted_amount"] = update.AcceptedAmount
		set["accepted_at"] = update.At
	case models.RequestStatusCompleted:
		set["completed_at"] = update.At
	case models.RequestStatusCancelled:
		set["cancellation"] = update.Cancellation
	}

	return bson.M{"$set": set}
}
