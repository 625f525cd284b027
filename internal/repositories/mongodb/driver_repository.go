package mongodb

import (
	"context"
	"errors"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const driversCollection = "drivers"

type driverRepository struct {
	collection *mongo.Collection
	timeout    time.Duration
}

func NewDriverRepository(db *mongo.Database, timeout time.Duration) interfaces.DriverRepository {
	return &driverRepository{
		collection: db.Collection(driversCollection),
		timeout:    timeout,
	}
}

func (r *driverRepository) GetByID(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var driver models.DriverPresence
	if err := r.collection.FindOne(ctx, bson.M{"_id": driverID}).Decode(&driver); err != nil {
		return nil, translateError("get driver", err)
	}
	return &driver, nil
}

func (r *driverRepository) SetOnline(ctx context.Context, driverID, name string, online bool, at time.Time) (*models.DriverPresence, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var driver models.DriverPresence
	err := r.collection.FindOneAndUpdate(ctx, idleDriverFilter(driverID), buildSetOnlineUpdate(name, online, at), opts).Decode(&driver)
	if mongo.IsDuplicateKeyError(err) {
		return nil, interfaces.ErrConditionFailed
	}
	if err != nil {
		return nil, translateError("set driver online", err)
	}
	return &driver, nil
}

func (r *driverRepository) Reserve(ctx context.Context, driverID, requestID string, at time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var before models.DriverPresence
	err := r.collection.FindOneAndUpdate(ctx, idleDriverFilter(driverID), buildReserveUpdate(requestID, at), opts).Decode(&before)
	switch {
	case mongo.IsDuplicateKeyError(err):
		return false, interfaces.ErrConditionFailed
	case errors.Is(err, mongo.ErrNoDocuments):
		// upserted a driver that had never toggled availability
		return false, nil
	case err != nil:
		return false, translateError("reserve driver", err)
	}
	return before.IsOnline, nil
}

func (r *driverRepository) Release(ctx context.Context, driverID, requestID string, online bool, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.collection.UpdateOne(ctx, buildReleaseFilter(driverID, requestID), buildReleaseUpdate(online, at))
	if err != nil {
		return translateError("release driver", err)
	}
	if result.MatchedCount == 0 {
		return interfaces.ErrConditionFailed
	}
	return nil
}

func (r *driverRepository) ListOnlineIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	filter := bson.M{"is_online": true, "current_service_id": nil}
	cursor, err := r.collection.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, translateError("list online drivers", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, translateError("list online drivers", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// idleDriverFilter matches the driver only while it holds no service. With
// upsert, a busy driver misses the filter and the insert collides on _id.
func idleDriverFilter(driverID string) bson.M {
	return bson.M{"_id": driverID, "current_service_id": nil}
}

func buildSetOnlineUpdate(name string, online bool, at time.Time) bson.M {
	set := bson.M{
		"is_online":  online,
		"updated_at": at,
	}
	if name != "" {
		set["name"] = name
	}
	return bson.M{"$set": set}
}

func buildReserveUpdate(requestID string, at time.Time) bson.M {
	return bson.M{"$set": bson.M{
		"current_service_id": requestID,
		"is_online":          false,
		"updated_at":         at,
	}}
}

func buildReleaseFilter(driverID, requestID string) bson.M {
	return bson.M{"_id": driverID, "current_service_id": requestID}
}

func buildReleaseUpdate(online bool, at time.Time) bson.M {
	return bson.M{
		"$unset": bson.M{"current_service_id": ""},
		"$set": bson.M{
			"is_online":  online,
			"updated_at": at,
		},
	}
}
