package services

import (
	"context"

	"gotow/internal/models"
	"gotow/pkg/maps"
)

// RouteEstimator fills distance and duration a client did not supply.
type RouteEstimator interface {
	EstimateRoute(ctx context.Context, origin, destination models.GeoPoint) (meters int, seconds int, err error)
}

type mapsRouteEstimator struct {
	provider maps.MapsProvider
}

func NewRouteEstimator(provider maps.MapsProvider) RouteEstimator {
	return &mapsRouteEstimator{provider: provider}
}

func (e *mapsRouteEstimator) EstimateRoute(ctx context.Context, origin, destination models.GeoPoint) (int, int, error) {
	return maps.EstimateRoute(ctx, e.provider,
		maps.Location{Latitude: origin.Latitude(), Longitude: origin.Longitude()},
		maps.Location{Latitude: destination.Latitude(), Longitude: destination.Longitude()},
	)
}
