package maps

import (
	"context"
	"errors"
)

var ErrNoRoute = errors.New("no route between the given points")

type MapsProvider interface {
	CalculateDistance(ctx context.Context, request *DistanceRequest) (*DistanceResponse, error)
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type Distance struct {
	Text  string  `json:"text"`
	Value float64 `json:"value"` // in meters
}

type Duration struct {
	Text  string `json:"text"`
	Value int    `json:"value"` // in seconds
}

type DistanceRequest struct {
	Origins      []Location `json:"origins"`
	Destinations []Location `json:"destinations"`
	Mode         string     `json:"mode"`
	Units        string     `json:"units"` // metric, imperial
}

type DistanceResponse struct {
	Rows []DistanceRow `json:"rows"`
}

type DistanceRow struct {
	Elements []DistanceElement `json:"elements"`
}

type DistanceElement struct {
	Distance Distance `json:"distance"`
	Duration Duration `json:"duration"`
	Status   string   `json:"status"`
}

// EstimateRoute asks provider for a single origin/destination pair and
// returns the driving distance in meters and duration in seconds.
func EstimateRoute(ctx context.Context, provider MapsProvider, origin, destination Location) (int, int, error) {
	resp, err := provider.CalculateDistance(ctx, &DistanceRequest{
		Origins:      []Location{origin},
		Destinations: []Location{destination},
		Mode:         "driving",
		Units:        "metric",
	})
	if err != nil {
		return 0, 0, err
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, 0, ErrNoRoute
	}

	element := resp.Rows[0].Elements[0]
	if element.Status != "" && element.Status != "OK" {
		return 0, 0, ErrNoRoute
	}
	return int(element.Distance.Value), element.Duration.Value, nil
}
