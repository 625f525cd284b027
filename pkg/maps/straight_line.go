package maps

import (
	"context"
	"fmt"
	"math"
	"time"
)

const earthRadiusMeters = 6371000.0

// StraightLineProvider estimates routes from great-circle distance at a fixed
// average speed. Used when no Google Maps key is configured.
type StraightLineProvider struct {
	averageSpeedKMH float64
}

func NewStraightLineProvider(averageSpeedKMH float64) *StraightLineProvider {
	if averageSpeedKMH <= 0 {
		averageSpeedKMH = 40
	}
	return &StraightLineProvider{averageSpeedKMH: averageSpeedKMH}
}

func (s *StraightLineProvider) CalculateDistance(ctx context.Context, request *DistanceRequest) (*DistanceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := make([]DistanceRow, len(request.Origins))
	for i, origin := range request.Origins {
		elements := make([]DistanceElement, len(request.Destinations))
		for j, dest := range request.Destinations {
			meters := haversineMeters(origin, dest)
			seconds := int(meters / (s.averageSpeedKMH * 1000 / 3600))
			elements[j] = DistanceElement{
				Distance: Distance{Text: fmt.Sprintf("%.1f km", meters/1000), Value: meters},
				Duration: Duration{Text: (time.Duration(seconds) * time.Second).String(), Value: seconds},
				Status:   "OK",
			}
		}
		rows[i] = DistanceRow{Elements: elements}
	}
	return &DistanceResponse{Rows: rows}, nil
}

func haversineMeters(a, b Location) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}
