package models

import (
	"time"
)

// GeoPoint is a GeoJSON point; coordinates are [longitude, latitude].
type GeoPoint struct {
	Type        string    `json:"type" bson:"type"`
	Coordinates []float64 `json:"coordinates" bson:"coordinates" validate:"required,len=2,coordinates"`
}

func NewGeoPoint(lat, lng float64) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: []float64{lng, lat}}
}

func (p GeoPoint) Latitude() float64 {
	if len(p.Coordinates) >= 2 {
		return p.Coordinates[1]
	}
	return 0
}

func (p GeoPoint) Longitude() float64 {
	if len(p.Coordinates) >= 1 {
		return p.Coordinates[0]
	}
	return 0
}

// Place pairs a point with the address the client typed or picked.
type Place struct {
	Location GeoPoint `json:"location" bson:"location"`
	Address  string   `json:"address" bson:"address" validate:"required,not_blank,max=300"`
}

// DriverLocation is the driver's position when a quote was sent.
type DriverLocation struct {
	Location   GeoPoint  `json:"location" bson:"location"`
	RecordedAt time.Time `json:"recorded_at" bson:"recorded_at"`
}
