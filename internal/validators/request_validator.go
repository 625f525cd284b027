package validators

import (
	"gotow/internal/models"
)

// Request bodies accepted by the HTTP layer. Presence and range rules are
// enforced on the service commands these convert into.

type CreateRequestRequest struct {
	ClientName      string                 `json:"client_name"`
	Origin          LocationRequest        `json:"origin"`
	Destination     LocationRequest        `json:"destination"`
	DistanceMeters  int                    `json:"distance_meters"`
	DurationSeconds int                    `json:"duration_seconds"`
	Problem         string                 `json:"problem"`
	Vehicle         models.VehicleSnapshot `json:"vehicle"`
}

type LocationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Address   string   `json:"address"`
}

// ToPlace leaves the coordinates empty when either half is missing so the
// command validation reports them.
func (l LocationRequest) ToPlace() models.Place {
	place := models.Place{Address: l.Address}
	if l.Latitude != nil && l.Longitude != nil {
		place.Location = models.NewGeoPoint(*l.Latitude, *l.Longitude)
	}
	return place
}

type SubmitQuoteRequest struct {
	Amount    float64  `json:"amount"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (q SubmitQuoteRequest) DriverLocation() *models.GeoPoint {
	if q.Latitude == nil || q.Longitude == nil {
		return nil
	}
	point := models.NewGeoPoint(*q.Latitude, *q.Longitude)
	return &point
}

type AcceptQuoteRequest struct {
	DriverID string `json:"driver_id" binding:"required"`
}

type CancelRequestRequest struct {
	Reason       string `json:"reason" binding:"required,max=100"`
	CustomReason string `json:"custom_reason" binding:"max=500"`
}

type AvailabilityRequest struct {
	Online *bool `json:"online" binding:"required"`
}

type DevTokenRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	UserType string `json:"user_type" binding:"required,oneof=client driver admin"`
	Name     string `json:"name"`
}
