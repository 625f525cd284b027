package models

import (
	"time"
)

// DriverPresence overlays the driver record with the availability the
// capacity gate maintains.
type DriverPresence struct {
	ID               string    `json:"id" bson:"_id"`
	Name             string    `json:"name" bson:"name"`
	IsOnline         bool      `json:"is_online" bson:"is_online"`
	CurrentServiceID string    `json:"current_service_id,omitempty" bson:"current_service_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at" bson:"updated_at"`
}

func (d *DriverPresence) IsBusy() bool {
	return d.CurrentServiceID != ""
}

func (d *DriverPresence) IsAvailable() bool {
	return d.IsOnline && !d.IsBusy()
}
