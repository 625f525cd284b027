package interfaces

import (
	"context"
	"time"

	"gotow/internal/models"
)

// DriverRepository persists the availability overlay kept by the capacity gate.
type DriverRepository interface {
	GetByID(ctx context.Context, driverID string) (*models.DriverPresence, error)

	// SetOnline upserts the driver and toggles is_online, but only while the
	// driver holds no service.
	SetOnline(ctx context.Context, driverID, name string, online bool, at time.Time) (*models.DriverPresence, error)

	// Reserve binds requestID to the driver if the driver holds no service and
	// reports whether the driver was online before.
	Reserve(ctx context.Context, driverID, requestID string, at time.Time) (wasOnline bool, err error)

	// Release clears the service if the driver still holds requestID and sets
	// is_online to online.
	Release(ctx context.Context, driverID, requestID string, online bool, at time.Time) error

	ListOnlineIDs(ctx context.Context) ([]string, error)
}
