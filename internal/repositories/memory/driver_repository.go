package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
)

type driverRepository struct {
	mu      sync.Mutex
	drivers map[string]*models.DriverPresence
}

func NewDriverRepository() interfaces.DriverRepository {
	return &driverRepository{
		drivers: make(map[string]*models.DriverPresence),
	}
}

func (r *driverRepository) GetByID(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	driver, ok := r.drivers[driverID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	clone := *driver
	return &clone, nil
}

func (r *driverRepository) SetOnline(ctx context.Context, driverID, name string, online bool, at time.Time) (*models.DriverPresence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	driver := r.getOrCreate(driverID)
	if driver.IsBusy() {
		return nil, interfaces.ErrConditionFailed
	}
	driver.IsOnline = online
	driver.UpdatedAt = at
	if name != "" {
		driver.Name = name
	}
	clone := *driver
	return &clone, nil
}

func (r *driverRepository) Reserve(ctx context.Context, driverID, requestID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	driver := r.getOrCreate(driverID)
	if driver.IsBusy() {
		return false, interfaces.ErrConditionFailed
	}
	wasOnline := driver.IsOnline
	driver.CurrentServiceID = requestID
	driver.IsOnline = false
	driver.UpdatedAt = at
	return wasOnline, nil
}

func (r *driverRepository) Release(ctx context.Context, driverID, requestID string, online bool, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	driver, ok := r.drivers[driverID]
	if !ok || driver.CurrentServiceID != requestID {
		return interfaces.ErrConditionFailed
	}
	driver.CurrentServiceID = ""
	driver.IsOnline = online
	driver.UpdatedAt = at
	return nil
}

func (r *driverRepository) ListOnlineIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.drivers))
	for id, driver := range r.drivers {
		if driver.IsAvailable() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *driverRepository) getOrCreate(driverID string) *models.DriverPresence {
	driver, ok := r.drivers[driverID]
	if !ok {
		driver = &models.DriverPresence{ID: driverID}
		r.drivers[driverID] = driver
	}
	return driver
}
