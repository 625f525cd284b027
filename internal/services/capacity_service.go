package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gotow/internal/models"
	"gotow/internal/repositories/interfaces"
	"gotow/pkg/logger"
)

// CapacityService guarantees a driver serves at most one accepted request.
type CapacityService interface {
	// SetBusy reserves the driver and reports whether it was online before.
	SetBusy(ctx context.Context, driverID, requestID string) (wasOnline bool, err error)
	// Release frees the driver after its service ended and puts it online.
	Release(ctx context.Context, driverID, requestID string) error
	// Rollback undoes a reservation whose acceptance did not commit.
	Rollback(ctx context.Context, driverID, requestID string, wasOnline bool) error
	IsAvailable(ctx context.Context, driverID string) (bool, error)
	SetOnline(ctx context.Context, driverID, name string, online bool) (*models.DriverPresence, error)
	GetAvailability(ctx context.Context, driverID string) (*models.DriverPresence, error)
	OnlineDriverIDs(ctx context.Context) ([]string, error)
}

type capacityService struct {
	driverRepo interfaces.DriverRepository
	logger     *logger.Logger
	now        func() time.Time
}

func NewCapacityService(driverRepo interfaces.DriverRepository, log *logger.Logger) CapacityService {
	return &capacityService{
		driverRepo: driverRepo,
		logger:     log,
		now:        time.Now,
	}
}

func (s *capacityService) SetBusy(ctx context.Context, driverID, requestID string) (bool, error) {
	wasOnline, err := s.driverRepo.Reserve(ctx, driverID, requestID, s.now())
	if err == nil {
		return wasOnline, nil
	}
	if errors.Is(err, interfaces.ErrConditionFailed) {
		return false, ErrDriverBusy
	}
	return false, storeError("reserve driver", err)
}

func (s *capacityService) Release(ctx context.Context, driverID, requestID string) error {
	return s.release(ctx, driverID, requestID, true)
}

func (s *capacityService) Rollback(ctx context.Context, driverID, requestID string, wasOnline bool) error {
	return s.release(ctx, driverID, requestID, wasOnline)
}

func (s *capacityService) release(ctx context.Context, driverID, requestID string, online bool) error {
	err := s.driverRepo.Release(ctx, driverID, requestID, online, s.now())
	if err == nil {
		return nil
	}
	if errors.Is(err, interfaces.ErrConditionFailed) {
		// already released, or the driver holds a different service
		s.logger.WithRequestID(requestID).WithField("driver_id", driverID).Debug("Nothing to release")
		return nil
	}
	return storeError("release driver", err)
}

func (s *capacityService) IsAvailable(ctx context.Context, driverID string) (bool, error) {
	driver, err := s.driverRepo.GetByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return false, nil
		}
		return false, storeError("get driver", err)
	}
	return driver.IsAvailable(), nil
}

func (s *capacityService) SetOnline(ctx context.Context, driverID, name string, online bool) (*models.DriverPresence, error) {
	driver, err := s.driverRepo.SetOnline(ctx, driverID, name, online, s.now())
	if err != nil {
		if errors.Is(err, interfaces.ErrConditionFailed) {
			return nil, fmt.Errorf("toggle availability: %w", ErrDriverBusy)
		}
		return nil, storeError("toggle availability", err)
	}

	s.logger.WithField("driver_id", driverID).WithField("online", online).Info("Driver availability changed")
	return driver, nil
}

func (s *capacityService) GetAvailability(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	driver, err := s.driverRepo.GetByID(ctx, driverID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return &models.DriverPresence{ID: driverID}, nil
		}
		return nil, storeError("get driver", err)
	}
	return driver, nil
}

func (s *capacityService) OnlineDriverIDs(ctx context.Context) ([]string, error) {
	ids, err := s.driverRepo.ListOnlineIDs(ctx)
	if err != nil {
		return nil, storeError("list online drivers", err)
	}
	return ids, nil
}
