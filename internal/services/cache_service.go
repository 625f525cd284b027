package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gotow/internal/utils"
	"gotow/pkg/logger"
)

var ErrLockNotAcquired = errors.New("lock held by another owner")

// LockStore is the key-value surface the cache service needs. It is
// satisfied by pkg/cache.RedisCache.
type LockStore interface {
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	Ping(ctx context.Context) error
}

type CacheService interface {
	Lock(ctx context.Context, key string, expiration time.Duration) (*DistributedLock, error)
	Unlock(ctx context.Context, lock *DistributedLock) error
	Ping(ctx context.Context) error
}

type DistributedLock struct {
	Key        string        `json:"key"`
	Value      string        `json:"value"`
	Expiration time.Duration `json:"expiration"`
	CreatedAt  time.Time     `json:"created_at"`
}

type cacheService struct {
	store  LockStore
	logger *logger.Logger
}

func NewCacheService(store LockStore, log *logger.Logger) CacheService {
	return &cacheService{
		store:  store,
		logger: log,
	}
}

func (s *cacheService) Lock(ctx context.Context, key string, expiration time.Duration) (*DistributedLock, error) {
	lockKey := fmt.Sprintf("lock:%s", key)
	lockValue, err := utils.GenerateRandomString(32)
	if err != nil {
		return nil, err
	}

	success, err := s.store.SetNX(ctx, lockKey, lockValue, expiration)
	if err != nil {
		return nil, err
	}
	if !success {
		return nil, ErrLockNotAcquired
	}

	return &DistributedLock{
		Key:        lockKey,
		Value:      lockValue,
		Expiration: expiration,
		CreatedAt:  time.Now(),
	}, nil
}

func (s *cacheService) Unlock(ctx context.Context, lock *DistributedLock) error {
	released, err := s.store.CompareAndDelete(ctx, lock.Key, lock.Value)
	if err != nil {
		return err
	}
	if !released {
		s.logger.WithField("key", lock.Key).Debug("Lock expired before release")
	}
	return nil
}

func (s *cacheService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
