package config

import (
	"time"
)

const (
	StoreDriverMongo  = "mongodb"
	StoreDriverMemory = "memory"
)

type DispatchConfig struct {
	RequestTTL     time.Duration `yaml:"request_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	SweepBatchSize int           `yaml:"sweep_batch_size"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	StoreDriver    string        `yaml:"store_driver"`
	CancelRetries  int           `yaml:"cancel_retries"`
}

func loadDispatchConfig() *DispatchConfig {
	return &DispatchConfig{
		RequestTTL:     getEnvAsDuration("REQUEST_TTL", 30*time.Minute),
		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
		SweepBatchSize: getEnvAsInt("SWEEP_BATCH_SIZE", 500),
		StoreTimeout:   getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
		StoreDriver:    getEnv("STORE_DRIVER", StoreDriverMongo),
		CancelRetries:  getEnvAsInt("CANCEL_RETRIES", 3),
	}
}
