package utils

import "time"

// Application Constants
const (
	AppName    = "GoTow"
	AppVersion = "1.0.0"

	// Requests
	DefaultRequestTTL    = 30 * time.Minute
	SecurityCodeLength   = 4
	DefaultSearchRadius  = 25.0 // kilometers
	MaxSearchRadius      = 200.0
	DefaultOpenListLimit = 50
	MaxOpenListLimit     = 200

	// Authentication
	JWTAccessTokenTTL = 24 * time.Hour
)

// Participant roles carried in the JWT user_type claim.
const (
	UserTypeClient = "client"
	UserTypeDriver = "driver"
	UserTypeAdmin  = "admin"
)

// HTTP Status Messages
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Error Messages
const (
	ErrInternalServer   = "internal server error"
	ErrUnauthorized     = "unauthorized"
	ErrForbidden        = "forbidden"
	ErrValidationFailed = "validation failed"
	ErrStoreUnavailable = "service temporarily unavailable"
)

// Cache Keys
const (
	CacheSweeperLockKey = "sweeper:lock"
)

// Geographic Constants
const (
	EarthRadiusKM = 6371.0
)
