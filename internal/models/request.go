package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusQuoted    RequestStatus = "quoted"
	RequestStatusAccepted  RequestStatus = "accepted"
	RequestStatusCancelled RequestStatus = "cancelled"
	RequestStatusCompleted RequestStatus = "completed"
)

// OpenStatuses are the states a request can still receive quotes in.
var OpenStatuses = []RequestStatus{RequestStatusPending, RequestStatusQuoted}

func (s RequestStatus) IsOpen() bool {
	return s == RequestStatusPending || s == RequestStatusQuoted
}

func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusCancelled || s == RequestStatusCompleted
}

const (
	CancelReasonExpired = "expired"

	CancelledBySystem = "system"
	CancelledByClient = "client"
	CancelledByDriver = "driver"
)

type Request struct {
	ID               primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ClientID         string             `json:"client_id" bson:"client_id"`
	ClientName       string             `json:"client_name" bson:"client_name"`
	Origin           Place              `json:"origin" bson:"origin"`
	Destination      Place              `json:"destination" bson:"destination"`
	DistanceMeters   int                `json:"distance_meters" bson:"distance_meters"`
	DurationSeconds  int                `json:"duration_seconds" bson:"duration_seconds"`
	Problem          string             `json:"problem" bson:"problem"`
	Vehicle          VehicleSnapshot    `json:"vehicle" bson:"vehicle"`
	Status           RequestStatus      `json:"status" bson:"status"`
	Quotes           []Quote            `json:"quotes" bson:"quotes"`
	AssignedDriverID string             `json:"assigned_driver_id,omitempty" bson:"assigned_driver_id,omitempty"`
	SecurityCode     string             `json:"security_code,omitempty" bson:"security_code,omitempty"`
	AcceptedAmount   float64            `json:"accepted_amount,omitempty" bson:"accepted_amount,omitempty"`
	Cancellation     *Cancellation      `json:"cancellation,omitempty" bson:"cancellation,omitempty"`
	CreatedAt        time.Time          `json:"created_at" bson:"created_at"`
	ExpiresAt        time.Time          `json:"expires_at" bson:"expires_at"`
	AcceptedAt       *time.Time         `json:"accepted_at,omitempty" bson:"accepted_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at" bson:"updated_at"`
}

// VehicleSnapshot is copied from the client's vehicle when the request is
// submitted and never refreshed afterwards.
type VehicleSnapshot struct {
	Make  string `json:"make" bson:"make" validate:"max=60"`
	Model string `json:"model" bson:"model" validate:"max=60"`
	Year  int    `json:"year,omitempty" bson:"year,omitempty" validate:"omitempty,gte=1900,lte=2100"`
	Color string `json:"color,omitempty" bson:"color,omitempty" validate:"max=30"`
	Plate string `json:"plate,omitempty" bson:"plate,omitempty" validate:"max=20"`
	Type  string `json:"type,omitempty" bson:"type,omitempty" validate:"max=30"`
}

type Quote struct {
	DriverID   string          `json:"driver_id" bson:"driver_id"`
	DriverName string          `json:"driver_name" bson:"driver_name"`
	Amount     float64         `json:"amount" bson:"amount"`
	Location   *DriverLocation `json:"location,omitempty" bson:"location,omitempty"`
	CreatedAt  time.Time       `json:"created_at" bson:"created_at"`
}

type Cancellation struct {
	By           string    `json:"by" bson:"by"`
	ActorID      string    `json:"actor_id" bson:"actor_id"`
	Reason       string    `json:"reason" bson:"reason"`
	CustomReason string    `json:"custom_reason,omitempty" bson:"custom_reason,omitempty"`
	At           time.Time `json:"at" bson:"at"`
}

func (r *Request) QuoteFrom(driverID string) (*Quote, bool) {
	for i := range r.Quotes {
		if r.Quotes[i].DriverID == driverID {
			return &r.Quotes[i], true
		}
	}
	return nil, false
}

// QuotingDriverIDs returns every driver that quoted, in submission order.
func (r *Request) QuotingDriverIDs() []string {
	ids := make([]string, 0, len(r.Quotes))
	for _, q := range r.Quotes {
		ids = append(ids, q.DriverID)
	}
	return ids
}

func (r *Request) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Redacted hides the security code from anyone but the owning client.
func (r *Request) Redacted() *Request {
	clone := *r
	clone.SecurityCode = ""
	return &clone
}
