package services

import (
	"fmt"

	"gotow/internal/models"
)

type LifecycleEvent string

const (
	EventQuote    LifecycleEvent = "quote"
	EventAccept   LifecycleEvent = "accept"
	EventCancel   LifecycleEvent = "cancel"
	EventExpire   LifecycleEvent = "expire"
	EventComplete LifecycleEvent = "complete"
)

type transitionKey struct {
	from  models.RequestStatus
	event LifecycleEvent
}

var transitions = map[transitionKey]models.RequestStatus{
	{models.RequestStatusPending, EventQuote}:     models.RequestStatusQuoted,
	{models.RequestStatusQuoted, EventQuote}:      models.RequestStatusQuoted,
	{models.RequestStatusPending, EventAccept}:    models.RequestStatusAccepted,
	{models.RequestStatusQuoted, EventAccept}:     models.RequestStatusAccepted,
	{models.RequestStatusPending, EventCancel}:    models.RequestStatusCancelled,
	{models.RequestStatusQuoted, EventCancel}:     models.RequestStatusCancelled,
	{models.RequestStatusAccepted, EventCancel}:   models.RequestStatusCancelled,
	{models.RequestStatusPending, EventExpire}:    models.RequestStatusCancelled,
	{models.RequestStatusQuoted, EventExpire}:     models.RequestStatusCancelled,
	{models.RequestStatusAccepted, EventComplete}: models.RequestStatusCompleted,
}

// Transition returns the status reached by applying event to from. Pairs
// missing from the table are rejected with ErrInvalidState, except accept on
// an accepted request which reports ErrAlreadyAccepted.
func Transition(from models.RequestStatus, event LifecycleEvent) (models.RequestStatus, error) {
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, nil
	}
	if event == EventAccept && from == models.RequestStatusAccepted {
		return from, ErrAlreadyAccepted
	}
	return from, fmt.Errorf("%w: cannot %s a %s request", ErrInvalidState, event, from)
}

// SourceStatuses lists every status from which event is legal.
func SourceStatuses(event LifecycleEvent) []models.RequestStatus {
	var out []models.RequestStatus
	for _, s := range []models.RequestStatus{
		models.RequestStatusPending,
		models.RequestStatusQuoted,
		models.RequestStatusAccepted,
		models.RequestStatusCancelled,
		models.RequestStatusCompleted,
	} {
		if _, ok := transitions[transitionKey{s, event}]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Target returns the status event leads to when every legal source agrees on
// it. Events whose outcome depends on the source report false.
func Target(event LifecycleEvent) (models.RequestStatus, bool) {
	var target models.RequestStatus
	for key, to := range transitions {
		if key.event != event {
			continue
		}
		if target != "" && target != to {
			return "", false
		}
		target = to
	}
	return target, target != ""
}
