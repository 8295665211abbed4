// Package calendar provides calendar provider clients. The conversation
// tools depend only on the Provider interface; Google Calendar and CalDAV
// implementations live alongside it.
package calendar

import (
	"context"
	"time"
)

// Interval is a busy period on the calendar.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EventTime is a structured time with explicit offset, matching the wire
// shape providers expect ({"dateTime": "2025-12-15T14:00:00+05:30"}).
type EventTime struct {
	DateTime string `json:"dateTime"`
}

// EventRequest describes an event to create.
type EventRequest struct {
	Summary     string    `json:"summary"`
	Description string    `json:"description,omitempty"`
	Start       EventTime `json:"start"`
	End         EventTime `json:"end"`
}

// EventConfirmation is the provider's acknowledgement of a created event.
type EventConfirmation struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Link   string `json:"htmlLink,omitempty"`
}

// Provider is the calendar capability the booking tools close over.
type Provider interface {
	// GetBusySlots returns the busy intervals between timeMin and timeMax.
	// Note these are periods where the owner is UNavailable; callers
	// subtract them from candidate ranges themselves.
	GetBusySlots(ctx context.Context, timeMin, timeMax time.Time) ([]Interval, error)

	// CreateEvent inserts an event. Not idempotent: a repeated call
	// creates a duplicate event.
	CreateEvent(ctx context.Context, req EventRequest) (*EventConfirmation, error)
}
