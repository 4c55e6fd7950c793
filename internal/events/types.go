package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/piwi3910/nebulaguard/internal/dlp"
)

// EventType names a notification.
type EventType string

// EventViolationDetected is sent for every violation a scan records.
const EventViolationDetected EventType = "dlp:violation:detected"

// Event is the payload delivered to targets.
type Event struct {
	EventTime time.Time      `json:"event_time"`
	Violation *dlp.Violation `json:"violation"`
	EventID   string         `json:"event_id"`
	EventName EventType      `json:"event_name"`
	Source    string         `json:"source"`
}

// NewViolationEvent wraps v in an event.
func NewViolationEvent(v *dlp.Violation) *Event {
	return &Event{
		EventID:   uuid.New().String(),
		EventName: EventViolationDetected,
		EventTime: time.Now().UTC(),
		Source:    "nebulaguard",
		Violation: v,
	}
}

// ToJSON encodes the event.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
