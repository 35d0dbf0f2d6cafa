package models

import "time"

type EventKind string

const (
	EventDriverRegistered    EventKind = "DriverRegistered"
	EventLocationUpdated     EventKind = "LocationUpdated"
	EventAvailabilityChanged EventKind = "AvailabilityChanged"
	EventRideRequested       EventKind = "RideRequested"
	EventOfferSubmitted      EventKind = "OfferSubmitted"
	EventRideMatched         EventKind = "RideMatched"
	EventRideCompleted       EventKind = "RideCompleted"
	EventRideCancelled       EventKind = "RideCancelled"
	EventHalted              EventKind = "Halted"
	EventResumed             EventKind = "Resumed"
	EventPauserAdded         EventKind = "PauserAdded"
	EventBrokerSet           EventKind = "DisclosureBrokerSet"
	EventDisclosureRequested EventKind = "DisclosureRequested"
)

// Event is one entry of the append-only log. Fields not relevant to
// Kind are left zero.
type Event struct {
	Seq          uint64    `json:"seq"`
	Kind         EventKind `json:"kind"`
	Time         time.Time `json:"time"`
	RequestID    uint64    `json:"request_id,omitempty"`
	Driver       Principal `json:"driver,omitempty"`
	Passenger    Principal `json:"passenger,omitempty"`
	Caller       Principal `json:"caller,omitempty"`
	Principal    Principal `json:"principal,omitempty"`
	DisclosureID string    `json:"disclosure_id,omitempty"`
	Available    *bool     `json:"available,omitempty"`
}

// Involves reports whether p is named by the event.
func (e Event) Involves(p Principal) bool {
	if p.IsZero() {
		return false
	}
	return e.Driver == p || e.Passenger == p || e.Caller == p || e.Principal == p
}
