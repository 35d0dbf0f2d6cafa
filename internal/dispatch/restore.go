package dispatch

import (
	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/models"
)

// Restore rebuilds the plaintext part of the engine from journaled
// events: the driver registry, request states, offers, histories and
// counters. Ciphertexts are not journaled, so restored drivers get a
// fresh opaque zero rating and no location, and restored requests and
// offers carry no opaque values. Operations that need them fail with
// InvalidCiphertext. Restore must run before the engine serves calls.
func (e *Engine) Restore(events []models.Event) error {
	for _, ev := range events {
		switch ev.Kind {
		case models.EventDriverRegistered:
			rating, err := e.backend.FromPlaintext(0)
			if err == nil {
				err = e.backend.Grant(rating, ev.Driver)
			}
			if err != nil {
				return errors.Wrapf(err, "restore driver %s", ev.Driver)
			}
			e.drivers[ev.Driver] = &models.Driver{
				Principal:    ev.Driver,
				Registered:   true,
				RegisteredAt: ev.Time,
				Rating:       rating,
			}
			e.driverCounter++
		case models.EventAvailabilityChanged:
			if d, ok := e.drivers[ev.Driver]; ok && ev.Available != nil {
				e.setAvailable(d, *ev.Available)
			}
		case models.EventRideRequested:
			e.requests[ev.RequestID] = &models.RideRequest{
				ID:          ev.RequestID,
				Passenger:   ev.Passenger,
				RequestedAt: ev.Time,
			}
			e.passengerHistory[ev.Passenger] = append(e.passengerHistory[ev.Passenger], ev.RequestID)
			if ev.RequestID > e.requestCounter {
				e.requestCounter = ev.RequestID
			}
		case models.EventOfferSubmitted:
			if r, ok := e.requests[ev.RequestID]; ok {
				r.Offers = append(r.Offers, models.Offer{Driver: ev.Driver, SubmittedAt: ev.Time})
			}
		case models.EventRideMatched:
			if r, ok := e.requests[ev.RequestID]; ok {
				r.AssignedDriver = ev.Driver
			}
			if d, ok := e.drivers[ev.Driver]; ok {
				e.setAvailable(d, false)
			}
			e.driverHistory[ev.Driver] = append(e.driverHistory[ev.Driver], ev.RequestID)
		case models.EventRideCompleted:
			if r, ok := e.requests[ev.RequestID]; ok {
				r.Completed = true
			}
			if d, ok := e.drivers[ev.Driver]; ok {
				d.TotalRides++
				e.setAvailable(d, true)
			}
		case models.EventRideCancelled:
			if r, ok := e.requests[ev.RequestID]; ok {
				r.Cancelled = true
			}
		}
	}
	if len(events) > 0 {
		e.logger.Info("dispatch state restored", "drivers", e.driverCounter, "requests", e.requestCounter)
	}
	return nil
}
