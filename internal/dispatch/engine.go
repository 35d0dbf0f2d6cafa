// Package dispatch is the ride dispatch state machine: driver
// registry, ride requests, offers, and the transitions between them.
// Sensitive attributes are opaque ciphertexts; the engine branches
// only on plaintext flags, counters and identities.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/example/private-dispatch/internal/apperr"
	"github.com/example/private-dispatch/internal/ledger"
	"github.com/example/private-dispatch/internal/matcher"
	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/observability"
	"github.com/example/private-dispatch/internal/opaque"
)

const (
	DefaultMaxOffers = 20
	MinRating        = 0
	MaxRating        = 100
)

// Gate is the gateway as seen by the engine.
type Gate interface {
	IsOperational() bool
}

type Engine struct {
	ledger    *ledger.Ledger
	gate      Gate
	backend   opaque.Backend
	ranker    *matcher.Service
	maxOffers int
	logger    *slog.Logger

	drivers          map[models.Principal]*models.Driver
	requests         map[uint64]*models.RideRequest
	passengerHistory map[models.Principal][]uint64
	driverHistory    map[models.Principal][]uint64
	requestCounter   uint64
	driverCounter    uint64
}

type Option func(*Engine)

func WithMaxOffers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxOffers = n
		}
	}
}

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithETAWeight makes BestOffer rank on fare + w*eta.
func WithETAWeight(w int64) Option { return func(e *Engine) { e.ranker.ETAWeight = w } }

func New(l *ledger.Ledger, gate Gate, backend opaque.Backend, opts ...Option) *Engine {
	e := &Engine{
		ledger:           l,
		gate:             gate,
		backend:          backend,
		ranker:           &matcher.Service{Backend: backend},
		maxOffers:        DefaultMaxOffers,
		logger:           slog.Default(),
		drivers:          make(map[models.Principal]*models.Driver),
		requests:         make(map[uint64]*models.RideRequest),
		passengerHistory: make(map[models.Principal][]uint64),
		driverHistory:    make(map[models.Principal][]uint64),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) MaxOffers() int { return e.maxOffers }

// submit runs fn as one atomic operation after the shared
// operational check.
func (e *Engine) submit(ctx context.Context, op string, caller models.Principal, fn func(tx *ledger.Tx) error) error {
	return e.ledger.Submit(ctx, op, func(tx *ledger.Tx) error {
		if !e.gate.IsOperational() {
			return apperr.ErrSystemPaused
		}
		if caller.IsZero() {
			return apperr.ErrNullPrincipal
		}
		return fn(tx)
	})
}

func (e *Engine) RegisterDriver(ctx context.Context, caller models.Principal) error {
	return e.submit(ctx, "register_driver", caller, func(tx *ledger.Tx) error {
		if _, ok := e.drivers[caller]; ok {
			return apperr.ErrAlreadyRegistered
		}
		rating, err := e.backend.FromPlaintext(0)
		if err != nil {
			return errors.Wrap(err, "initial rating")
		}
		e.grant(tx, caller, rating)
		now := tx.Now()
		tx.Defer(func() {
			e.drivers[caller] = &models.Driver{
				Principal:    caller,
				Registered:   true,
				RegisteredAt: now,
				Rating:       rating,
			}
			e.driverCounter++
		})
		tx.Emit(models.Event{Kind: models.EventDriverRegistered, Driver: caller, Time: now})
		return nil
	})
}

func (e *Engine) UpdateLocation(ctx context.Context, caller models.Principal, lat, lon models.Ciphertext) error {
	return e.submit(ctx, "update_location", caller, func(tx *ledger.Tx) error {
		d, ok := e.drivers[caller]
		if !ok {
			return apperr.ErrDriverNotRegistered
		}
		if err := e.adopt(caller, lat, lon); err != nil {
			return err
		}
		tx.Defer(func() {
			d.Lat = lat
			d.Lon = lon
		})
		tx.Emit(models.Event{Kind: models.EventLocationUpdated, Driver: caller})
		return nil
	})
}

func (e *Engine) SetAvailability(ctx context.Context, caller models.Principal, available bool) error {
	return e.submit(ctx, "set_availability", caller, func(tx *ledger.Tx) error {
		d, ok := e.drivers[caller]
		if !ok {
			return apperr.ErrDriverNotRegistered
		}
		tx.Defer(func() { e.setAvailable(d, available) })
		v := available
		tx.Emit(models.Event{Kind: models.EventAvailabilityChanged, Driver: caller, Available: &v})
		return nil
	})
}

// RequestRide opens a new request and returns its id.
func (e *Engine) RequestRide(ctx context.Context, caller models.Principal, pickupLat, pickupLon, destLat, destLon, maxFare models.Ciphertext) (uint64, error) {
	var id uint64
	err := e.submit(ctx, "request_ride", caller, func(tx *ledger.Tx) error {
		if err := e.adopt(caller, pickupLat, pickupLon, destLat, destLon, maxFare); err != nil {
			return err
		}
		next := e.requestCounter + 1
		now := tx.Now()
		tx.Defer(func() {
			e.requestCounter = next
			e.requests[next] = &models.RideRequest{
				ID:          next,
				Passenger:   caller,
				PickupLat:   pickupLat,
				PickupLon:   pickupLon,
				DestLat:     destLat,
				DestLon:     destLon,
				MaxFare:     maxFare,
				RequestedAt: now,
			}
			e.passengerHistory[caller] = append(e.passengerHistory[caller], next)
			id = next
		})
		tx.Emit(models.Event{Kind: models.EventRideRequested, RequestID: next, Passenger: caller})
		return nil
	})
	return id, err
}

func (e *Engine) SubmitOffer(ctx context.Context, caller models.Principal, requestID uint64, fare, eta models.Ciphertext) error {
	return e.submit(ctx, "submit_offer", caller, func(tx *ledger.Tx) error {
		r, ok := e.requests[requestID]
		if !ok {
			return apperr.ErrInvalidRequest
		}
		d, ok := e.drivers[caller]
		if !ok {
			return apperr.ErrDriverNotRegistered
		}
		if !d.Available {
			return apperr.ErrDriverNotAvailable
		}
		if r.State() != models.RideOpen {
			return apperr.ErrRequestNotActive
		}
		if len(r.Offers) >= e.maxOffers {
			return apperr.ErrTooManyOffers
		}
		if err := e.adopt(caller, fare, eta); err != nil {
			return err
		}
		within, err := e.backend.LE(fare, r.MaxFare)
		if err != nil {
			return errors.Wrap(apperr.ErrInvalidCiphertext, err.Error())
		}
		e.grant(tx, r.Passenger, fare, eta, within)
		e.grant(tx, caller, within)
		offer := models.Offer{Driver: caller, Fare: fare, ETA: eta, WithinBudget: within, SubmittedAt: tx.Now()}
		tx.Defer(func() { r.Offers = append(r.Offers, offer) })
		tx.Emit(models.Event{Kind: models.EventOfferSubmitted, RequestID: requestID, Driver: caller})
		return nil
	})
}

func (e *Engine) AcceptOffer(ctx context.Context, caller models.Principal, requestID uint64, offerIndex int) error {
	return e.submit(ctx, "accept_offer", caller, func(tx *ledger.Tx) error {
		r, ok := e.requests[requestID]
		if !ok {
			return apperr.ErrInvalidRequest
		}
		if r.Passenger != caller {
			return apperr.ErrNotYourRequest
		}
		if offerIndex < 0 || offerIndex >= len(r.Offers) {
			return apperr.ErrInvalidOfferIndex
		}
		if !r.AssignedDriver.IsZero() {
			return apperr.ErrAlreadyAssigned
		}
		if r.Terminal() {
			return apperr.ErrRequestNotActive
		}
		offer := r.Offers[offerIndex]
		d, ok := e.drivers[offer.Driver]
		if !ok {
			return apperr.ErrDriverNotRegistered
		}
		// A driver matched elsewhere since offering is no longer free.
		if !d.Available {
			return apperr.ErrDriverNotAvailable
		}
		agreed, err := e.backend.Select(offer.WithinBudget, offer.Fare, r.MaxFare)
		if err != nil {
			return errors.Wrap(apperr.ErrInvalidCiphertext, err.Error())
		}
		e.grant(tx, caller, agreed)
		e.grant(tx, offer.Driver, r.PickupLat, r.PickupLon, r.DestLat, r.DestLon, r.MaxFare, agreed)
		tx.Defer(func() {
			r.AssignedDriver = offer.Driver
			r.AgreedFare = agreed
			e.setAvailable(d, false)
			e.driverHistory[offer.Driver] = append(e.driverHistory[offer.Driver], requestID)
			observability.MatchesTotal.Inc()
		})
		tx.Emit(models.Event{Kind: models.EventRideMatched, RequestID: requestID, Driver: offer.Driver, Passenger: r.Passenger})
		return nil
	})
}

func (e *Engine) CompleteRide(ctx context.Context, caller models.Principal, requestID uint64, rating int) error {
	return e.submit(ctx, "complete_ride", caller, func(tx *ledger.Tx) error {
		r, ok := e.requests[requestID]
		if !ok {
			return apperr.ErrInvalidRequest
		}
		if r.AssignedDriver.IsZero() || r.AssignedDriver != caller {
			return apperr.ErrNotAssignedDriver
		}
		if r.Terminal() {
			return apperr.ErrRequestNotActive
		}
		if rating < MinRating || rating > MaxRating {
			return apperr.ErrInvalidRating
		}
		d, ok := e.drivers[caller]
		if !ok {
			return apperr.ErrDriverNotRegistered
		}
		folded, err := TwoSampleRatingFold(e.backend, d.Rating, rating)
		if err != nil {
			return errors.Wrap(err, "fold rating")
		}
		e.grant(tx, caller, folded)
		tx.Defer(func() {
			r.Completed = true
			d.TotalRides++
			d.Rating = folded
			e.setAvailable(d, true)
		})
		tx.Emit(models.Event{Kind: models.EventRideCompleted, RequestID: requestID, Driver: caller, Passenger: r.Passenger})
		return nil
	})
}

func (e *Engine) CancelRequest(ctx context.Context, caller models.Principal, requestID uint64) error {
	return e.submit(ctx, "cancel_request", caller, func(tx *ledger.Tx) error {
		r, ok := e.requests[requestID]
		if !ok {
			return apperr.ErrInvalidRequest
		}
		if r.Passenger != caller {
			return apperr.ErrNotYourRequest
		}
		if !r.AssignedDriver.IsZero() {
			return apperr.ErrCannotCancelAssigned
		}
		if r.Terminal() {
			return apperr.ErrRequestNotActive
		}
		tx.Defer(func() { r.Cancelled = true })
		tx.Emit(models.Event{Kind: models.EventRideCancelled, RequestID: requestID, Passenger: caller})
		return nil
	})
}

// BestOffer ranks the request's offers inside the backend and returns
// the opaque index and fare of the cheapest one, granted to the
// passenger. Only the passenger may ask. It allocates backend values
// and grants, so it runs as an operation and is refused while paused.
func (e *Engine) BestOffer(ctx context.Context, caller models.Principal, id uint64) (matcher.Best, error) {
	var best matcher.Best
	err := e.submit(ctx, "best_offer", caller, func(tx *ledger.Tx) error {
		r, ok := e.requests[id]
		switch {
		case !ok:
			return apperr.ErrInvalidRequest
		case r.Passenger != caller:
			return apperr.ErrNotYourRequest
		case len(r.Offers) == 0:
			return apperr.ErrInvalidOfferIndex
		}
		ranked, err := e.ranker.Cheapest(r.Offers)
		if err != nil {
			return errors.Wrap(apperr.ErrInvalidCiphertext, err.Error())
		}
		e.grant(tx, caller, ranked.Index, ranked.Fare, ranked.Cost)
		tx.Defer(func() { best = ranked })
		return nil
	})
	return best, err
}

// TwoSampleRatingFold folds a 0..100 rating into the running value as
// (old + rating*100) / 2. This is a two-sample average, not a mean
// over all rides; recent rides dominate.
func TwoSampleRatingFold(b opaque.Backend, old models.Ciphertext, rating int) (models.Ciphertext, error) {
	r, err := b.FromPlaintext(int64(rating))
	if err != nil {
		return nil, err
	}
	hundred, err := b.FromPlaintext(100)
	if err != nil {
		return nil, err
	}
	scaled, err := b.Mul(r, hundred)
	if err != nil {
		return nil, err
	}
	sum, err := b.Add(old, scaled)
	if err != nil {
		return nil, err
	}
	return b.DivScalar(sum, 2)
}

// adopt accepts caller-supplied ciphertexts only when the caller can
// already read them. Values copied from someone else's record are
// refused, never granted.
func (e *Engine) adopt(owner models.Principal, cts ...models.Ciphertext) error {
	for _, ct := range cts {
		if ct.Empty() {
			return apperr.ErrEmptyCiphertext
		}
	}
	for _, ct := range cts {
		if !e.backend.Allowed(ct, owner) {
			return apperr.ErrInvalidCiphertext
		}
	}
	return nil
}

// grant stages access for p on vs. Every value exists in the backend
// by commit time, so a failure means the backend itself is broken.
func (e *Engine) grant(tx *ledger.Tx, p models.Principal, vs ...models.Ciphertext) {
	tx.Defer(func() {
		if err := opaque.GrantAll(e.backend, p, vs...); err != nil {
			e.logger.Error("grant", "principal", p, "error", err)
		}
	})
}

// setAvailable must run inside a committed mutation.
func (e *Engine) setAvailable(d *models.Driver, v bool) {
	if d.Available == v {
		return
	}
	d.Available = v
	if v {
		observability.DriversOnline.Inc()
	} else {
		observability.DriversOnline.Dec()
	}
}
