package dispatch

import "github.com/example/private-dispatch/internal/models"

// Queries never fail and never mutate. Unknown principals and ids
// yield zero values.

func (e *Engine) GetDriverInfo(p models.Principal) models.DriverInfo {
	var out models.DriverInfo
	e.ledger.View(func() {
		d, ok := e.drivers[p]
		if !ok {
			out.Principal = p
			return
		}
		out = models.DriverInfo{
			Principal:    d.Principal,
			Registered:   d.Registered,
			Available:    d.Available,
			TotalRides:   d.TotalRides,
			RegisteredAt: d.RegisteredAt,
			HasLocation:  !d.Lat.Empty() && !d.Lon.Empty(),
		}
	})
	return out
}

// GetDriver returns the full record including opaque values.
func (e *Engine) GetDriver(p models.Principal) (models.Driver, bool) {
	var (
		out models.Driver
		ok  bool
	)
	e.ledger.View(func() {
		var d *models.Driver
		if d, ok = e.drivers[p]; ok {
			out = *d
		}
	})
	return out, ok
}

func (e *Engine) GetRequestInfo(id uint64) models.RequestInfo {
	var out models.RequestInfo
	e.ledger.View(func() {
		r, ok := e.requests[id]
		if !ok {
			return
		}
		out = models.RequestInfo{
			ID:             r.ID,
			Passenger:      r.Passenger,
			AssignedDriver: r.AssignedDriver,
			State:          r.State(),
			Completed:      r.Completed,
			Cancelled:      r.Cancelled,
			RequestedAt:    r.RequestedAt,
			OfferCount:     len(r.Offers),
		}
	})
	return out
}

// GetRequest returns the full record including opaque values and offers.
func (e *Engine) GetRequest(id uint64) (models.RideRequest, bool) {
	var (
		out models.RideRequest
		ok  bool
	)
	e.ledger.View(func() {
		var r *models.RideRequest
		if r, ok = e.requests[id]; ok {
			out = *r
			out.Offers = append([]models.Offer(nil), r.Offers...)
		}
	})
	return out, ok
}

func (e *Engine) GetOffers(id uint64) []models.Offer {
	var out []models.Offer
	e.ledger.View(func() {
		if r, ok := e.requests[id]; ok {
			out = append([]models.Offer(nil), r.Offers...)
		}
	})
	return out
}

func (e *Engine) GetPassengerHistory(p models.Principal) []uint64 {
	var out []uint64
	e.ledger.View(func() { out = append([]uint64{}, e.passengerHistory[p]...) })
	return out
}

func (e *Engine) GetDriverHistory(p models.Principal) []uint64 {
	var out []uint64
	e.ledger.View(func() { out = append([]uint64{}, e.driverHistory[p]...) })
	return out
}

func (e *Engine) GetSystemStats() models.SystemStats {
	var out models.SystemStats
	e.ledger.View(func() {
		out = models.SystemStats{
			TotalDrivers:  e.driverCounter,
			TotalRequests: e.requestCounter,
			Operational:   e.gate.IsOperational(),
		}
	})
	return out
}

func (e *Engine) IsSystemOperational() bool { return e.gate.IsOperational() }

func (e *Engine) IsDriverAvailable(p models.Principal) bool {
	var out bool
	e.ledger.View(func() {
		d, ok := e.drivers[p]
		out = ok && d.Registered && d.Available
	})
	return out
}

// IsRequestActive reports whether the request exists and is neither
// completed nor cancelled.
func (e *Engine) IsRequestActive(id uint64) bool {
	var out bool
	e.ledger.View(func() {
		r, ok := e.requests[id]
		out = ok && !r.Terminal()
	})
	return out
}

func (e *Engine) IsDriverEligibleForOffer(p models.Principal, id uint64) bool {
	var out bool
	e.ledger.View(func() {
		d, ok := e.drivers[p]
		if !ok || !d.Registered || !d.Available {
			return
		}
		r, ok := e.requests[id]
		out = ok && r.State() == models.RideOpen
	})
	return out
}

func (e *Engine) IsRequestCancellable(p models.Principal, id uint64) bool {
	var out bool
	e.ledger.View(func() {
		r, ok := e.requests[id]
		out = ok && !p.IsZero() && r.Passenger == p && r.State() == models.RideOpen
	})
	return out
}
