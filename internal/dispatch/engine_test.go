package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/private-dispatch/internal/apperr"
	"github.com/example/private-dispatch/internal/ledger"
	"github.com/example/private-dispatch/internal/models"
	"github.com/example/private-dispatch/internal/opaque"
)

const (
	d1 models.Principal = "0xd1"
	d2 models.Principal = "0xd2"
	p1 models.Principal = "0xp1"
	p2 models.Principal = "0xp2"
)

type fakeGate struct{ halted bool }

func (f *fakeGate) IsOperational() bool { return !f.halted }

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *Engine
	gate    *fakeGate
	ledger  *ledger.Ledger
	backend *opaque.Clear
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	b, err := opaque.NewClear()
	require.NoError(t, err)
	l := ledger.New()
	g := &fakeGate{}
	return &harness{t: t, ctx: context.Background(), engine: New(l, g, b, opts...), gate: g, ledger: l, backend: b}
}

// enc encrypts v on behalf of p, the way /v1/opaque/encrypt does.
func (h *harness) enc(p models.Principal, v int64) models.Ciphertext {
	h.t.Helper()
	ct, err := h.backend.FromPlaintext(v)
	require.NoError(h.t, err)
	require.NoError(h.t, h.backend.Grant(ct, p))
	return ct
}

func (h *harness) reveal(ct models.Ciphertext) int64 {
	h.t.Helper()
	v, err := h.backend.Reveal(ct)
	require.NoError(h.t, err)
	return v
}

func (h *harness) requestRide(p models.Principal, maxFare int64) uint64 {
	h.t.Helper()
	id, err := h.engine.RequestRide(h.ctx, p, h.enc(p, 40758896), h.enc(p, -73985130), h.enc(p, 40768896), h.enc(p, -73975130), h.enc(p, maxFare))
	require.NoError(h.t, err)
	return id
}

func (h *harness) onlineDriver(p models.Principal) {
	h.t.Helper()
	require.NoError(h.t, h.engine.RegisterDriver(h.ctx, p))
	require.NoError(h.t, h.engine.SetAvailability(h.ctx, p, true))
}

func (h *harness) offer(d models.Principal, id uint64, fare, eta int64) error {
	return h.engine.SubmitOffer(h.ctx, d, id, h.enc(d, fare), h.enc(d, eta))
}

func (h *harness) lastEvent() models.Event {
	h.t.Helper()
	evs := h.ledger.Events(0, 0)
	require.NotEmpty(h.t, evs)
	return evs[len(evs)-1]
}

func TestRegisterDriver(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.RegisterDriver(h.ctx, d1))

	info := h.engine.GetDriverInfo(d1)
	assert.True(t, info.Registered)
	assert.False(t, info.Available)
	assert.Zero(t, info.TotalRides)
	assert.Equal(t, uint64(1), h.engine.GetSystemStats().TotalDrivers)
	assert.Equal(t, models.EventDriverRegistered, h.lastEvent().Kind)
	assert.Equal(t, d1, h.lastEvent().Driver)

	err := h.engine.RegisterDriver(h.ctx, d1)
	assert.ErrorIs(t, err, apperr.ErrAlreadyRegistered)
	assert.Equal(t, uint64(1), h.engine.GetSystemStats().TotalDrivers)
}

func TestRegisterDriverRejectsNullCaller(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.RegisterDriver(h.ctx, ""), apperr.ErrNullPrincipal)
}

func TestUpdateLocation(t *testing.T) {
	h := newHarness(t)
	err := h.engine.UpdateLocation(h.ctx, d1, h.enc(d1, 1), h.enc(d1, 2))
	assert.ErrorIs(t, err, apperr.ErrDriverNotRegistered)

	require.NoError(t, h.engine.RegisterDriver(h.ctx, d1))
	assert.ErrorIs(t, h.engine.UpdateLocation(h.ctx, d1, nil, h.enc(d1, 2)), apperr.ErrEmptyCiphertext)
	assert.ErrorIs(t, h.engine.UpdateLocation(h.ctx, d1, models.Ciphertext("junk"), h.enc(d1, 2)), apperr.ErrInvalidCiphertext)

	lat, lon := h.enc(d1, 40758896), h.enc(d1, -73985130)
	require.NoError(t, h.engine.UpdateLocation(h.ctx, d1, lat, lon))
	d, ok := h.engine.GetDriver(d1)
	require.True(t, ok)
	assert.Equal(t, lat, d.Lat)
	assert.Equal(t, lon, d.Lon)
	assert.True(t, h.backend.Allowed(lat, d1))
	assert.True(t, h.engine.GetDriverInfo(d1).HasLocation)
	assert.Equal(t, models.EventLocationUpdated, h.lastEvent().Kind)
}

func TestSetAvailability(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.engine.SetAvailability(h.ctx, d1, true), apperr.ErrDriverNotRegistered)
	h.onlineDriver(d1)
	assert.True(t, h.engine.IsDriverAvailable(d1))
	require.NoError(t, h.engine.SetAvailability(h.ctx, d1, false))
	assert.False(t, h.engine.IsDriverAvailable(d1))
}

func TestRequestRide(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, uint64(1), h.engine.GetSystemStats().TotalRequests)
	ev := h.lastEvent()
	assert.Equal(t, models.EventRideRequested, ev.Kind)
	assert.Equal(t, uint64(1), ev.RequestID)
	assert.Equal(t, p1, ev.Passenger)

	info := h.engine.GetRequestInfo(id)
	assert.Equal(t, models.RideOpen, info.State)
	assert.Equal(t, p1, info.Passenger)
	assert.True(t, info.AssignedDriver.IsZero())

	assert.Equal(t, uint64(2), h.requestRide(p1, 3000))
	assert.Equal(t, []uint64{1, 2}, h.engine.GetPassengerHistory(p1))

	r, ok := h.engine.GetRequest(id)
	require.True(t, ok)
	assert.True(t, h.backend.Allowed(r.MaxFare, p1))
	assert.False(t, h.backend.Allowed(r.MaxFare, d1))
}

func TestRequestRideRejectsEmptyValues(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RequestRide(h.ctx, p1, h.enc(p1, 1), h.enc(p1, 2), h.enc(p1, 3), h.enc(p1, 4), nil)
	assert.ErrorIs(t, err, apperr.ErrEmptyCiphertext)
	assert.Zero(t, h.engine.GetSystemStats().TotalRequests)
}

func TestSubmitOfferFailureOrder(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.offer(d1, 1, 4500, 600), apperr.ErrInvalidRequest)

	id := h.requestRide(p1, 5000)
	assert.ErrorIs(t, h.offer(d1, id, 4500, 600), apperr.ErrDriverNotRegistered)

	require.NoError(t, h.engine.RegisterDriver(h.ctx, d1))
	assert.ErrorIs(t, h.offer(d1, id, 4500, 600), apperr.ErrDriverNotAvailable)

	require.NoError(t, h.engine.SetAvailability(h.ctx, d1, true))
	require.NoError(t, h.offer(d1, id, 4500, 600))
	assert.Equal(t, 1, h.engine.GetRequestInfo(id).OfferCount)
	ev := h.lastEvent()
	assert.Equal(t, models.EventOfferSubmitted, ev.Kind)
	assert.Equal(t, d1, ev.Driver)

	require.NoError(t, h.engine.CancelRequest(h.ctx, p1, id))
	assert.ErrorIs(t, h.offer(d1, id, 4500, 600), apperr.ErrRequestNotActive)
}

func TestSubmitOfferComputesOpaqueBudgetFlag(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	h.onlineDriver(d2)
	require.NoError(t, h.offer(d1, id, 4500, 600))
	require.NoError(t, h.offer(d2, id, 5500, 300))

	offers := h.engine.GetOffers(id)
	require.Len(t, offers, 2)
	assert.Equal(t, int64(1), h.reveal(offers[0].WithinBudget))
	assert.Equal(t, int64(0), h.reveal(offers[1].WithinBudget))
	assert.True(t, h.backend.Allowed(offers[0].Fare, p1))
	assert.True(t, h.backend.Allowed(offers[0].ETA, p1))
	assert.False(t, h.backend.Allowed(offers[0].Fare, d2))
}

func TestOfferCap(t *testing.T) {
	h := newHarness(t, WithMaxOffers(2))
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, id, 4500, 600))
	require.NoError(t, h.offer(d1, id, 4400, 600))
	assert.ErrorIs(t, h.offer(d1, id, 4300, 600), apperr.ErrTooManyOffers)
	assert.Equal(t, 2, h.engine.GetRequestInfo(id).OfferCount)
}

func TestOfferCountMatchesSuccessfulSubmissions(t *testing.T) {
	h := newHarness(t, WithMaxOffers(5))
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	ok := 0
	for i := 0; i < 8; i++ {
		if h.offer(d1, id, int64(4000+i), 600) == nil {
			ok++
		}
	}
	assert.Equal(t, 5, ok)
	assert.Equal(t, ok, h.engine.GetRequestInfo(id).OfferCount)
}

func TestAcceptOffer(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, id, 4500, 600))

	assert.ErrorIs(t, h.engine.AcceptOffer(h.ctx, p1, 99, 0), apperr.ErrInvalidRequest)
	assert.ErrorIs(t, h.engine.AcceptOffer(h.ctx, p2, id, 0), apperr.ErrNotYourRequest)
	assert.ErrorIs(t, h.engine.AcceptOffer(h.ctx, p1, id, 1), apperr.ErrInvalidOfferIndex)
	assert.ErrorIs(t, h.engine.AcceptOffer(h.ctx, p1, id, -1), apperr.ErrInvalidOfferIndex)

	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, id, 0))
	ev := h.lastEvent()
	assert.Equal(t, models.EventRideMatched, ev.Kind)
	assert.Equal(t, d1, ev.Driver)
	assert.Equal(t, p1, ev.Passenger)
	assert.False(t, h.engine.IsDriverAvailable(d1))
	assert.Equal(t, []uint64{id}, h.engine.GetDriverHistory(d1))

	r, _ := h.engine.GetRequest(id)
	assert.Equal(t, models.RideAssigned, r.State())
	assert.Equal(t, int64(4500), h.reveal(r.AgreedFare))
	assert.True(t, h.backend.Allowed(r.PickupLat, d1))
	assert.True(t, h.backend.Allowed(r.AgreedFare, p1))

	assert.ErrorIs(t, h.engine.AcceptOffer(h.ctx, p1, id, 0), apperr.ErrAlreadyAssigned)
	assert.ErrorIs(t, h.offer(d1, id, 4000, 600), apperr.ErrDriverNotAvailable)
	h.onlineDriver(d2)
	assert.ErrorIs(t, h.offer(d2, id, 4000, 600), apperr.ErrRequestNotActive)
}

func TestAgreedFareIsCappedAtMaxFare(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, id, 6000, 600))
	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, id, 0))
	r, _ := h.engine.GetRequest(id)
	assert.Equal(t, int64(5000), h.reveal(r.AgreedFare))
}

func TestAcceptOfferIndexEqualToLength(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, id, 4500, 600))
	require.NoError(t, h.offer(d1, id, 4400, 600))
	assert.ErrorIs(t, h.engine.AcceptOffer(h.ctx, p1, id, 2), apperr.ErrInvalidOfferIndex)
	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, id, 1))
}

func TestAcceptOfferOnCancelledRequest(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, id, 4500, 600))
	require.NoError(t, h.engine.CancelRequest(h.ctx, p1, id))
	assert.ErrorIs(t, h.engine.AcceptOffer(h.ctx, p1, id, 0), apperr.ErrRequestNotActive)
}

func matchedRide(t *testing.T, h *harness) uint64 {
	t.Helper()
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, id, 4500, 600))
	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, id, 0))
	return id
}

func TestCompleteRide(t *testing.T) {
	h := newHarness(t)
	id := matchedRide(t, h)

	assert.ErrorIs(t, h.engine.CompleteRide(h.ctx, d1, 42, 85), apperr.ErrInvalidRequest)
	assert.ErrorIs(t, h.engine.CompleteRide(h.ctx, d2, id, 85), apperr.ErrNotAssignedDriver)
	assert.ErrorIs(t, h.engine.CompleteRide(h.ctx, p1, id, 85), apperr.ErrNotAssignedDriver)

	require.NoError(t, h.engine.CompleteRide(h.ctx, d1, id, 85))
	info := h.engine.GetDriverInfo(d1)
	assert.Equal(t, uint64(1), info.TotalRides)
	assert.True(t, info.Available)
	ev := h.lastEvent()
	assert.Equal(t, models.EventRideCompleted, ev.Kind)
	assert.Equal(t, d1, ev.Driver)
	assert.Equal(t, p1, ev.Passenger)
	assert.False(t, h.engine.IsRequestActive(id))

	assert.ErrorIs(t, h.engine.CompleteRide(h.ctx, d1, id, 90), apperr.ErrRequestNotActive)
	assert.Equal(t, uint64(1), h.engine.GetDriverInfo(d1).TotalRides)
}

func TestCompleteRideOnOpenRequest(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	assert.ErrorIs(t, h.engine.CompleteRide(h.ctx, d1, id, 50), apperr.ErrNotAssignedDriver)
}

func TestCompleteRideRatingBoundaries(t *testing.T) {
	for _, tc := range []struct {
		rating int
		err    error
	}{
		{MinRating - 1, apperr.ErrInvalidRating},
		{MinRating, nil},
		{MaxRating, nil},
		{MaxRating + 1, apperr.ErrInvalidRating},
	} {
		h := newHarness(t)
		id := matchedRide(t, h)
		err := h.engine.CompleteRide(h.ctx, d1, id, tc.rating)
		if tc.err == nil {
			assert.NoError(t, err, "rating %d", tc.rating)
		} else {
			assert.ErrorIs(t, err, tc.err, "rating %d", tc.rating)
			assert.True(t, h.engine.IsRequestActive(id))
		}
	}
}

// The rating fold is a deliberate two-sample average,
// (old + rating*100) / 2, not a mean over every ride.
func TestTwoSampleRatingFoldIsIntentionalApproximation(t *testing.T) {
	h := newHarness(t)
	id := matchedRide(t, h)
	require.NoError(t, h.engine.CompleteRide(h.ctx, d1, id, 85))
	d, _ := h.engine.GetDriver(d1)
	assert.Equal(t, int64((0+85*100)/2), h.reveal(d.Rating))
	assert.True(t, h.backend.Allowed(d.Rating, d1))

	id2 := h.requestRide(p1, 5000)
	require.NoError(t, h.offer(d1, id2, 4500, 600))
	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, id2, 0))
	require.NoError(t, h.engine.CompleteRide(h.ctx, d1, id2, 100))
	d, _ = h.engine.GetDriver(d1)
	// A true mean of 85 and 100 would be 9250.
	assert.Equal(t, int64((4250+100*100)/2), h.reveal(d.Rating))
}

func TestCancelRequest(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)

	assert.ErrorIs(t, h.engine.CancelRequest(h.ctx, p1, 7), apperr.ErrInvalidRequest)
	assert.ErrorIs(t, h.engine.CancelRequest(h.ctx, p2, id), apperr.ErrNotYourRequest)
	assert.True(t, h.engine.IsRequestCancellable(p1, id))
	assert.False(t, h.engine.IsRequestCancellable(p2, id))

	require.NoError(t, h.engine.CancelRequest(h.ctx, p1, id))
	ev := h.lastEvent()
	assert.Equal(t, models.EventRideCancelled, ev.Kind)
	assert.Equal(t, p1, ev.Passenger)
	assert.False(t, h.engine.IsRequestCancellable(p1, id))
	assert.ErrorIs(t, h.engine.CancelRequest(h.ctx, p1, id), apperr.ErrRequestNotActive)

	assigned := matchedRide(t, h)
	assert.False(t, h.engine.IsRequestCancellable(p1, assigned))
	assert.ErrorIs(t, h.engine.CancelRequest(h.ctx, p1, assigned), apperr.ErrCannotCancelAssigned)
}

func TestEligibility(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	assert.False(t, h.engine.IsDriverEligibleForOffer(d1, id))
	require.NoError(t, h.engine.RegisterDriver(h.ctx, d1))
	assert.False(t, h.engine.IsDriverEligibleForOffer(d1, id))
	require.NoError(t, h.engine.SetAvailability(h.ctx, d1, true))
	assert.True(t, h.engine.IsDriverEligibleForOffer(d1, id))
	assert.False(t, h.engine.IsDriverEligibleForOffer(d1, id+1))
	require.NoError(t, h.offer(d1, id, 4500, 600))
	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, id, 0))
	h.onlineDriver(d2)
	assert.False(t, h.engine.IsDriverEligibleForOffer(d2, id))
}

func TestQueriesOnUnknownIDsReturnZeroValues(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.engine.GetDriverInfo(d1).Registered)
	assert.Zero(t, h.engine.GetRequestInfo(5).ID)
	assert.Empty(t, h.engine.GetPassengerHistory(p1))
	assert.Empty(t, h.engine.GetDriverHistory(d1))
	assert.False(t, h.engine.IsRequestActive(5))
	assert.False(t, h.engine.IsDriverAvailable(d1))
	assert.Nil(t, h.engine.GetOffers(5))
}

func TestPausedEngineRejectsEveryMutationWithoutChanges(t *testing.T) {
	h := newHarness(t)
	id := matchedRide(t, h)
	open := h.requestRide(p2, 4000)
	before := snapshot(h.engine)
	seq := h.ledger.Seq()

	h.gate.halted = true
	ops := map[string]error{
		"register":     h.engine.RegisterDriver(h.ctx, d2),
		"location":     h.engine.UpdateLocation(h.ctx, d1, h.enc(d1, 1), h.enc(d1, 2)),
		"availability": h.engine.SetAvailability(h.ctx, d1, true),
		"offer":        h.offer(d1, open, 3000, 100),
		"accept":       h.engine.AcceptOffer(h.ctx, p2, open, 0),
		"complete":     h.engine.CompleteRide(h.ctx, d1, id, 50),
		"cancel":       h.engine.CancelRequest(h.ctx, p2, open),
	}
	_, err := h.engine.RequestRide(h.ctx, p1, h.enc(p1, 1), h.enc(p1, 2), h.enc(p1, 3), h.enc(p1, 4), h.enc(p1, 5))
	ops["request"] = err

	for name, err := range ops {
		assert.ErrorIs(t, err, apperr.ErrSystemPaused, name)
	}
	assert.Equal(t, before, snapshot(h.engine))
	assert.Equal(t, seq, h.ledger.Seq())
	assert.False(t, h.engine.IsSystemOperational())
	assert.False(t, h.engine.GetSystemStats().Operational)
}

type engineSnapshot struct {
	Drivers  map[models.Principal]models.Driver
	Requests map[uint64]models.RideRequest
	Counters [2]uint64
	PHist    map[models.Principal][]uint64
	DHist    map[models.Principal][]uint64
}

func snapshot(e *Engine) engineSnapshot {
	s := engineSnapshot{
		Drivers:  map[models.Principal]models.Driver{},
		Requests: map[uint64]models.RideRequest{},
		PHist:    map[models.Principal][]uint64{},
		DHist:    map[models.Principal][]uint64{},
	}
	e.ledger.View(func() {
		for k, v := range e.drivers {
			s.Drivers[k] = *v
		}
		for k, v := range e.requests {
			r := *v
			r.Offers = append([]models.Offer(nil), v.Offers...)
			s.Requests[k] = r
		}
		for k, v := range e.passengerHistory {
			s.PHist[k] = append([]uint64(nil), v...)
		}
		for k, v := range e.driverHistory {
			s.DHist[k] = append([]uint64(nil), v...)
		}
		s.Counters = [2]uint64{e.requestCounter, e.driverCounter}
	})
	return s
}

func TestTotalRidesEqualsCompletedAssignments(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver(d1)
	h.onlineDriver(d2)
	for i := 0; i < 6; i++ {
		id := h.requestRide(p1, 5000)
		driver := d1
		if i%3 == 0 {
			driver = d2
		}
		require.NoError(t, h.offer(driver, id, 4000, 300))
		require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, id, 0))
		if i != 5 {
			require.NoError(t, h.engine.CompleteRide(h.ctx, driver, id, 70))
		}
	}

	completed := map[models.Principal]uint64{}
	for id := uint64(1); id <= h.engine.GetSystemStats().TotalRequests; id++ {
		r, ok := h.engine.GetRequest(id)
		require.True(t, ok)
		assert.False(t, r.Completed && r.Cancelled)
		if r.Completed {
			completed[r.AssignedDriver]++
		}
	}
	assert.Equal(t, completed[d1], h.engine.GetDriverInfo(d1).TotalRides)
	assert.Equal(t, completed[d2], h.engine.GetDriverInfo(d2).TotalRides)
}

func TestBestOffer(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	_, err := h.engine.BestOffer(h.ctx, p1, id)
	assert.ErrorIs(t, err, apperr.ErrInvalidOfferIndex)

	h.onlineDriver(d1)
	h.onlineDriver(d2)
	require.NoError(t, h.offer(d1, id, 4800, 300))
	require.NoError(t, h.offer(d2, id, 4200, 900))

	_, err = h.engine.BestOffer(h.ctx, p2, id)
	assert.ErrorIs(t, err, apperr.ErrNotYourRequest)

	best, err := h.engine.BestOffer(h.ctx, p1, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.reveal(best.Index))
	assert.Equal(t, int64(4200), h.reveal(best.Fare))
	assert.True(t, h.backend.Allowed(best.Index, p1))
}

func TestBestOfferIsRefusedWhilePaused(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, id, 4800, 300))
	seq := h.ledger.Seq()

	h.gate.halted = true
	_, err := h.engine.BestOffer(h.ctx, p1, id)
	assert.ErrorIs(t, err, apperr.ErrSystemPaused)
	assert.Equal(t, seq, h.ledger.Seq())

	h.gate.halted = false
	_, err = h.engine.BestOffer(h.ctx, p1, id)
	assert.NoError(t, err)
}

func TestCopiedCiphertextsAreRefused(t *testing.T) {
	h := newHarness(t)
	id := h.requestRide(p1, 5000)
	victim, ok := h.engine.GetRequest(id)
	require.True(t, ok)
	assert.False(t, h.backend.Allowed(victim.MaxFare, p2))

	mf := victim.MaxFare
	_, err := h.engine.RequestRide(h.ctx, p2, mf, mf, mf, mf, mf)
	assert.ErrorIs(t, err, apperr.ErrInvalidCiphertext)
	assert.False(t, h.backend.Allowed(mf, p2))

	h.onlineDriver(d1)
	assert.ErrorIs(t, h.engine.UpdateLocation(h.ctx, d1, victim.PickupLat, victim.PickupLon), apperr.ErrInvalidCiphertext)
	assert.ErrorIs(t, h.engine.SubmitOffer(h.ctx, d1, id, mf, h.enc(d1, 300)), apperr.ErrInvalidCiphertext)
	assert.False(t, h.backend.Allowed(mf, d1))
	assert.Equal(t, uint64(1), h.engine.GetSystemStats().TotalRequests)
	assert.Zero(t, h.engine.GetRequestInfo(id).OfferCount)
}

func TestRejectedOfferLeavesNoGrants(t *testing.T) {
	h := newHarness(t, WithMaxOffers(1))
	id := h.requestRide(p1, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, id, 4500, 600))

	fare, eta := h.enc(d1, 4000), h.enc(d1, 500)
	assert.ErrorIs(t, h.engine.SubmitOffer(h.ctx, d1, id, fare, eta), apperr.ErrTooManyOffers)
	assert.False(t, h.backend.Allowed(fare, p1))
	assert.False(t, h.backend.Allowed(eta, p1))
}

func TestAcceptOfferFromDriverMatchedElsewhere(t *testing.T) {
	h := newHarness(t)
	first := h.requestRide(p1, 5000)
	second := h.requestRide(p2, 5000)
	h.onlineDriver(d1)
	require.NoError(t, h.offer(d1, first, 4500, 600))
	require.NoError(t, h.offer(d1, second, 4500, 600))

	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, first, 0))
	assert.ErrorIs(t, h.engine.AcceptOffer(h.ctx, p2, second, 0), apperr.ErrDriverNotAvailable)
	assert.Equal(t, models.RideOpen, h.engine.GetRequestInfo(second).State)
	assert.Equal(t, []uint64{first}, h.engine.GetDriverHistory(d1))

	require.NoError(t, h.engine.CompleteRide(h.ctx, d1, first, 80))
	require.NoError(t, h.engine.AcceptOffer(h.ctx, p2, second, 0))
	assert.False(t, h.engine.IsDriverAvailable(d1))
}

func TestRestoreRebuildsPlaintextState(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver(d1)
	h.onlineDriver(d2)
	done := h.requestRide(p1, 5000)
	require.NoError(t, h.offer(d1, done, 4500, 600))
	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, done, 0))
	require.NoError(t, h.engine.CompleteRide(h.ctx, d1, done, 90))
	riding := h.requestRide(p1, 5000)
	require.NoError(t, h.offer(d2, riding, 4000, 300))
	require.NoError(t, h.engine.AcceptOffer(h.ctx, p1, riding, 0))
	cancelled := h.requestRide(p2, 3000)
	require.NoError(t, h.engine.CancelRequest(h.ctx, p2, cancelled))

	fresh := newHarness(t)
	require.NoError(t, fresh.engine.Restore(h.ledger.Events(0, 0)))

	assert.Equal(t, h.engine.GetSystemStats().TotalDrivers, fresh.engine.GetSystemStats().TotalDrivers)
	assert.Equal(t, uint64(3), fresh.engine.GetSystemStats().TotalRequests)
	for _, id := range []uint64{done, riding, cancelled} {
		want, got := h.engine.GetRequestInfo(id), fresh.engine.GetRequestInfo(id)
		assert.Equal(t, want.State, got.State, "request %d", id)
		assert.Equal(t, want.AssignedDriver, got.AssignedDriver, "request %d", id)
		assert.Equal(t, want.OfferCount, got.OfferCount, "request %d", id)
	}
	assert.Equal(t, uint64(1), fresh.engine.GetDriverInfo(d1).TotalRides)
	assert.True(t, fresh.engine.IsDriverAvailable(d1))
	assert.False(t, fresh.engine.IsDriverAvailable(d2))
	assert.Equal(t, []uint64{riding}, fresh.engine.GetDriverHistory(d2))
	assert.Equal(t, []uint64{done, riding}, fresh.engine.GetPassengerHistory(p1))

	require.NoError(t, fresh.engine.CompleteRide(fresh.ctx, d2, riding, 70))
	assert.Equal(t, uint64(4), fresh.requestRide(p2, 2000))
}
