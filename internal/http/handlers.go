package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/private-dispatch/internal/apperr"
	"github.com/example/private-dispatch/internal/models"
)

type locationBody struct {
	Lat models.Ciphertext `json:"lat"`
	Lon models.Ciphertext `json:"lon"`
}

type availabilityBody struct {
	Available bool `json:"available"`
}

type rideBody struct {
	PickupLat models.Ciphertext `json:"pickup_lat"`
	PickupLon models.Ciphertext `json:"pickup_lon"`
	DestLat   models.Ciphertext `json:"dest_lat"`
	DestLon   models.Ciphertext `json:"dest_lon"`
	MaxFare   models.Ciphertext `json:"max_fare"`
}

type offerBody struct {
	Fare models.Ciphertext `json:"fare"`
	ETA  models.Ciphertext `json:"eta"`
}

type acceptBody struct {
	OfferIndex int `json:"offer_index"`
}

type completeBody struct {
	Rating int `json:"rating"`
}

type brokerBody struct {
	Broker models.Principal `json:"broker"`
}

type disclosureBody struct {
	Value models.Ciphertext `json:"value"`
}

type keyAuthorityBody struct {
	Payload []byte `json:"payload"`
}

type encryptBody struct {
	Value int64 `json:"value"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.RegisterDriver(r.Context(), callerOf(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var b locationBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.UpdateLocation(r.Context(), callerOf(r), b.Lat, b.Lon); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetAvailability(w http.ResponseWriter, r *http.Request) {
	var b availabilityBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.SetAvailability(r.Context(), callerOf(r), b.Available); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var b rideBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Engine.RequestRide(r.Context(), callerOf(r), b.PickupLat, b.PickupLon, b.DestLat, b.DestLon, b.MaxFare)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (s *Server) handleSubmitOffer(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var b offerBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.SubmitOffer(r.Context(), callerOf(r), id, b.Fare, b.ETA); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleAcceptOffer(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var b acceptBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.AcceptOffer(r.Context(), callerOf(r), id, b.OfferIndex); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var b completeBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.CompleteRide(r.Context(), callerOf(r), id, b.Rating); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Engine.CancelRequest(r.Context(), callerOf(r), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.GetDriverInfo(pathPrincipal(r, "addr")))
}

func (s *Server) handleDriverHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.Engine.GetDriverHistory(pathPrincipal(r, "addr"))})
}

func (s *Server) handlePassengerHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.Engine.GetPassengerHistory(pathPrincipal(r, "addr"))})
}

func (s *Server) handleDriverAvailable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": s.Engine.IsDriverAvailable(pathPrincipal(r, "addr"))})
}

func (s *Server) handleDriverEligible(w http.ResponseWriter, r *http.Request) {
	// An unparsable id names no request, so the driver is not eligible.
	id, _ := requestID(r)
	writeJSON(w, http.StatusOK, map[string]bool{"eligible": s.Engine.IsDriverEligibleForOffer(pathPrincipal(r, "addr"), id)})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	id, _ := requestID(r)
	req, ok := s.Engine.GetRequest(id)
	if !ok {
		writeJSON(w, http.StatusOK, s.Engine.GetRequestInfo(id))
		return
	}
	writeJSON(w, http.StatusOK, struct {
		models.RideRequest
		State models.RideState `json:"state"`
	}{req, req.State()})
}

func (s *Server) handleListOffers(w http.ResponseWriter, r *http.Request) {
	id, _ := requestID(r)
	offers := s.Engine.GetOffers(id)
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, map[string][]models.Offer{"offers": offers})
}

func (s *Server) handleRideActive(w http.ResponseWriter, r *http.Request) {
	id, _ := requestID(r)
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.Engine.IsRequestActive(id)})
}

func (s *Server) handleRideCancellable(w http.ResponseWriter, r *http.Request) {
	id, _ := requestID(r)
	writeJSON(w, http.StatusOK, map[string]bool{"cancellable": s.Engine.IsRequestCancellable(pathPrincipal(r, "addr"), id)})
}

func (s *Server) handleBestOffer(w http.ResponseWriter, r *http.Request) {
	id, err := requestID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	best, err := s.Engine.BestOffer(r.Context(), callerOf(r), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.Ciphertext{"index": best.Index, "fare": best.Fare, "cost": best.Cost})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Engine.GetSystemStats())
}

func (s *Server) handleOperational(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"operational": s.Engine.IsSystemOperational()})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after, _ := strconv.ParseUint(q.Get("after"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	evs := s.Ledger.Events(after, limit)
	if evs == nil {
		evs = []models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "last_seq": s.Ledger.Seq()})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if err := s.Gateway.Halt(r.Context(), callerOf(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.Gateway.Resume(r.Context(), callerOf(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetBroker(w http.ResponseWriter, r *http.Request) {
	var b brokerBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Gateway.SetDisclosureBroker(r.Context(), callerOf(r), b.Broker); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRequestDisclosure(w http.ResponseWriter, r *http.Request) {
	var b disclosureBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.Gateway.RequestDisclosure(r.Context(), callerOf(r), b.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleCallKeyAuthority(w http.ResponseWriter, r *http.Request) {
	var b keyAuthorityBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Gateway.CallKeyAuthority(r.Context(), callerOf(r), b.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]byte{"response": out})
}

func (s *Server) handleGatewayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Gateway.Status())
}

func (s *Server) handlePausers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"count": s.Gateway.PauserCount(), "pausers": s.Gateway.Pausers()})
}

func (s *Server) handlePauserAt(w http.ResponseWriter, r *http.Request) {
	i, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		s.writeError(w, r, apperr.ErrIndexOutOfBounds)
		return
	}
	p, err := s.Gateway.PauserAt(i)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.Principal{"pauser": p})
}

func (s *Server) handlePauserCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": s.Gateway.IsPauseAuthorized(pathPrincipal(r, "addr"))})
}

func (s *Server) handleDisclosureAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": s.Gateway.IsDisclosureAllowed(pathPrincipal(r, "addr"))})
}

// handleEncrypt is the client-side encryption step for the clear
// backend. The new value is granted to the caller.
func (s *Server) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	var b encryptBody
	if err := decode(r, &b); err != nil {
		s.writeError(w, r, err)
		return
	}
	caller := callerOf(r)
	if caller.IsZero() {
		s.writeError(w, r, apperr.ErrNullPrincipal)
		return
	}
	ct, err := s.Encryptor.FromPlaintext(b.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Encryptor.Grant(ct, caller); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]models.Ciphertext{"ciphertext": ct})
}

var upgrader = websocket.Upgrader{}

// handleWS streams committed events involving {principal} until the
// client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p := pathPrincipal(r, "principal")
	if p.IsZero() {
		s.writeError(w, r, apperr.ErrNullPrincipal)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "principal", p, "error", err)
		return
	}
	s.WSReg.Add(p, conn)
	defer func() {
		s.WSReg.Remove(p, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
