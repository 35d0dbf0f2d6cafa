// Package httpapi exposes the gateway and the dispatch engine over
// HTTP and streams committed events over websockets.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/private-dispatch/internal/dispatch"
	"github.com/example/private-dispatch/internal/gateway"
	"github.com/example/private-dispatch/internal/ledger"
	"github.com/example/private-dispatch/internal/opaque"
)

type Server struct {
	Engine  *dispatch.Engine
	Gateway *gateway.Gateway
	Ledger  *ledger.Ledger
	WSReg   *dispatch.WSRegistry
	// Encryptor backs /v1/opaque/encrypt. Leave nil for backends whose
	// values must be produced client-side.
	Encryptor opaque.Backend

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *dispatch.Engine, gw *gateway.Gateway, l *ledger.Ledger, ws *dispatch.WSRegistry, enc opaque.Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:    engine,
		Gateway:   gw,
		Ledger:    l,
		WSReg:     ws,
		Encryptor: enc,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.mux

	r.HandleFunc("/v1/drivers/register", s.handleRegisterDriver).Methods(http.MethodPost)
	r.HandleFunc("/v1/drivers/location", s.handleUpdateLocation).Methods(http.MethodPost)
	r.HandleFunc("/v1/drivers/availability", s.handleSetAvailability).Methods(http.MethodPost)
	r.HandleFunc("/v1/drivers/{addr}", s.handleGetDriver).Methods(http.MethodGet)
	r.HandleFunc("/v1/drivers/{addr}/history", s.handleDriverHistory).Methods(http.MethodGet)
	r.HandleFunc("/v1/drivers/{addr}/available", s.handleDriverAvailable).Methods(http.MethodGet)
	r.HandleFunc("/v1/drivers/{addr}/eligible/{id}", s.handleDriverEligible).Methods(http.MethodGet)
	r.HandleFunc("/v1/passengers/{addr}/history", s.handlePassengerHistory).Methods(http.MethodGet)

	r.HandleFunc("/v1/rides", s.handleRequestRide).Methods(http.MethodPost)
	r.HandleFunc("/v1/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	r.HandleFunc("/v1/rides/{id}/offers", s.handleSubmitOffer).Methods(http.MethodPost)
	r.HandleFunc("/v1/rides/{id}/offers", s.handleListOffers).Methods(http.MethodGet)
	r.HandleFunc("/v1/rides/{id}/accept", s.handleAcceptOffer).Methods(http.MethodPost)
	r.HandleFunc("/v1/rides/{id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	r.HandleFunc("/v1/rides/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/rides/{id}/active", s.handleRideActive).Methods(http.MethodGet)
	r.HandleFunc("/v1/rides/{id}/cancellable/{addr}", s.handleRideCancellable).Methods(http.MethodGet)
	r.HandleFunc("/v1/rides/{id}/best-offer", s.handleBestOffer).Methods(http.MethodGet)

	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/operational", s.handleOperational).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", s.handleEvents).Methods(http.MethodGet)

	r.HandleFunc("/v1/gateway/halt", s.handleHalt).Methods(http.MethodPost)
	r.HandleFunc("/v1/gateway/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/v1/gateway/disclosure-broker", s.handleSetBroker).Methods(http.MethodPost)
	r.HandleFunc("/v1/gateway/disclosures", s.handleRequestDisclosure).Methods(http.MethodPost)
	r.HandleFunc("/v1/gateway/key-authority", s.handleCallKeyAuthority).Methods(http.MethodPost)
	r.HandleFunc("/v1/gateway/status", s.handleGatewayStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/gateway/pausers", s.handlePausers).Methods(http.MethodGet)
	r.HandleFunc("/v1/gateway/pausers/check/{addr}", s.handlePauserCheck).Methods(http.MethodGet)
	r.HandleFunc("/v1/gateway/pausers/{index}", s.handlePauserAt).Methods(http.MethodGet)
	r.HandleFunc("/v1/gateway/disclosure-allowed/{addr}", s.handleDisclosureAllowed).Methods(http.MethodGet)

	if s.Encryptor != nil {
		r.HandleFunc("/v1/opaque/encrypt", s.handleEncrypt).Methods(http.MethodPost)
	}

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/ws/{principal}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }
