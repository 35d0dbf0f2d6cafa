package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/private-dispatch/internal/apperr"
	"github.com/example/private-dispatch/internal/models"
)

const principalHeader = "X-Principal"

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindState:
		return http.StatusConflict
	case apperr.KindInput:
		return http.StatusBadRequest
	case apperr.KindForwarding:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Code: "Internal", Message: "internal error"}
	if e, ok := apperr.As(err); ok {
		body = errorBody{Code: e.Code, Kind: e.Kind, Message: err.Error()}
	} else {
		s.logger.Error("unhandled error", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, statusFor(body.Kind), body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func malformed(err error) error {
	return &apperr.Error{Code: "MalformedBody", Kind: apperr.KindInput, Message: err.Error()}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return malformed(err)
	}
	return nil
}

func callerOf(r *http.Request) models.Principal {
	return models.Principal(strings.TrimSpace(r.Header.Get(principalHeader)))
}

func pathPrincipal(r *http.Request, name string) models.Principal {
	return models.Principal(mux.Vars(r)[name])
}

// requestID parses the {id} path variable. Ids that cannot name a
// request are reported as unknown requests.
func requestID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, apperr.ErrInvalidRequest
	}
	return id, nil
}
