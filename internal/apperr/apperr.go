// Package apperr defines the symbolic failures returned by the gateway
// and the dispatch engine. Every failure carries a stable Code that
// callers can branch on, a Kind that groups codes by cause, and a
// human-readable message.
package apperr

import (
	stderrors "errors"
)

type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindState         Kind = "state"
	KindInput         Kind = "input"
	KindForwarding    Kind = "forwarding"
)

type Code string

type Error struct {
	Code    Code   `json:"code"`
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// Is matches on Code so wrapped copies still compare equal to the
// sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newErr(kind Kind, code Code, msg string) *Error {
	return &Error{Code: code, Kind: kind, Message: msg}
}

// Authorization.
var (
	ErrNotAuthorized     = newErr(KindAuthorization, "NotAuthorized", "caller is not a pause authority")
	ErrNotOwner          = newErr(KindAuthorization, "NotOwner", "caller is not the gateway owner")
	ErrNotYourRequest    = newErr(KindAuthorization, "NotYourRequest", "caller is not the passenger of this request")
	ErrNotAssignedDriver = newErr(KindAuthorization, "NotAssignedDriver", "caller is not the driver assigned to this request")
)

// State preconditions.
var (
	ErrSystemPaused         = newErr(KindState, "SystemPaused", "system is paused")
	ErrNotOperational       = newErr(KindState, "NotOperational", "gateway is halted")
	ErrAlreadyRegistered    = newErr(KindState, "AlreadyRegistered", "driver already registered")
	ErrDriverNotRegistered  = newErr(KindState, "DriverNotRegistered", "driver not registered")
	ErrDriverNotAvailable   = newErr(KindState, "DriverNotAvailable", "driver not available")
	ErrRequestNotActive     = newErr(KindState, "RequestNotActive", "request is not active")
	ErrAlreadyAssigned      = newErr(KindState, "AlreadyAssigned", "request already has a driver")
	ErrCannotCancelAssigned = newErr(KindState, "CannotCancelAssigned", "assigned requests cannot be cancelled")
	ErrTooManyOffers        = newErr(KindState, "TooManyOffers", "offer limit reached for this request")
	ErrAlreadyHalted        = newErr(KindState, "AlreadyHalted", "gateway already halted")
	ErrNotHalted            = newErr(KindState, "NotHalted", "gateway is not halted")
)

// Input validation.
var (
	ErrInvalidRequest      = newErr(KindInput, "InvalidRequest", "unknown ride request")
	ErrInvalidOfferIndex   = newErr(KindInput, "InvalidOfferIndex", "offer index out of range")
	ErrInvalidRating       = newErr(KindInput, "InvalidRating", "rating outside 0..100")
	ErrEmptyCiphertext     = newErr(KindInput, "EmptyCiphertext", "ciphertext is empty")
	ErrInvalidCiphertext   = newErr(KindInput, "InvalidCiphertext", "ciphertext unknown to the backend or not readable by the caller")
	ErrEmptyData           = newErr(KindInput, "EmptyData", "data is empty")
	ErrEmptyValue          = newErr(KindInput, "EmptyValue", "value is empty")
	ErrEmptyPayload        = newErr(KindInput, "EmptyPayload", "payload is empty")
	ErrIndexOutOfBounds    = newErr(KindInput, "IndexOutOfBounds", "index out of bounds")
	ErrNullPrincipal       = newErr(KindInput, "NullPrincipal", "principal is null")
	ErrDuplicatePrincipal  = newErr(KindInput, "DuplicatePrincipal", "principal listed twice")
	ErrEmptyAuthorityList  = newErr(KindInput, "EmptyAuthorityList", "authority list is empty")
	ErrInvalidAuthoritySet = newErr(KindInput, "InvalidAuthoritySet", "authority set is nil")
	ErrInvalidKeyAuthority = newErr(KindInput, "InvalidKeyAuthority", "key authority is null")
	ErrInvalidBroker       = newErr(KindInput, "InvalidBroker", "disclosure broker is null")
)

// Forwarding.
var (
	ErrForwardingFailed       = newErr(KindForwarding, "ForwardingFailed", "disclosure broker call failed")
	ErrKeyAuthorityCallFailed = newErr(KindForwarding, "KeyAuthorityCallFailed", "key authority call failed")
	ErrDisclosureBrokerNotSet = newErr(KindForwarding, "DisclosureBrokerNotSet", "no disclosure broker configured")
)

// As returns the *Error somewhere in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the symbolic code of err, or "" for foreign errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}
