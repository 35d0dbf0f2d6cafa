package models

import (
	"strings"
	"time"
)

// Principal identifies a caller. It is never encrypted.
type Principal string

const zeroAddress = "0x0000000000000000000000000000000000000000"

// IsZero reports whether p is the null principal.
func (p Principal) IsZero() bool {
	s := strings.TrimSpace(string(p))
	return s == "" || strings.EqualFold(s, zeroAddress)
}

func (p Principal) String() string { return string(p) }

// Ciphertext is an opaque value as seen by everything except the
// encryption backend.
type Ciphertext []byte

func (c Ciphertext) Empty() bool { return len(c) == 0 }

type Driver struct {
	Principal    Principal  `json:"principal"`
	Registered   bool       `json:"registered"`
	Available    bool       `json:"available"`
	TotalRides   uint64     `json:"total_rides"`
	RegisteredAt time.Time  `json:"registered_at"`
	Lat          Ciphertext `json:"lat,omitempty"`
	Lon          Ciphertext `json:"lon,omitempty"`
	Rating       Ciphertext `json:"rating,omitempty"`
}

type Offer struct {
	Driver       Principal  `json:"driver"`
	Fare         Ciphertext `json:"fare"`
	ETA          Ciphertext `json:"eta"`
	WithinBudget Ciphertext `json:"within_budget"` // opaque bool: fare <= max fare
	SubmittedAt  time.Time  `json:"submitted_at"`
}

type RideRequest struct {
	ID             uint64     `json:"id"`
	Passenger      Principal  `json:"passenger"`
	PickupLat      Ciphertext `json:"pickup_lat"`
	PickupLon      Ciphertext `json:"pickup_lon"`
	DestLat        Ciphertext `json:"dest_lat"`
	DestLon        Ciphertext `json:"dest_lon"`
	MaxFare        Ciphertext `json:"max_fare"`
	AssignedDriver Principal  `json:"assigned_driver,omitempty"`
	AgreedFare     Ciphertext `json:"agreed_fare,omitempty"`
	Completed      bool       `json:"completed"`
	Cancelled      bool       `json:"cancelled"`
	RequestedAt    time.Time  `json:"requested_at"`
	Offers         []Offer    `json:"offers"`
}

// RideState is derived from the plaintext flags of a RideRequest.
type RideState string

const (
	RideOpen      RideState = "open"
	RideAssigned  RideState = "assigned"
	RideCompleted RideState = "completed"
	RideCancelled RideState = "cancelled"
)

func (r *RideRequest) State() RideState {
	switch {
	case r.Completed:
		return RideCompleted
	case r.Cancelled:
		return RideCancelled
	case !r.AssignedDriver.IsZero():
		return RideAssigned
	default:
		return RideOpen
	}
}

// Terminal reports whether no further transition is possible.
func (r *RideRequest) Terminal() bool { return r.Completed || r.Cancelled }

// DriverInfo is the public view of a Driver.
type DriverInfo struct {
	Principal    Principal `json:"principal"`
	Registered   bool      `json:"registered"`
	Available    bool      `json:"available"`
	TotalRides   uint64    `json:"total_rides"`
	RegisteredAt time.Time `json:"registered_at"`
	HasLocation  bool      `json:"has_location"`
}

// RequestInfo is the public view of a RideRequest.
type RequestInfo struct {
	ID             uint64    `json:"id"`
	Passenger      Principal `json:"passenger"`
	AssignedDriver Principal `json:"assigned_driver,omitempty"`
	State          RideState `json:"state"`
	Completed      bool      `json:"completed"`
	Cancelled      bool      `json:"cancelled"`
	RequestedAt    time.Time `json:"requested_at"`
	OfferCount     int       `json:"offer_count"`
}

type SystemStats struct {
	TotalDrivers  uint64 `json:"total_drivers"`
	TotalRequests uint64 `json:"total_requests"`
	Operational   bool   `json:"operational"`
}

type GatewayStatus struct {
	Halted                     bool `json:"halted"`
	AuthorityCount             int  `json:"authority_count"`
	KeyAuthorityConfigured     bool `json:"key_authority_configured"`
	DisclosureBrokerConfigured bool `json:"disclosure_broker_configured"`
}
