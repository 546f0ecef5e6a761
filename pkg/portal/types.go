// Package portal defines the wire model shared between the backstage broker
// and the on-site agent: guest authorisation requests flowing down to the
// agent, and gateway authorisation outcomes flowing back up.
package portal

import (
	"errors"
	"strings"
)

// AuthorisationRequest identifies a guest device awaiting network access.
// At least one of (MACAddress & AccessPointMACAddress) or IP must be set.
// Requests are immutable once registered; ID() is the correlation key used
// across the broker, the agent's dedup set and outcome notifications.
type AuthorisationRequest struct {
	MACAddress            string `json:"macAddress"`
	AccessPointMACAddress string `json:"accessPointMacAddress"`
	SiteIdentifier        string `json:"siteIdentifier"`
	IP                    string `json:"ip"`
	Timestamp             int64  `json:"timestamp"`
}

// ID returns the deterministic correlation key for this request. Absent
// fields contribute an empty string so the key shape is stable.
func (r AuthorisationRequest) ID() string {
	return RequestID(r.MACAddress, r.AccessPointMACAddress, r.IP, r.SiteIdentifier)
}

// RequestID builds the correlation key from the raw identity fields.
func RequestID(macAddress, accessPointMacAddress, ip, siteIdentifier string) string {
	return strings.Join([]string{macAddress, accessPointMacAddress, ip, siteIdentifier}, ":")
}

// HasMACIdentity reports whether both device and access point MAC addresses
// are present, i.e. the gateway can be called without IP resolution.
func (r AuthorisationRequest) HasMACIdentity() bool {
	return r.MACAddress != "" && r.AccessPointMACAddress != ""
}

var (
	// ErrMissingIdentity is returned when neither a MAC pair nor an IP is
	// present on a request.
	ErrMissingIdentity = errors.New("the MAC address, access point MAC address and IP address are all missing")

	// ErrPartialMACPair is returned when only one of the two MAC addresses
	// was supplied and no IP is available to fall back on.
	ErrPartialMACPair = errors.New("if either MAC address is provided, the other MAC address is also necessary")
)

// Validate checks that the request carries enough identity to ever be
// authorised. A partial MAC pair without an IP is rejected outright rather
// than wasting a gateway round trip.
func (r AuthorisationRequest) Validate() error {
	if r.MACAddress == "" && r.AccessPointMACAddress == "" && r.IP == "" {
		return ErrMissingIdentity
	}
	if r.IP == "" && !r.HasMACIdentity() {
		return ErrPartialMACPair
	}
	return nil
}

// OutcomeStatus is the terminal status of an authorisation attempt.
type OutcomeStatus string

const (
	// OutcomeSuccess means the gateway accepted the authorize-guest command.
	OutcomeSuccess OutcomeStatus = "SUCCESS"
	// OutcomeFailed means the authorisation could not be completed.
	OutcomeFailed OutcomeStatus = "FAILED"
)

// AuthorisationOutcome is produced exactly once per request ID, either by
// the agent's executor or synthesised by the broker on timeout. Message is
// only populated on failure.
type AuthorisationOutcome struct {
	Request AuthorisationRequest `json:"request"`
	Outcome OutcomeStatus        `json:"outcome"`
	Message string               `json:"message,omitempty"`
}

// Success builds a successful outcome for a request.
func Success(request AuthorisationRequest) AuthorisationOutcome {
	return AuthorisationOutcome{Request: request, Outcome: OutcomeSuccess}
}

// Failure builds a failed outcome carrying a user-presentable message.
func Failure(request AuthorisationRequest, message string) AuthorisationOutcome {
	return AuthorisationOutcome{Request: request, Outcome: OutcomeFailed, Message: message}
}
