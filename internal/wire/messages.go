// Package wire defines the control-channel envelopes exchanged with the
// decision service. Each envelope carries exactly one payload field.
package wire

import (
	"time"

	"github.com/smallbiznis/appguard-agent/internal/domain"
)

// Empty is a payload-less message body.
type Empty struct{}

// AuthorizationRequest enrolls the device using its installation code.
type AuthorizationRequest struct {
	UUID     string `json:"uuid"`
	Code     string `json:"code"`
	Category string `json:"category"`
	Type     string `json:"type"`
	TargetOS string `json:"target_os"`
}

// Authentication opens the authenticated session on an approved stream.
type Authentication struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
}

// ClientMessage is the device-to-service envelope.
type ClientMessage struct {
	AuthorizationRequest *AuthorizationRequest `json:"authorization_request,omitempty"`
	Authentication       *Authentication       `json:"authentication,omitempty"`
}

// DeviceAuthorized approves the device, optionally issuing credentials.
type DeviceAuthorized struct {
	AppID     *string `json:"app_id,omitempty"`
	AppSecret *string `json:"app_secret,omitempty"`
}

// UpdateTokenCommand pushes a fresh session token.
type UpdateTokenCommand struct {
	Token string `json:"token"`
}

// FirewallDefaults is the wire form of domain.FirewallDefaults.
type FirewallDefaults struct {
	Timeout *uint64       `json:"timeout,omitempty"`
	Policy  domain.Policy `json:"policy"`
	Cache   bool          `json:"cache"`
}

// ServerMessage is the service-to-device envelope.
type ServerMessage struct {
	DeviceAuthorized      *DeviceAuthorized   `json:"device_authorized,omitempty"`
	AuthorizationRejected *Empty              `json:"authorization_rejected,omitempty"`
	Heartbeat             *Empty              `json:"heartbeat,omitempty"`
	UpdateTokenCommand    *UpdateTokenCommand `json:"update_token_command,omitempty"`
	SetFirewallDefaults   *FirewallDefaults   `json:"set_firewall_defaults,omitempty"`
	DeviceDeauthorized    *Empty              `json:"device_deauthorized,omitempty"`
}

// PayloadCount reports how many payload fields are populated.
func (m *ServerMessage) PayloadCount() int {
	if m == nil {
		return 0
	}
	count := 0
	for _, set := range []bool{
		m.DeviceAuthorized != nil,
		m.AuthorizationRejected != nil,
		m.Heartbeat != nil,
		m.UpdateTokenCommand != nil,
		m.SetFirewallDefaults != nil,
		m.DeviceDeauthorized != nil,
	} {
		if set {
			count++
		}
	}
	return count
}

// FirewallDefaultsRequest asks the service for the current defaults.
type FirewallDefaultsRequest struct {
	Token string `json:"token"`
}

// ToDomain converts the wire defaults.
func (f FirewallDefaults) ToDomain() domain.FirewallDefaults {
	return domain.FirewallDefaults{
		Timeout:      domain.TimeoutFromMillis(f.Timeout),
		Policy:       f.Policy,
		CacheEnabled: f.Cache,
	}
}

// FromDomain converts domain defaults to the wire form.
func FromDomain(d domain.FirewallDefaults) FirewallDefaults {
	out := FirewallDefaults{Policy: d.Policy, Cache: d.CacheEnabled}
	if d.Timeout != nil {
		ms := uint64(*d.Timeout / time.Millisecond)
		out.Timeout = &ms
	}
	return out
}
