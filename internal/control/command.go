package control

import (
	"fmt"

	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/wire"
)

// Command is an inbound control message. The set of variants is closed.
type Command interface {
	Kind() string
	command()
}

type UpdateToken struct {
	Token string
}

type Heartbeat struct{}

type SetFirewallDefaults struct {
	Defaults domain.FirewallDefaults
}

type DeviceDeauthorized struct{}

// DeviceAuthorized and AuthorizationRejected are only valid during the
// authorization handshake.
type DeviceAuthorized struct {
	AppID     *string
	AppSecret *string
}

type AuthorizationRejected struct{}

func (UpdateToken) Kind() string           { return "update_token" }
func (Heartbeat) Kind() string             { return "heartbeat" }
func (SetFirewallDefaults) Kind() string   { return "set_firewall_defaults" }
func (DeviceDeauthorized) Kind() string    { return "device_deauthorized" }
func (DeviceAuthorized) Kind() string      { return "device_authorized" }
func (AuthorizationRejected) Kind() string { return "authorization_rejected" }

func (UpdateToken) command()           {}
func (Heartbeat) command()             {}
func (SetFirewallDefaults) command()   {}
func (DeviceDeauthorized) command()    {}
func (DeviceAuthorized) command()      {}
func (AuthorizationRejected) command() {}

// Decode maps a server envelope to its command. Envelopes must carry
// exactly one payload.
func Decode(msg *wire.ServerMessage) (Command, error) {
	if n := msg.PayloadCount(); n != 1 {
		return nil, fmt.Errorf("%w: envelope carries %d payloads", domain.ErrMalformedMessage, n)
	}
	switch {
	case msg.DeviceAuthorized != nil:
		return DeviceAuthorized{AppID: msg.DeviceAuthorized.AppID, AppSecret: msg.DeviceAuthorized.AppSecret}, nil
	case msg.AuthorizationRejected != nil:
		return AuthorizationRejected{}, nil
	case msg.Heartbeat != nil:
		return Heartbeat{}, nil
	case msg.UpdateTokenCommand != nil:
		return UpdateToken{Token: msg.UpdateTokenCommand.Token}, nil
	case msg.SetFirewallDefaults != nil:
		return SetFirewallDefaults{Defaults: msg.SetFirewallDefaults.ToDomain()}, nil
	default:
		return DeviceDeauthorized{}, nil
	}
}
