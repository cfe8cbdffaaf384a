package service

import (
	"context"

	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/wire"
)

// ControlStream is the bidirectional control-channel stream. A single
// goroutine reads from it; sends are serialized by the caller.
type ControlStream interface {
	Send(msg *wire.ClientMessage) error
	Recv() (*wire.ServerMessage, error)
	// CloseSend half-closes the outbound side. The service treats this as
	// the end of the session.
	CloseSend() error
}

// DecisionService is the remote firewall decision service.
type DecisionService interface {
	ControlChannel(ctx context.Context) (ControlStream, error)
	HandleTCPConnection(ctx context.Context, conn domain.TCPConnection) (domain.TCPResponse, error)
	HandleHTTPRequest(ctx context.Context, req domain.HTTPRequest) (domain.DecisionResponse, error)
	HandleHTTPResponse(ctx context.Context, resp domain.HTTPResponse) (domain.DecisionResponse, error)
	FirewallDefaults(ctx context.Context, token string) (domain.FirewallDefaults, error)
}
