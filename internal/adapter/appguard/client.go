// Package appguard is the gRPC client for the AppGuard decision service.
package appguard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/service"
	"github.com/smallbiznis/appguard-agent/internal/wire"
)

const (
	serviceName = "appguard.AppGuard"

	methodControlChannel      = "/" + serviceName + "/ControlChannel"
	methodHandleTCPConnection = "/" + serviceName + "/HandleTcpConnection"
	methodHandleHTTPRequest   = "/" + serviceName + "/HandleHttpRequest"
	methodHandleHTTPResponse  = "/" + serviceName + "/HandleHttpResponse"
	methodFirewallDefaults    = "/" + serviceName + "/FirewallDefaultsRequest"

	// DefaultConnectTimeout bounds the initial connection attempt.
	DefaultConnectTimeout = 10 * time.Second
)

var controlChannelDesc = grpc.StreamDesc{
	StreamName:    "ControlChannel",
	ServerStreams: true,
	ClientStreams: true,
}

// ErrNotReady is returned when the connection never became ready.
var ErrNotReady = errors.New("appguard: connection not ready")

// Options configures Dial.
type Options struct {
	Host           string
	Port           int
	TLS            bool
	ConnectTimeout time.Duration
	Logger         *zap.Logger
}

// Client talks to the decision service over a single gRPC connection.
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

var _ service.DecisionService = (*Client)(nil)

// Dial connects to host:port and waits until the connection is ready.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.Host == "" {
		return nil, errors.New("appguard: host is required")
	}
	target := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	return DialTarget(ctx, target, opts)
}

// DialTarget connects to an arbitrary gRPC target. Extra dial options are
// appended after the transport credentials.
func DialTarget(ctx context.Context, target string, opts Options, extra ...grpc.DialOption) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	creds := insecure.NewCredentials()
	if opts.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, extra...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("appguard: dial %s: %w", target, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := waitReady(connectCtx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("appguard: connect %s: %w", target, err)
	}

	logger.Info("connected to decision service", zap.String("target", target), zap.Bool("tls", opts.TLS))
	return &Client{conn: conn, logger: logger}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return ErrNotReady
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("%w: last state %s", ErrNotReady, state)
		}
	}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ControlChannel opens the bidirectional control stream.
func (c *Client) ControlChannel(ctx context.Context) (service.ControlStream, error) {
	stream, err := c.conn.NewStream(ctx, &controlChannelDesc, methodControlChannel)
	if err != nil {
		return nil, fmt.Errorf("appguard: open control channel: %w", err)
	}
	return &controlStream{stream: stream}, nil
}

func (c *Client) HandleTCPConnection(ctx context.Context, conn domain.TCPConnection) (domain.TCPResponse, error) {
	var out domain.TCPResponse
	if err := c.conn.Invoke(ctx, methodHandleTCPConnection, &conn, &out); err != nil {
		return domain.TCPResponse{}, fmt.Errorf("appguard: handle tcp connection: %w", err)
	}
	return out, nil
}

func (c *Client) HandleHTTPRequest(ctx context.Context, req domain.HTTPRequest) (domain.DecisionResponse, error) {
	var out domain.DecisionResponse
	if err := c.conn.Invoke(ctx, methodHandleHTTPRequest, &req, &out); err != nil {
		return domain.DecisionResponse{}, fmt.Errorf("appguard: handle http request: %w", err)
	}
	return out, nil
}

func (c *Client) HandleHTTPResponse(ctx context.Context, resp domain.HTTPResponse) (domain.DecisionResponse, error) {
	var out domain.DecisionResponse
	if err := c.conn.Invoke(ctx, methodHandleHTTPResponse, &resp, &out); err != nil {
		return domain.DecisionResponse{}, fmt.Errorf("appguard: handle http response: %w", err)
	}
	return out, nil
}

func (c *Client) FirewallDefaults(ctx context.Context, token string) (domain.FirewallDefaults, error) {
	var out wire.FirewallDefaults
	if err := c.conn.Invoke(ctx, methodFirewallDefaults, &wire.FirewallDefaultsRequest{Token: token}, &out); err != nil {
		return domain.FirewallDefaults{}, fmt.Errorf("appguard: firewall defaults: %w", err)
	}
	return out.ToDomain(), nil
}

type controlStream struct {
	stream grpc.ClientStream
}

func (s *controlStream) Send(msg *wire.ClientMessage) error {
	return s.stream.SendMsg(msg)
}

func (s *controlStream) Recv() (*wire.ServerMessage, error) {
	msg := new(wire.ServerMessage)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *controlStream) CloseSend() error {
	return s.stream.CloseSend()
}
