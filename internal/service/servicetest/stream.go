package servicetest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/appguard-agent/internal/wire"
)

type inbound struct {
	msg *wire.ServerMessage
	err error
}

// FakeStream is a scripted control stream. Tests push server messages and
// inspect what the agent sent.
type FakeStream struct {
	ctx        context.Context
	inbound    chan inbound
	sent       chan *wire.ClientMessage
	sendClosed atomic.Bool
}

func newFakeStream(ctx context.Context) *FakeStream {
	return &FakeStream{
		ctx:     ctx,
		inbound: make(chan inbound, 64),
		sent:    make(chan *wire.ClientMessage, 64),
	}
}

// Push queues a server message.
func (s *FakeStream) Push(msg *wire.ServerMessage) {
	s.inbound <- inbound{msg: msg}
}

// Fail makes the next Recv return err after queued messages drain.
func (s *FakeStream) Fail(err error) {
	s.inbound <- inbound{err: err}
}

// NextSent waits for the next client message.
func (s *FakeStream) NextSent(t testing.TB, timeout time.Duration) *wire.ClientMessage {
	t.Helper()
	select {
	case msg := <-s.sent:
		return msg
	case <-time.After(timeout):
		t.Fatalf("no client message sent within %s", timeout)
		return nil
	}
}

// SendClosed reports whether the agent half-closed the stream.
func (s *FakeStream) SendClosed() bool {
	return s.sendClosed.Load()
}

// Done is closed when the stream's context ends.
func (s *FakeStream) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *FakeStream) Send(msg *wire.ClientMessage) error {
	if s.sendClosed.Load() {
		return errors.New("servicetest: send on closed stream")
	}
	select {
	case s.sent <- msg:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *FakeStream) Recv() (*wire.ServerMessage, error) {
	select {
	case in := <-s.inbound:
		return in.msg, in.err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *FakeStream) CloseSend() error {
	s.sendClosed.Store(true)
	return nil
}

// Helpers building server messages.

func Heartbeat() *wire.ServerMessage {
	return &wire.ServerMessage{Heartbeat: &wire.Empty{}}
}

func Authorized(appID, appSecret *string) *wire.ServerMessage {
	return &wire.ServerMessage{DeviceAuthorized: &wire.DeviceAuthorized{AppID: appID, AppSecret: appSecret}}
}

func Rejected() *wire.ServerMessage {
	return &wire.ServerMessage{AuthorizationRejected: &wire.Empty{}}
}

func UpdateToken(token string) *wire.ServerMessage {
	return &wire.ServerMessage{UpdateTokenCommand: &wire.UpdateTokenCommand{Token: token}}
}

func SetDefaults(d wire.FirewallDefaults) *wire.ServerMessage {
	return &wire.ServerMessage{SetFirewallDefaults: &d}
}

func Deauthorized() *wire.ServerMessage {
	return &wire.ServerMessage{DeviceDeauthorized: &wire.Empty{}}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
