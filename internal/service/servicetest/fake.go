// Package servicetest provides in-memory fakes of the decision service for tests.
package servicetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/service"
)

// ErrNoDefaults is returned by FirewallDefaults when none are configured.
var ErrNoDefaults = errors.New("servicetest: no firewall defaults configured")

// Behavior controls how the fake responds.
type Behavior struct {
	Latency        time.Duration
	TCPErr         error
	RequestErr     error
	ResponseErr    error
	RequestPolicy  domain.Policy
	ResponsePolicy domain.Policy
	Defaults       *domain.FirewallDefaults
	DefaultsErr    error
	OpenErr        error
}

// FakeService implements service.DecisionService.
type FakeService struct {
	mu       sync.Mutex
	behavior Behavior
	calls    map[string]int
	requests []domain.HTTPRequest
	tcp      []domain.TCPConnection
	streams  chan *FakeStream
}

var _ service.DecisionService = (*FakeService)(nil)

// NewFakeService returns a fake that allows everything with no latency.
func NewFakeService() *FakeService {
	return &FakeService{
		calls:   make(map[string]int),
		streams: make(chan *FakeStream, 16),
	}
}

// Configure mutates the behavior under lock.
func (f *FakeService) Configure(fn func(*Behavior)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.behavior)
}

// Calls returns how often the named method ran.
func (f *FakeService) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// HTTPRequests returns the request descriptors received so far.
func (f *FakeService) HTTPRequests() []domain.HTTPRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.HTTPRequest(nil), f.requests...)
}

// TCPConnections returns the connection descriptors received so far.
func (f *FakeService) TCPConnections() []domain.TCPConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TCPConnection(nil), f.tcp...)
}

// NextStream waits for the next control stream opened by the agent.
func (f *FakeService) NextStream(t testing.TB, timeout time.Duration) *FakeStream {
	t.Helper()
	select {
	case s := <-f.streams:
		return s
	case <-time.After(timeout):
		t.Fatalf("no control stream opened within %s", timeout)
		return nil
	}
}

func (f *FakeService) begin(method string) Behavior {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	return f.behavior
}

func (f *FakeService) ControlChannel(ctx context.Context) (service.ControlStream, error) {
	b := f.begin("ControlChannel")
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	s := newFakeStream(ctx)
	f.streams <- s
	return s, nil
}

func (f *FakeService) HandleTCPConnection(ctx context.Context, conn domain.TCPConnection) (domain.TCPResponse, error) {
	b := f.begin("HandleTCPConnection")
	f.mu.Lock()
	f.tcp = append(f.tcp, conn)
	f.mu.Unlock()
	if err := wait(ctx, b.Latency); err != nil {
		return domain.TCPResponse{}, err
	}
	if b.TCPErr != nil {
		return domain.TCPResponse{}, b.TCPErr
	}
	echoed := conn
	return domain.TCPResponse{TCPInfo: &domain.TCPInfo{Connection: &echoed, TCPID: 42}}, nil
}

func (f *FakeService) HandleHTTPRequest(ctx context.Context, req domain.HTTPRequest) (domain.DecisionResponse, error) {
	b := f.begin("HandleHTTPRequest")
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if err := wait(ctx, b.Latency); err != nil {
		return domain.DecisionResponse{}, err
	}
	if b.RequestErr != nil {
		return domain.DecisionResponse{}, b.RequestErr
	}
	return domain.DecisionResponse{Policy: b.RequestPolicy}, nil
}

func (f *FakeService) HandleHTTPResponse(ctx context.Context, resp domain.HTTPResponse) (domain.DecisionResponse, error) {
	b := f.begin("HandleHTTPResponse")
	if err := wait(ctx, b.Latency); err != nil {
		return domain.DecisionResponse{}, err
	}
	if b.ResponseErr != nil {
		return domain.DecisionResponse{}, b.ResponseErr
	}
	return domain.DecisionResponse{Policy: b.ResponsePolicy}, nil
}

func (f *FakeService) FirewallDefaults(ctx context.Context, token string) (domain.FirewallDefaults, error) {
	b := f.begin("FirewallDefaults")
	if b.DefaultsErr != nil {
		return domain.FirewallDefaults{}, b.DefaultsErr
	}
	if b.Defaults == nil {
		return domain.FirewallDefaults{}, ErrNoDefaults
	}
	return *b.Defaults, nil
}

func wait(ctx context.Context, latency time.Duration) error {
	if latency <= 0 {
		return nil
	}
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
