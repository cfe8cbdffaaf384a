package control_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/control"
	"github.com/smallbiznis/appguard-agent/internal/device"
	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/repository"
	"github.com/smallbiznis/appguard-agent/internal/service/servicetest"
	"github.com/smallbiznis/appguard-agent/internal/token"
	"github.com/smallbiznis/appguard-agent/internal/wire"
)

const wait = 2 * time.Second

type fakeRuntime struct {
	mu      sync.Mutex
	applied []domain.FirewallDefaults
	deauths int
}

func (r *fakeRuntime) ApplyDefaults(d domain.FirewallDefaults) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, d)
}

func (r *fakeRuntime) Deauthorize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deauths++
}

func (r *fakeRuntime) snapshot() ([]domain.FirewallDefaults, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FirewallDefaults(nil), r.applied...), r.deauths
}

type harness struct {
	svc     *servicetest.FakeService
	store   *repository.MemorySecretStore
	tokens  *token.Provider
	runtime *fakeRuntime
	channel *control.Channel
}

func newHarness(t *testing.T, identity control.IdentityFunc) *harness {
	t.Helper()
	if identity == nil {
		identity = func() (device.Identity, error) {
			return device.Identity{UUID: "0f8fad5b-d9cb-469f-a165-70867728950e", Type: "Linux", TargetOS: "linux"}, nil
		}
	}
	h := &harness{
		svc:     servicetest.NewFakeService(),
		store:   repository.NewMemorySecretStore(),
		tokens:  token.NewProvider(token.WithPollInterval(10 * time.Millisecond)),
		runtime: &fakeRuntime{},
	}
	ch, err := control.New(control.Config{
		InstallationCode: "INSTALL-42",
		TokenWaitTimeout: 500 * time.Millisecond,
		MinBackoff:       10 * time.Millisecond,
		MaxBackoff:       40 * time.Millisecond,
	}, control.Params{
		Service:  h.svc,
		Store:    h.store,
		Tokens:   h.tokens,
		Runtime:  h.runtime,
		Identity: identity,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	h.channel = ch
	t.Cleanup(ch.Stop)
	return h
}

func (h *harness) start(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.channel.Start(ctx) }()
	return errCh
}

// handshake drives a fresh stream through authorization and authentication.
func (h *harness) handshake(t *testing.T, appID, appSecret *string) *servicetest.FakeStream {
	t.Helper()
	stream := h.svc.NextStream(t, wait)
	req := stream.NextSent(t, wait)
	require.NotNil(t, req.AuthorizationRequest)
	stream.Push(servicetest.Authorized(appID, appSecret))
	auth := stream.NextSent(t, wait)
	require.NotNil(t, auth.Authentication)
	return stream
}

func secret(t *testing.T, store repository.SecretStore, kind domain.SecretKind) (string, bool) {
	t.Helper()
	v, ok, err := store.Get(context.Background(), kind)
	require.NoError(t, err)
	return v, ok
}

func TestHandshakePersistsIssuedCredentials(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())

	stream := h.svc.NextStream(t, wait)
	req := stream.NextSent(t, wait)
	require.Equal(t, &wire.AuthorizationRequest{
		UUID:     "0f8fad5b-d9cb-469f-a165-70867728950e",
		Code:     "INSTALL-42",
		Category: "AppGuard Client",
		Type:     "Linux",
		TargetOS: "linux",
	}, req.AuthorizationRequest)

	stream.Push(servicetest.Heartbeat())
	stream.Push(servicetest.Authorized(servicetest.Ptr("A"), servicetest.Ptr("S")))

	auth := stream.NextSent(t, wait)
	require.Equal(t, &wire.Authentication{AppID: "A", AppSecret: "S"}, auth.Authentication)
	require.NoError(t, <-errCh)
	require.Equal(t, control.StateStreaming, h.channel.State())
	require.False(t, stream.SendClosed())

	v, ok := secret(t, h.store, domain.SecretAppID)
	require.True(t, ok)
	require.Equal(t, "A", v)
	v, ok = secret(t, h.store, domain.SecretAppSecret)
	require.True(t, ok)
	require.Equal(t, "S", v)
}

func TestHandshakeUsesStoredCredentialsWhenNoneIssued(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Set(ctx, domain.SecretAppID, "pre-id"))
	require.NoError(t, h.store.Set(ctx, domain.SecretAppSecret, "pre-secret"))

	errCh := h.start(ctx)
	stream := h.svc.NextStream(t, wait)
	stream.NextSent(t, wait)
	stream.Push(servicetest.Authorized(nil, nil))

	auth := stream.NextSent(t, wait)
	require.Equal(t, &wire.Authentication{AppID: "pre-id", AppSecret: "pre-secret"}, auth.Authentication)
	require.NoError(t, <-errCh)
}

func TestHandshakeRejectionLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())

	stream := h.svc.NextStream(t, wait)
	stream.NextSent(t, wait)
	stream.Push(servicetest.Rejected())

	err := <-errCh
	require.ErrorIs(t, err, domain.ErrAuthorizationRejected)
	require.ErrorIs(t, h.channel.Wait(), domain.ErrAuthorizationRejected)
	require.Equal(t, control.StateTerminated, h.channel.State())

	for _, kind := range domain.SecretKinds {
		_, ok := secret(t, h.store, kind)
		require.False(t, ok, kind.String())
	}
	require.Equal(t, 1, h.svc.Calls("ControlChannel"))
}

func TestHandshakeFailures(t *testing.T) {
	t.Run("unexpected command", func(t *testing.T) {
		h := newHarness(t, nil)
		errCh := h.start(context.Background())
		stream := h.svc.NextStream(t, wait)
		stream.NextSent(t, wait)
		stream.Push(servicetest.UpdateToken("early"))
		require.ErrorIs(t, <-errCh, domain.ErrProtocolViolation)
	})

	t.Run("missing secrets", func(t *testing.T) {
		h := newHarness(t, nil)
		errCh := h.start(context.Background())
		stream := h.svc.NextStream(t, wait)
		stream.NextSent(t, wait)
		stream.Push(servicetest.Authorized(servicetest.Ptr("A"), nil))
		require.ErrorIs(t, <-errCh, domain.ErrSecretNotFound)
	})

	t.Run("stream unavailable", func(t *testing.T) {
		h := newHarness(t, nil)
		unreachable := errors.New("connection refused")
		h.svc.Configure(func(b *servicetest.Behavior) { b.OpenErr = unreachable })
		require.ErrorIs(t, h.channel.Start(context.Background()), unreachable)
	})

	t.Run("device identity", func(t *testing.T) {
		h := newHarness(t, func() (device.Identity, error) {
			return device.Identity{}, domain.ErrDeviceIdentity
		})
		require.ErrorIs(t, h.channel.Start(context.Background()), domain.ErrDeviceIdentity)
	})

	t.Run("server closes stream", func(t *testing.T) {
		h := newHarness(t, nil)
		errCh := h.start(context.Background())
		stream := h.svc.NextStream(t, wait)
		stream.NextSent(t, wait)
		stream.Fail(io.EOF)
		require.ErrorIs(t, <-errCh, control.ErrStreamClosed)
	})
}

func TestStreamingDispatchesCommandsInOrder(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())
	stream := h.handshake(t, servicetest.Ptr("A"), servicetest.Ptr("S"))
	require.NoError(t, <-errCh)

	stream.Push(servicetest.Heartbeat())
	stream.Push(servicetest.UpdateToken("tok-1"))
	stream.Push(servicetest.SetDefaults(wire.FirewallDefaults{Timeout: servicetest.Ptr(uint64(500)), Policy: domain.PolicyDeny, Cache: true}))
	stream.Push(servicetest.UpdateToken("tok-2"))

	require.Eventually(t, func() bool {
		tok, ok := h.tokens.Get()
		return ok && tok == "tok-2"
	}, wait, 5*time.Millisecond)

	applied, _ := h.runtime.snapshot()
	require.NotEmpty(t, applied)
	last := applied[len(applied)-1]
	require.Equal(t, domain.PolicyDeny, last.Policy)
	require.True(t, last.CacheEnabled)
	require.Equal(t, 500*time.Millisecond, *last.Timeout)

	_, ok := h.channel.Dispatcher().LastHeartbeat()
	require.True(t, ok)
}

func TestPostStartupFetchesDefaultsOnceTokenArrives(t *testing.T) {
	h := newHarness(t, nil)
	fetched := domain.FirewallDefaults{Policy: domain.PolicyDeny, CacheEnabled: true}
	h.svc.Configure(func(b *servicetest.Behavior) { b.Defaults = &fetched })

	errCh := h.start(context.Background())
	stream := h.handshake(t, servicetest.Ptr("A"), servicetest.Ptr("S"))
	require.NoError(t, <-errCh)

	stream.Push(servicetest.UpdateToken("tok-1"))

	require.Eventually(t, func() bool {
		applied, _ := h.runtime.snapshot()
		return len(applied) == 1
	}, wait, 5*time.Millisecond)
	applied, _ := h.runtime.snapshot()
	require.Equal(t, fetched, applied[0])
	require.Equal(t, 1, h.svc.Calls("FirewallDefaults"))
}

func TestPostStartupGivesUpWithoutToken(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())
	h.handshake(t, servicetest.Ptr("A"), servicetest.Ptr("S"))
	require.NoError(t, <-errCh)

	time.Sleep(700 * time.Millisecond)
	require.Zero(t, h.svc.Calls("FirewallDefaults"))
	require.Equal(t, control.StateStreaming, h.channel.State())
}

func TestMalformedMessageTriggersReconnect(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())
	first := h.handshake(t, servicetest.Ptr("A"), servicetest.Ptr("S"))
	require.NoError(t, <-errCh)

	first.Push(&wire.ServerMessage{})

	second := h.svc.NextStream(t, wait)
	req := second.NextSent(t, wait)
	require.NotNil(t, req.AuthorizationRequest)

	<-first.Done()
}

func TestProtocolViolationWhileStreamingReconnects(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())
	stream := h.handshake(t, servicetest.Ptr("A"), servicetest.Ptr("S"))
	require.NoError(t, <-errCh)

	stream.Push(servicetest.Authorized(nil, nil))

	second := h.svc.NextStream(t, wait)
	second.NextSent(t, wait)
	second.Push(servicetest.Authorized(nil, nil))
	second.NextSent(t, wait)

	second.Push(servicetest.UpdateToken("after-reconnect"))
	require.Eventually(t, func() bool {
		tok, ok := h.tokens.Get()
		return ok && tok == "after-reconnect"
	}, wait, 5*time.Millisecond)
}

func TestDeauthorizationReentersAuthorization(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())
	first := h.handshake(t, servicetest.Ptr("A"), servicetest.Ptr("S"))
	require.NoError(t, <-errCh)

	first.Push(servicetest.UpdateToken("tok-1"))
	first.Push(servicetest.Deauthorized())

	second := h.svc.NextStream(t, wait)
	req := second.NextSent(t, wait)
	require.NotNil(t, req.AuthorizationRequest)
	require.Equal(t, "INSTALL-42", req.AuthorizationRequest.Code)

	require.True(t, first.SendClosed())
	_, ok := secret(t, h.store, domain.SecretAppID)
	require.False(t, ok)
	_, ok = secret(t, h.store, domain.SecretAppSecret)
	require.False(t, ok)
	_, deauths := h.runtime.snapshot()
	require.Equal(t, 1, deauths)

	second.Push(servicetest.Authorized(servicetest.Ptr("A2"), servicetest.Ptr("S2")))
	auth := second.NextSent(t, wait)
	require.Equal(t, &wire.Authentication{AppID: "A2", AppSecret: "S2"}, auth.Authentication)

	require.Eventually(t, func() bool {
		return h.channel.State() == control.StateStreaming
	}, wait, 5*time.Millisecond)
}

func TestRejectionAfterDeauthorizationIsTerminal(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())
	first := h.handshake(t, servicetest.Ptr("A"), servicetest.Ptr("S"))
	require.NoError(t, <-errCh)

	first.Push(servicetest.Deauthorized())
	second := h.svc.NextStream(t, wait)
	second.NextSent(t, wait)
	second.Push(servicetest.Rejected())

	require.ErrorIs(t, h.channel.Wait(), domain.ErrAuthorizationRejected)
	require.Equal(t, control.StateTerminated, h.channel.State())
}

func TestStopEndsSupervision(t *testing.T) {
	h := newHarness(t, nil)
	errCh := h.start(context.Background())
	stream := h.handshake(t, servicetest.Ptr("A"), servicetest.Ptr("S"))
	require.NoError(t, <-errCh)

	h.channel.Stop()
	require.NoError(t, h.channel.Wait())
	require.Equal(t, control.StateTerminated, h.channel.State())
	<-stream.Done()
}
