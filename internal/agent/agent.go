// Package agent assembles the device-side runtime: secrets, session token,
// firewall defaults, decision cache and the control channel. Adapters call
// its per-request API.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/cache"
	"github.com/smallbiznis/appguard-agent/internal/control"
	"github.com/smallbiznis/appguard-agent/internal/device"
	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/repository"
	"github.com/smallbiznis/appguard-agent/internal/service"
	"github.com/smallbiznis/appguard-agent/internal/token"
)

// Config holds the agent settings.
type Config struct {
	InstallationCode string
	// AppID and AppSecret are pre-provisioned credentials, seeded into the
	// store when it holds none.
	AppID     string
	AppSecret string

	DeviceUUID string
	DeviceType string

	// Defaults apply until the service sends its own.
	Defaults domain.FirewallDefaults

	CacheMaxEntries int
	CacheTTL        time.Duration

	TokenPollInterval time.Duration
	TokenWaitTimeout  time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

// Params groups the agent collaborators.
type Params struct {
	Store    repository.SecretStore
	Service  service.DecisionService
	Logger   *zap.Logger
	Node     *snowflake.Node
	Identity control.IdentityFunc
}

// Agent is shared by every request handler. Token, defaults and cache are
// guarded independently and never locked across a remote call.
type Agent struct {
	cfg     Config
	store   repository.SecretStore
	tokens  *token.Provider
	remote  *service.RemoteCaller
	channel *control.Channel
	logger  *zap.Logger

	defaults atomic.Pointer[domain.FirewallDefaults]

	cacheMu sync.RWMutex
	cache   *cache.DecisionCache
}

var _ control.Runtime = (*Agent)(nil)

// New prepares the secret store, resolves the installation code and starts
// the control channel. It returns once the first control session is
// streaming; an authorization rejection is returned as
// domain.ErrAuthorizationRejected.
func New(ctx context.Context, cfg Config, p Params) (*Agent, error) {
	if p.Store == nil || p.Service == nil {
		return nil, errors.New("agent: store and service are required")
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("agent")

	if err := p.Store.Init(ctx); err != nil {
		return nil, fmt.Errorf("agent: init secret store: %w", err)
	}

	code, err := resolveInstallationCode(ctx, p.Store, cfg.InstallationCode)
	if err != nil {
		return nil, err
	}
	cfg.InstallationCode = code

	if err := seedCredentials(ctx, p.Store, cfg.AppID, cfg.AppSecret); err != nil {
		return nil, err
	}

	tokenOpts := []token.Option{token.WithLogger(logger)}
	if cfg.TokenPollInterval > 0 {
		tokenOpts = append(tokenOpts, token.WithPollInterval(cfg.TokenPollInterval))
	}

	a := &Agent{
		cfg:    cfg,
		store:  p.Store,
		tokens: token.NewProvider(tokenOpts...),
		remote: service.NewRemoteCaller(p.Service, logger),
		logger: logger,
	}
	defaults := cfg.Defaults
	a.defaults.Store(&defaults)
	a.cache = a.newCache(defaults.CacheEnabled)

	identity := p.Identity
	if identity == nil {
		identity = func() (device.Identity, error) {
			return device.Resolve(cfg.DeviceUUID, cfg.DeviceType)
		}
	}

	a.channel, err = control.New(control.Config{
		InstallationCode: code,
		TokenWaitTimeout: cfg.TokenWaitTimeout,
		MinBackoff:       cfg.MinBackoff,
		MaxBackoff:       cfg.MaxBackoff,
	}, control.Params{
		Service:  p.Service,
		Store:    p.Store,
		Tokens:   a.tokens,
		Runtime:  a,
		Identity: identity,
		Node:     p.Node,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	if err := a.channel.Start(ctx); err != nil {
		return nil, fmt.Errorf("agent: start control channel: %w", err)
	}

	logger.Info("agent started")
	return a, nil
}

func resolveInstallationCode(ctx context.Context, store repository.SecretStore, configured string) (string, error) {
	code := configured
	if code == "" {
		stored, ok, err := store.Get(ctx, domain.SecretInstallationCode)
		if err != nil {
			return "", fmt.Errorf("agent: read installation code: %w", err)
		}
		if !ok || stored == "" {
			return "", domain.ErrMissingInstallationCode
		}
		code = stored
	}
	if err := store.Set(ctx, domain.SecretInstallationCode, code); err != nil {
		return "", fmt.Errorf("agent: persist installation code: %w", err)
	}
	return code, nil
}

func seedCredentials(ctx context.Context, store repository.SecretStore, appID, appSecret string) error {
	seeds := []struct {
		kind  domain.SecretKind
		value string
	}{
		{domain.SecretAppID, appID},
		{domain.SecretAppSecret, appSecret},
	}
	for _, seed := range seeds {
		if seed.value == "" {
			continue
		}
		_, ok, err := store.Get(ctx, seed.kind)
		if err != nil {
			return fmt.Errorf("agent: read %s: %w", seed.kind, err)
		}
		if ok {
			continue
		}
		if err := store.Set(ctx, seed.kind, seed.value); err != nil {
			return fmt.Errorf("agent: seed %s: %w", seed.kind, err)
		}
	}
	return nil
}

func (a *Agent) newCache(enabled bool) *cache.DecisionCache {
	return cache.New(enabled, cache.Options{
		MaxEntries: a.cfg.CacheMaxEntries,
		TTL:        a.cfg.CacheTTL,
	})
}

// Defaults returns the current firewall defaults.
func (a *Agent) Defaults() domain.FirewallDefaults {
	return *a.defaults.Load()
}

// Token returns the current session token without waiting.
func (a *Agent) Token(ctx context.Context) (string, bool) {
	return a.tokens.Obtain(ctx, token.Immediate())
}

// State reports the control session state.
func (a *Agent) State() control.State {
	return a.channel.State()
}

// LastHeartbeat reports when the service last signalled liveness.
func (a *Agent) LastHeartbeat() (time.Time, bool) {
	return a.channel.Dispatcher().LastHeartbeat()
}

// Decisions returns the cache for the current defaults generation. A caller
// handling one request must use the same cache for lookup and insert, so a
// decision made under retired defaults lands in the retired cache.
func (a *Agent) Decisions() *cache.DecisionCache {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	return a.cache
}

// CheckTCPConnection submits the connection with the current token.
func (a *Agent) CheckTCPConnection(ctx context.Context, conn domain.TCPConnection) (domain.TCPResponse, error) {
	conn.Token, _ = a.Token(ctx)
	return a.remote.HandleTCPConnection(ctx, a.Defaults().Timeout, conn)
}

// CheckHTTPRequest submits the request with the current token.
func (a *Agent) CheckHTTPRequest(ctx context.Context, req domain.HTTPRequest) (domain.DecisionResponse, error) {
	req.Token, _ = a.Token(ctx)
	defaults := a.Defaults()
	return a.remote.HandleHTTPRequest(ctx, defaults.Timeout, defaults.Policy, req)
}

// CheckHTTPResponse submits the protected handler's response.
func (a *Agent) CheckHTTPResponse(ctx context.Context, resp domain.HTTPResponse) (domain.DecisionResponse, error) {
	resp.Token, _ = a.Token(ctx)
	defaults := a.Defaults()
	return a.remote.HandleHTTPResponse(ctx, defaults.Timeout, defaults.Policy, resp)
}

// ApplyDefaults publishes new defaults and then replaces the cache, so no
// decision made under the previous defaults is served afterwards.
func (a *Agent) ApplyDefaults(defaults domain.FirewallDefaults) {
	a.defaults.Store(&defaults)
	a.ResetCache()
}

// ResetCache drops every cached decision.
func (a *Agent) ResetCache() {
	fresh := a.newCache(a.Defaults().CacheEnabled)
	a.cacheMu.Lock()
	retired := a.cache
	a.cache = fresh
	a.cacheMu.Unlock()
	if retired != nil {
		retired.Purge()
	}
}

// Deauthorize clears the session token and cached decisions.
func (a *Agent) Deauthorize() {
	a.tokens.Update("")
	a.ResetCache()
	a.logger.Warn("device deauthorized, token and cache cleared")
}

// Wait blocks until the control channel stops for good.
func (a *Agent) Wait() error {
	return a.channel.Wait()
}

// Close stops the control channel.
func (a *Agent) Close() {
	a.channel.Stop()
}
