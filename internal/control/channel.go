// Package control drives the long-lived control stream to the decision
// service: the authorization handshake, authentication and the command loop.
package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/device"
	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/repository"
	"github.com/smallbiznis/appguard-agent/internal/service"
	"github.com/smallbiznis/appguard-agent/internal/token"
)

const (
	// Category identifies this client kind during authorization.
	Category = "AppGuard Client"

	DefaultTokenWaitTimeout = 10 * time.Second
	DefaultMinBackoff       = time.Second
	DefaultMaxBackoff       = time.Minute
)

// ErrStreamClosed is returned when the service ends the control stream.
var ErrStreamClosed = errors.New("control: stream closed by server")

// Config holds the channel settings.
type Config struct {
	InstallationCode string
	TokenWaitTimeout time.Duration
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
}

// IdentityFunc resolves the device identity sent with the authorization request.
type IdentityFunc func() (device.Identity, error)

// Params groups the channel collaborators.
type Params struct {
	Service  service.DecisionService
	Store    repository.SecretStore
	Tokens   *token.Provider
	Runtime  Runtime
	Identity IdentityFunc
	Node     *snowflake.Node
	Logger   *zap.Logger
}

// Channel supervises control sessions. Each session opens a stream, performs
// the handshake and then processes commands until the stream ends.
type Channel struct {
	cfg        Config
	svc        service.DecisionService
	store      repository.SecretStore
	tokens     *token.Provider
	runtime    Runtime
	identify   IdentityFunc
	node       *snowflake.Node
	logger     *zap.Logger
	dispatcher *Dispatcher

	state atomic.Int32

	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

// New builds a channel. Call Start to run it.
func New(cfg Config, p Params) (*Channel, error) {
	if p.Service == nil || p.Store == nil || p.Tokens == nil || p.Runtime == nil {
		return nil, errors.New("control: service, store, tokens and runtime are required")
	}
	if cfg.TokenWaitTimeout <= 0 {
		cfg.TokenWaitTimeout = DefaultTokenWaitTimeout
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	identify := p.Identity
	if identify == nil {
		identify = func() (device.Identity, error) { return device.Resolve("", "") }
	}
	node := p.Node
	if node == nil {
		n, err := snowflake.NewNode(1)
		if err != nil {
			return nil, err
		}
		node = n
	}
	logger = logger.Named("control")

	return &Channel{
		cfg:        cfg,
		svc:        p.Service,
		store:      p.Store,
		tokens:     p.Tokens,
		runtime:    p.Runtime,
		identify:   identify,
		node:       node,
		logger:     logger,
		dispatcher: NewDispatcher(p.Tokens, p.Store, p.Runtime, logger),
		done:       make(chan struct{}),
	}, nil
}

// State returns the current session state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Dispatcher exposes the command dispatcher.
func (c *Channel) Dispatcher() *Dispatcher {
	return c.dispatcher
}

func (c *Channel) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("control state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// Start runs the first session until it reaches streaming. Failures before
// that point, including an authorization rejection, are returned. Later
// sessions are supervised in the background until Stop or a terminal error.
// ctx bounds only the startup phase.
func (c *Channel) Start(ctx context.Context) error {
	err := errors.New("control: already started")
	c.startOnce.Do(func() {
		err = c.start(ctx)
	})
	return err
}

func (c *Channel) start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	ready := make(chan struct{})
	first := make(chan error, 1)
	go c.supervise(runCtx, ready, first)

	select {
	case <-ready:
		return nil
	case err := <-first:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		<-c.done
		return ctx.Err()
	}
}

// Wait blocks until supervision ends and returns the terminal error, if any.
func (c *Channel) Wait() error {
	<-c.done
	return c.err
}

// Stop ends supervision and waits for the current session to unwind.
func (c *Channel) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

func (c *Channel) supervise(ctx context.Context, ready chan struct{}, first chan<- error) {
	defer close(c.done)
	defer c.setState(StateTerminated)

	started := false
	retry := c.newBackOff()

	for {
		err := c.session(ctx, func() {
			retry.Reset()
			if !started {
				started = true
				close(ready)
			}
		})

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, domain.ErrAuthorizationRejected):
			c.logger.Error("device authorization rejected")
			c.err = err
			if !started {
				first <- err
			}
			return
		case !started:
			c.err = err
			first <- err
			return
		case errors.Is(err, domain.ErrDeviceDeauthorized):
			c.logger.Warn("device deauthorized, requesting authorization again")
			continue
		}

		delay := retry.NextBackOff()
		c.logger.Warn("control session ended, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// newBackOff doubles the reconnect delay from MinBackoff up to MaxBackoff and
// never gives up.
func (c *Channel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
