// Package token holds the session token pushed over the control channel.
package token

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is the interval used by Await retrievals.
const DefaultPollInterval = time.Second

// Strategy selects how Obtain behaves when no token is present.
type Strategy struct {
	wait    bool
	timeout time.Duration
}

// Immediate returns whatever is currently stored.
func Immediate() Strategy {
	return Strategy{}
}

// Await polls until a token appears or timeout elapses.
func Await(timeout time.Duration) Strategy {
	return Strategy{wait: true, timeout: timeout}
}

// Provider stores the current session token. The token is replaced
// wholesale on every update.
type Provider struct {
	mu           sync.RWMutex
	token        string
	pollInterval time.Duration
	logger       *zap.Logger
}

// Option customizes a Provider.
type Option func(*Provider)

// WithPollInterval overrides the Await poll interval.
func WithPollInterval(interval time.Duration) Option {
	return func(p *Provider) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// WithLogger sets the logger used to report token updates.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProvider returns an empty provider.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{pollInterval: DefaultPollInterval, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Update replaces the current token. An empty token clears it.
func (p *Provider) Update(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()

	if token == "" {
		p.logger.Debug("session token cleared")
		return
	}
	if expiry, ok := ExpiresAt(token); ok {
		p.logger.Debug("session token updated", zap.Time("expires_at", expiry))
		return
	}
	p.logger.Debug("session token updated")
}

// Get returns the current token without blocking.
func (p *Provider) Get() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token, p.token != ""
}

// Obtain retrieves the token using the given strategy. Await returns as soon
// as a token is observed, or false once the timeout elapses or ctx is done.
func (p *Provider) Obtain(ctx context.Context, strategy Strategy) (string, bool) {
	if token, ok := p.Get(); ok || !strategy.wait {
		return token, ok
	}

	deadline := time.NewTimer(strategy.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-deadline.C:
			// An update racing the deadline still counts.
			return p.Get()
		case <-ticker.C:
			if token, ok := p.Get(); ok {
				return token, true
			}
		}
	}
}
