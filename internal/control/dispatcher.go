package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/repository"
	"github.com/smallbiznis/appguard-agent/internal/token"
)

// Runtime is the shared agent state mutated by commands.
type Runtime interface {
	// ApplyDefaults replaces the firewall defaults and then the decision cache.
	ApplyDefaults(defaults domain.FirewallDefaults)
	// Deauthorize drops the session token and cached decisions.
	Deauthorize()
}

// Dispatcher executes streaming commands against the agent state.
type Dispatcher struct {
	tokens  *token.Provider
	store   repository.SecretStore
	runtime Runtime
	logger  *zap.Logger
	now     func() time.Time

	lastHeartbeat atomic.Int64

	// defaultsMu serializes defaults writers so a generation check and the
	// apply it guards cannot interleave with a pushed SetFirewallDefaults.
	defaultsMu  sync.Mutex
	defaultsGen uint64
}

// NewDispatcher wires dependencies.
func NewDispatcher(tokens *token.Provider, store repository.SecretStore, runtime Runtime, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tokens:  tokens,
		store:   store,
		runtime: runtime,
		logger:  logger,
		now:     time.Now,
	}
}

// LastHeartbeat returns when the last heartbeat arrived.
func (d *Dispatcher) LastHeartbeat() (time.Time, bool) {
	ns := d.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}

// Execute runs one command. ErrDeviceDeauthorized and ErrProtocolViolation
// end the session; any other error only concerns the command itself.
func (d *Dispatcher) Execute(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case UpdateToken:
		d.tokens.Update(c.Token)
		return nil
	case Heartbeat:
		d.lastHeartbeat.Store(d.now().UnixNano())
		return nil
	case SetFirewallDefaults:
		d.defaultsMu.Lock()
		d.defaultsGen++
		d.runtime.ApplyDefaults(c.Defaults)
		d.defaultsMu.Unlock()
		ms, hasTimeout := c.Defaults.TimeoutMillis()
		d.logger.Info("firewall defaults updated",
			zap.Stringer("policy", c.Defaults.Policy),
			zap.Bool("cache", c.Defaults.CacheEnabled),
			zap.Bool("has_timeout", hasTimeout),
			zap.Uint64("timeout_ms", ms),
		)
		return nil
	case DeviceDeauthorized:
		err := errors.Join(
			d.store.Delete(ctx, domain.SecretAppID),
			d.store.Delete(ctx, domain.SecretAppSecret),
		)
		d.runtime.Deauthorize()
		if err != nil {
			return fmt.Errorf("%w: delete credentials: %w", domain.ErrDeviceDeauthorized, err)
		}
		return domain.ErrDeviceDeauthorized
	case DeviceAuthorized, AuthorizationRejected:
		return fmt.Errorf("%w: %s while streaming", domain.ErrProtocolViolation, c.Kind())
	default:
		return fmt.Errorf("%w: unknown command %T", domain.ErrProtocolViolation, cmd)
	}
}

// DefaultsGeneration counts applied SetFirewallDefaults commands.
func (d *Dispatcher) DefaultsGeneration() uint64 {
	d.defaultsMu.Lock()
	defer d.defaultsMu.Unlock()
	return d.defaultsGen
}

// ApplyIfGeneration applies defaults only when no SetFirewallDefaults command
// has run since gen was read. It reports whether defaults were applied.
func (d *Dispatcher) ApplyIfGeneration(gen uint64, defaults domain.FirewallDefaults) bool {
	d.defaultsMu.Lock()
	defer d.defaultsMu.Unlock()
	if d.defaultsGen != gen {
		return false
	}
	d.runtime.ApplyDefaults(defaults)
	return true
}
