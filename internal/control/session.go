package control

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/domain"
	"github.com/smallbiznis/appguard-agent/internal/repository"
	"github.com/smallbiznis/appguard-agent/internal/service"
	"github.com/smallbiznis/appguard-agent/internal/token"
	"github.com/smallbiznis/appguard-agent/internal/wire"
)

// session runs one stream from connect to its end. streaming is invoked
// once the handshake completed.
func (c *Channel) session(ctx context.Context, streaming func()) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := c.logger.With(zap.String("session_id", c.node.Generate().String()))

	c.setState(StateConnecting)
	stream, err := c.svc.ControlChannel(ctx)
	if err != nil {
		return fmt.Errorf("control: open stream: %w", err)
	}

	if err := c.awaitAuthorization(ctx, stream, log); err != nil {
		return err
	}
	if err := c.authenticate(ctx, stream, log); err != nil {
		return err
	}

	c.setState(StateStreaming)
	log.Info("control session streaming")
	streaming()

	go c.postStartup(ctx, log)
	return c.receive(ctx, stream, log)
}

func (c *Channel) awaitAuthorization(ctx context.Context, stream service.ControlStream, log *zap.Logger) error {
	c.setState(StateAwaitingAuthorization)

	id, err := c.identify()
	if err != nil {
		return fmt.Errorf("control: resolve device identity: %w", err)
	}
	req := &wire.AuthorizationRequest{
		UUID:     id.UUID,
		Code:     c.cfg.InstallationCode,
		Category: Category,
		Type:     id.Type,
		TargetOS: id.TargetOS,
	}
	if err := stream.Send(&wire.ClientMessage{AuthorizationRequest: req}); err != nil {
		return fmt.Errorf("control: send authorization request: %w", err)
	}
	log.Info("authorization requested", zap.String("device_uuid", id.UUID), zap.String("type", id.Type))

	for {
		msg, err := stream.Recv()
		if err != nil {
			return recvError(err)
		}
		cmd, err := Decode(msg)
		if err != nil {
			return err
		}

		switch cmd := cmd.(type) {
		case Heartbeat:
			if err := c.dispatcher.Execute(ctx, cmd); err != nil {
				return err
			}
		case DeviceAuthorized:
			if err := c.persistCredentials(ctx, cmd); err != nil {
				return err
			}
			log.Info("device authorized",
				zap.Bool("app_id_issued", cmd.AppID != nil),
				zap.Bool("app_secret_issued", cmd.AppSecret != nil),
			)
			return nil
		case AuthorizationRejected:
			c.setState(StateTerminated)
			return domain.ErrAuthorizationRejected
		default:
			return fmt.Errorf("%w: %s while awaiting authorization", domain.ErrProtocolViolation, cmd.Kind())
		}
	}
}

func (c *Channel) persistCredentials(ctx context.Context, cmd DeviceAuthorized) error {
	if cmd.AppID != nil {
		if err := c.store.Set(ctx, domain.SecretAppID, *cmd.AppID); err != nil {
			return fmt.Errorf("control: store app id: %w", err)
		}
	}
	if cmd.AppSecret != nil {
		if err := c.store.Set(ctx, domain.SecretAppSecret, *cmd.AppSecret); err != nil {
			return fmt.Errorf("control: store app secret: %w", err)
		}
	}
	return nil
}

// authenticate sends the stored credentials. The send side stays open for
// the life of the session.
func (c *Channel) authenticate(ctx context.Context, stream service.ControlStream, log *zap.Logger) error {
	c.setState(StateAuthenticating)

	creds, err := repository.LoadCredentials(ctx, c.store)
	if err != nil {
		return fmt.Errorf("control: load credentials: %w", err)
	}
	if creds.AppID == "" {
		return fmt.Errorf("%w: %s", domain.ErrSecretNotFound, domain.SecretAppID)
	}
	if creds.AppSecret == "" {
		return fmt.Errorf("%w: %s", domain.ErrSecretNotFound, domain.SecretAppSecret)
	}

	msg := &wire.ClientMessage{Authentication: &wire.Authentication{AppID: creds.AppID, AppSecret: creds.AppSecret}}
	if err := stream.Send(msg); err != nil {
		return fmt.Errorf("control: send authentication: %w", err)
	}
	log.Debug("authentication sent", zap.String("app_id", creds.AppID))
	return nil
}

func (c *Channel) receive(ctx context.Context, stream service.ControlStream, log *zap.Logger) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return recvError(err)
		}
		cmd, err := Decode(msg)
		if err != nil {
			log.Error("malformed control message", zap.Error(err))
			return err
		}

		err = c.dispatcher.Execute(ctx, cmd)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrDeviceDeauthorized):
			_ = stream.CloseSend()
			return err
		case errors.Is(err, domain.ErrProtocolViolation):
			log.Error("control protocol violation", zap.Error(err))
			return err
		default:
			log.Warn("control command failed", zap.String("command", cmd.Kind()), zap.Error(err))
		}
	}
}

// postStartup waits for the first session token and then pulls the current
// firewall defaults. Defaults pushed over the stream in the meantime win.
func (c *Channel) postStartup(ctx context.Context, log *zap.Logger) {
	gen := c.dispatcher.DefaultsGeneration()

	tok, ok := c.tokens.Obtain(ctx, token.Await(c.cfg.TokenWaitTimeout))
	if !ok {
		if ctx.Err() == nil {
			log.Warn("no session token received", zap.Duration("waited", c.cfg.TokenWaitTimeout))
		}
		return
	}
	log.Info("session token received")

	defaults, err := c.svc.FirewallDefaults(ctx, tok)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("fetch firewall defaults failed", zap.Error(err))
		}
		return
	}
	if !c.dispatcher.ApplyIfGeneration(gen, defaults) {
		log.Debug("firewall defaults already pushed, skipping fetched defaults")
		return
	}
	log.Info("firewall defaults fetched", zap.Stringer("policy", defaults.Policy), zap.Bool("cache", defaults.CacheEnabled))
}

func recvError(err error) error {
	if errors.Is(err, io.EOF) {
		return ErrStreamClosed
	}
	return fmt.Errorf("control: receive: %w", err)
}
