package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/appguard-agent/internal/adapter/appguard"
	cacheadapter "github.com/smallbiznis/appguard-agent/internal/adapter/cache"
	"github.com/smallbiznis/appguard-agent/internal/adapter/sealed"
	"github.com/smallbiznis/appguard-agent/internal/agent"
	"github.com/smallbiznis/appguard-agent/internal/config"
	httptransport "github.com/smallbiznis/appguard-agent/internal/http"
	"github.com/smallbiznis/appguard-agent/internal/repository"
	"github.com/smallbiznis/appguard-agent/internal/server"
	"github.com/smallbiznis/appguard-agent/internal/service"
	"github.com/smallbiznis/appguard-agent/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newSecretStore,
			newDecisionClient,
			newAgent,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, watchAgent, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	node, err := snowflake.NewNode(1)
	return node, err
}

func newSecretStore(lc fx.Lifecycle, cfg config.Config) (repository.SecretStore, error) {
	switch cfg.SecretStore {
	case config.SecretStoreFile:
		return sealed.NewFileSecretStore(cfg.SecretStorePath, cfg.SecretStorePassphrase), nil
	case config.SecretStoreRedis:
		client, err := newRedisClient(lc, cfg)
		if err != nil {
			return nil, err
		}
		return cacheadapter.NewRedisSecretStore(client), nil
	case config.SecretStorePostgres:
		pool, err := newPGXPool(lc, cfg)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresSecretStore(pool), nil
	default:
		return repository.NewMemorySecretStore(), nil
	}
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newDecisionClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (service.DecisionService, error) {
	client, err := appguard.Dial(context.Background(), appguard.Options{
		Host:   cfg.ControlHost,
		Port:   cfg.ControlPort,
		TLS:    cfg.ControlTLS,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newAgent(lc fx.Lifecycle, cfg config.Config, store repository.SecretStore, svc service.DecisionService, node *snowflake.Node, logger *zap.Logger) (*agent.Agent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := agent.New(ctx, agent.Config{
		InstallationCode: cfg.InstallationCode,
		AppID:            cfg.AppID,
		AppSecret:        cfg.AppSecret,
		DeviceUUID:       cfg.DeviceUUID,
		DeviceType:       cfg.DeviceType,
		Defaults:         cfg.FirewallDefaults(),
		CacheMaxEntries:  cfg.CacheMaxEntries,
		CacheTTL:         cfg.CacheTTL,
		TokenWaitTimeout: cfg.TokenWaitTimeout,
		MinBackoff:       cfg.MinBackoff,
		MaxBackoff:       cfg.MaxBackoff,
	}, agent.Params{
		Store:   store,
		Service: svc,
		Logger:  logger,
		Node:    node,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			a.Close()
			return nil
		},
	})
	return a, nil
}

// watchAgent shuts the process down when the control channel ends for good,
// for example after the service rejects the device.
func watchAgent(lc fx.Lifecycle, a *agent.Agent, shutdowner fx.Shutdowner, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := a.Wait(); err != nil {
					logger.Error("control channel terminated", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
