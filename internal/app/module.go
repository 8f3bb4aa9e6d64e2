package app

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"github.com/tribeapp/realtime/internal/api"
	"github.com/tribeapp/realtime/internal/config"
	"github.com/tribeapp/realtime/internal/conn"
	"github.com/tribeapp/realtime/internal/lock"
	"github.com/tribeapp/realtime/internal/logging"
	"github.com/tribeapp/realtime/internal/paths"
	"github.com/tribeapp/realtime/internal/registry"
	"github.com/tribeapp/realtime/internal/rest"
	"github.com/tribeapp/realtime/internal/rooms"
	"github.com/tribeapp/realtime/internal/store"
	"github.com/tribeapp/realtime/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the session daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideLock,
			provideStore,
			provideRegistry,
			provideStateMachine,
			provideDialFunc,
			provideManager,
			provideRESTClient,
			provideCoordinator,
			NewSession,
			provideControlServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(paths.LogPath(p.Profile), p.Profile)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(paths.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, using defaults", zap.String("path", paths.ConfigPath()))
		cfg = &config.Config{Tunables: config.DefaultTunables()}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	if base := os.Getenv("TRIBE_BASE_URL"); base != "" {
		cfg.Server.BaseURL = base
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := paths.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(paths.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := paths.CacheDBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRegistry(logger *zap.Logger) *registry.Registry {
	return registry.New(logger)
}

func provideStateMachine(reg *registry.Registry) *conn.Machine {
	return conn.NewMachine(reg)
}

func provideDialFunc(logger *zap.Logger) conn.DialFunc {
	return func(ctx context.Context, baseURL, token string) (conn.Transport, error) {
		return transport.Dial(ctx, transport.Options{BaseURL: baseURL, Token: token}, logger)
	}
}

func provideManager(dial conn.DialFunc, machine *conn.Machine, reg *registry.Registry, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(dial, machine, reg, cfg.Tunables, logger)
}

func provideRESTClient(cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.Server.BaseURL, "", logger)
}

func provideCoordinator(mgr *conn.Manager, cfg *config.Config, logger *zap.Logger) *rooms.Coordinator {
	return rooms.NewCoordinator(mgr, cfg.Tunables, logger)
}

func provideControlServer(p Params, s *Session, logger *zap.Logger) (*api.Server, error) {
	return api.NewServer(s, paths.SocketPath(p.Profile), logger)
}

func registerLifecycle(lc fx.Lifecycle, s *Session, srv *api.Server, lk *lock.Lock, db *store.DB, reg *registry.Registry, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			// Credentials come from the environment; the auth flow
			// itself lives in the client talking to the control API.
			token := os.Getenv("TRIBE_TOKEN")
			userID := os.Getenv("TRIBE_USER_ID")
			if token != "" && userID != "" {
				s.Connect(token, userID)
			} else {
				logger.Info("no credentials in environment, waiting for connect request")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			s.Disconnect()
			s.Close()
			reg.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("session daemon stopped")
			return nil
		},
	})
}
