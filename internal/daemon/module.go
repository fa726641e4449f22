package daemon

import (
	"context"
	"os"

	"github.com/quickdesk/chatsync/internal/backend"
	"github.com/quickdesk/chatsync/internal/bus"
	"github.com/quickdesk/chatsync/internal/cache"
	"github.com/quickdesk/chatsync/internal/config"
	"github.com/quickdesk/chatsync/internal/controller"
	"github.com/quickdesk/chatsync/internal/lock"
	"github.com/quickdesk/chatsync/internal/logging"
	"github.com/quickdesk/chatsync/internal/presence"
	"github.com/quickdesk/chatsync/internal/profile"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
	// UserID is the local user the controller activates for.
	UserID string
	// Service overrides the backend (tests and the demo harness);
	// nil means an empty in-memory backend.
	Service backend.Service
}

// Module returns the fx module for the sync daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideCacheDB,
			provideStore,
			provideBackend,
			provideTracker,
			provideController,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config unreadable, using defaults", zap.Error(err))
		}
		cfg = (&config.Config{}).Normalize()
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCacheDB(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CacheDBPath(p.Profile)
	db, err := cache.Open(dbPath)
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

func provideStore(db *cache.DB, cfg *config.Config, logger *zap.Logger) *cache.Store {
	return cache.NewStore(db, cache.Options{
		TTL:         cfg.CacheTTL.Duration,
		MaxBytes:    cfg.MaxCacheBytes,
		MaxMessages: cfg.MaxMessages,
		Logger:      logger,
	})
}

func provideBackend(p Params) backend.Service {
	if p.Service != nil {
		return p.Service
	}
	return backend.NewMemory()
}

func provideTracker(svc backend.Service, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(svc, cfg.OnlineWindow.Duration, b, logger)
}

func provideController(svc backend.Service, store *cache.Store, tracker *presence.Tracker, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *controller.Controller {
	return controller.New(svc, store, tracker, b, logger, controller.Options{
		PollInterval: cfg.PollInterval.Duration,
		TypingWindow: cfg.TypingWindow.Duration,
		PageSize:     cfg.PageSize,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, ctrl *controller.Controller, db *cache.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The controller owns its own background loops; they must
			// outlive the fx start timeout.
			if err := ctrl.Activate(context.Background(), p.UserID); err != nil {
				return err
			}
			logger.Info("controller live",
				zap.String("user", p.UserID),
				zap.String("profile", p.Profile))
			return nil
		},
		OnStop: func(_ context.Context) error {
			ctrl.Teardown()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
