// Package app composes the client: config, logger, bus, cache, both
// transports, the conversation arena and the terminal view.
package app

import (
	"context"
	"errors"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fixmarket/casechat/internal/bus"
	"github.com/fixmarket/casechat/internal/cache"
	"github.com/fixmarket/casechat/internal/chat"
	"github.com/fixmarket/casechat/internal/config"
	"github.com/fixmarket/casechat/internal/logging"
	"github.com/fixmarket/casechat/internal/push"
	"github.com/fixmarket/casechat/internal/rest"
	intsync "github.com/fixmarket/casechat/internal/sync"
	"github.com/fixmarket/casechat/internal/tui"
	"github.com/fixmarket/casechat/internal/typing"
)

// Params holds the resolved invocation arguments passed to the fx module.
type Params struct {
	ConfigPath string
	CaseID     chat.CaseID
	PeerID     chat.UserID
}

// Module returns the fx module for the client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("app",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideCache,
			provideREST,
			providePush,
			provideArena,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	// First run: write the defaults so the user has a file to edit.
	cfg = config.Default()
	if saveErr := config.Save(p.ConfigPath, cfg); saveErr != nil {
		return nil, saveErr
	}
	return cfg, nil
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Paths.LogFile, cfg.Server.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideCache(cfg *config.Config, logger *zap.Logger) (*cache.DB, error) {
	db, err := cache.Open(cfg.Paths.CacheDB)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache up to date", zap.Uint("version", result.Version))
	}
	return db, nil
}

func provideREST(cfg *config.Config) *rest.Client {
	return rest.NewClient(cfg.Server.BaseURL, cfg.Server.Token)
}

func providePush(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *push.Adapter {
	return push.NewAdapter(cfg.Server.SocketURL, cfg.Server.Token, b, logger)
}

func provideArena(cfg *config.Config, client *rest.Client, adapter *push.Adapter, db *cache.DB, b *bus.Bus, logger *zap.Logger) *intsync.Arena {
	opts := intsync.Options{
		ActivePoll:   cfg.Sync.ActivePoll.Std(),
		DegradedPoll: cfg.Sync.DegradedPoll.Std(),
		MinPoll:      cfg.Sync.MinPoll.Std(),
		Typing: typing.Options{
			Debounce: cfg.Typing.Debounce.Std(),
			TTL:      cfg.Typing.TTL.Std(),
			Idle:     cfg.Typing.Idle.Std(),
		},
	}
	return intsync.NewArena(chat.UserID(cfg.Server.UserID), client, adapter, db, b, logger, opts)
}

func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, p Params, cfg *config.Config, arena *intsync.Arena, adapter *push.Adapter, db *cache.DB, b *bus.Bus, logger *zap.Logger) {
	var view *tui.App
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			adapter.Start(context.Background())

			engine, err := arena.Open(ctx, p.CaseID)
			if err != nil {
				return err
			}

			view = tui.NewApp(engine, b, logger, chat.UserID(cfg.Server.UserID), p.PeerID)
			go func() {
				if err := view.Run(); err != nil {
					logger.Error("view error", zap.Error(err))
				}
				_ = sd.Shutdown()
			}()

			logger.Info("conversation opened", zap.String("case", string(p.CaseID)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if view != nil {
				view.Stop()
			}
			arena.CloseAll()
			adapter.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
