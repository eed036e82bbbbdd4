// Package daemon composes the messaging core into a running process.
package daemon

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chatify/core/internal/api"
	"github.com/chatify/core/internal/bus"
	"github.com/chatify/core/internal/config"
	"github.com/chatify/core/internal/connectivity"
	"github.com/chatify/core/internal/lock"
	"github.com/chatify/core/internal/logging"
	"github.com/chatify/core/internal/media"
	"github.com/chatify/core/internal/mirror"
	"github.com/chatify/core/internal/outbox"
	"github.com/chatify/core/internal/session"
	"github.com/chatify/core/internal/store"
	intsync "github.com/chatify/core/internal/sync"
	"github.com/chatify/core/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideConfig,
			provideLock,
			provideStore,
			provideMirror,
			provideQueue,
			provideTransport,
			provideWatcher,
			provideConnectivity,
			provideSyncEngine,
			provideUploader,
			provideMessageService,
			provideRoomService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.Server.SocketURL == "" {
		return nil, fmt.Errorf("config %s: server.socket_url is required", path)
	}
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMirror(logger *zap.Logger) *mirror.Store {
	return mirror.New(logger)
}

func provideQueue(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, b, logger, time.Duration(cfg.Outbox.PersistDebounceMS)*time.Millisecond)
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Client {
	return transport.New(transport.Config{
		URL:           cfg.Server.SocketURL,
		ReconnectBase: time.Duration(cfg.Outbox.ReconnectBaseMS) * time.Millisecond,
		ReconnectMax:  time.Duration(cfg.Outbox.ReconnectCeilingMS) * time.Millisecond,
	}, b, logger)
}

func provideWatcher(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*connectivity.Watcher, error) {
	addr := cfg.Server.ProbeAddr
	if addr == "" {
		u, err := url.Parse(cfg.Server.SocketURL)
		if err != nil {
			return nil, fmt.Errorf("parse socket url: %w", err)
		}
		addr = u.Host
	}
	return connectivity.NewWatcher(addr, time.Duration(cfg.Outbox.ProbeIntervalSecs)*time.Second, b, logger), nil
}

// processorHandle defers the processor reference so the connectivity
// manager and the processor, which gate each other, can be constructed
// in sequence.
type processorHandle struct {
	mu sync.Mutex
	p  connectivity.Processor
}

func (h *processorHandle) bind(p connectivity.Processor) {
	h.mu.Lock()
	h.p = p
	h.mu.Unlock()
}

func (h *processorHandle) Start() {
	h.mu.Lock()
	p := h.p
	h.mu.Unlock()
	if p != nil {
		p.Start()
	}
}

func (h *processorHandle) Stop(resetRetries bool) {
	h.mu.Lock()
	p := h.p
	h.mu.Unlock()
	if p != nil {
		p.Stop(resetRetries)
	}
}

func provideConnectivity(cfg *config.Config, b *bus.Bus, tc *transport.Client, q *outbox.Queue, m *mirror.Store, db *store.DB, logger *zap.Logger) (*connectivity.Manager, *outbox.Processor) {
	handle := &processorHandle{}
	manager := connectivity.NewManager(connectivity.ManagerConfig{
		UserID:      cfg.User.ID,
		SettleDelay: time.Duration(cfg.Outbox.JoinSettleDelayMS) * time.Millisecond,
	}, b, tc, handle, m, logger)

	processor := outbox.NewProcessor(q, tc, manager, m, db, b, logger, outbox.ProcessorConfig{
		BatchSize:      cfg.Outbox.BatchSize,
		MaxRetries:     cfg.Outbox.MaxRetries,
		RetryBaseDelay: time.Duration(cfg.Outbox.RetryBaseDelayMS) * time.Millisecond,
	})
	handle.bind(processor)
	return manager, processor
}

func provideSyncEngine(m *mirror.Store, db *store.DB, q *outbox.Queue, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(m, db, q, b, logger)
}

func provideUploader(cfg *config.Config, logger *zap.Logger) media.Uploader {
	return media.NewHTTPUploader(cfg.Server.MediaURL, logger)
}

func provideMessageService(cfg *config.Config, m *mirror.Store, db *store.DB, q *outbox.Queue, uploader media.Uploader, manager *connectivity.Manager, b *bus.Bus, logger *zap.Logger) *api.MessageService {
	identity := api.Identity{ID: cfg.User.ID, Name: cfg.User.Name}
	return api.NewMessageService(identity, m, db, q, uploader, manager, b, logger)
}

func provideRoomService(cfg *config.Config, m *mirror.Store, db *store.DB, logger *zap.Logger) *api.RoomService {
	identity := api.Identity{ID: cfg.User.ID, Name: cfg.User.Name}
	return api.NewRoomService(identity, m, db, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, q *outbox.Queue, tc *transport.Client, watcher *connectivity.Watcher, manager *connectivity.Manager, processor *outbox.Processor, engine *intsync.Engine, rooms *api.RoomService, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Load the cached room list before anything can trigger a join.
			loaded, err := rooms.LoadRooms()
			if err != nil {
				logger.Warn("failed to load cached rooms", zap.Error(err))
			} else {
				logger.Info("rooms loaded", zap.Int("count", len(loaded)))
			}

			manager.Run()
			watcher.Start()

			// Initial connect failures are not fatal: the transport keeps
			// reconnecting with backoff until Disconnect.
			if err := tc.Connect(context.Background(), engine.HandleEnvelope); err != nil {
				logger.Warn("initial connect failed, reconnecting", zap.Error(err))
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			watcher.Stop()
			manager.Close()
			processor.Close()
			tc.Disconnect()
			q.Close() // flushes any pending queue persist
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
