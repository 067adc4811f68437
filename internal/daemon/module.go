package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/cipherim/cipher/internal/api"
	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/calls"
	"github.com/cipherim/cipher/internal/config"
	"github.com/cipherim/cipher/internal/gateway"
	"github.com/cipherim/cipher/internal/lock"
	"github.com/cipherim/cipher/internal/logging"
	"github.com/cipherim/cipher/internal/netmon"
	"github.com/cipherim/cipher/internal/notify"
	"github.com/cipherim/cipher/internal/outbox"
	"github.com/cipherim/cipher/internal/session"
	"github.com/cipherim/cipher/internal/status"
	"github.com/cipherim/cipher/internal/store"
	intsync "github.com/cipherim/cipher/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
// Media, Transport and Sink are supplied by the embedding process; when
// absent, calls fail gracefully and notifications go to the log.
type Params struct {
	SessionName string
	GatewayURL  string // optional override; empty = config/default
	Media       calls.Media
	Transport   calls.Transport
	Sink        notify.Sink
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideConfig,
			provideStore,
			provideGateway,
			provideMonitor,
			provideQueue,
			provideReconciler,
			provideCallEngine,
			provideDispatcher,
			provideSessionService,
			provideChatService,
			provideMessageService,
			provideCallService,
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

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("config load failed, using defaults", zap.Error(err))
		}
		return nil
	}
	return cfg
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

func gatewayURL(p Params, cfg *config.Config) string {
	if p.GatewayURL != "" {
		return p.GatewayURL
	}
	return cfg.Gateway()
}

func provideGateway(p Params, cfg *config.Config, logger *zap.Logger) *gateway.Client {
	return gateway.NewClient(gatewayURL(p, cfg), logger)
}

func provideMonitor(p Params, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.NewMonitor(netmon.NewHTTPProber(gatewayURL(p, cfg)), b, logger)
}

func provideQueue(db *store.DB, gw *gateway.Client, b *bus.Bus, mon *netmon.Monitor, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, gw, b, mon.Online, logger)
}

func provideReconciler(db *store.DB, gw *gateway.Client, q *outbox.Queue, b *bus.Bus, mon *netmon.Monitor, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, gw, q, b, mon.Online, logger)
}

func provideCallEngine(p Params, gw *gateway.Client, b *bus.Bus, logger *zap.Logger) *calls.Engine {
	media := p.Media
	if media == nil {
		media = unavailableMedia{}
	}
	transport := p.Transport
	if transport == nil {
		transport = unavailableTransport{}
	}
	return calls.NewEngine(gw, media, transport, b, logger)
}

func provideDispatcher(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *notify.Dispatcher {
	sink := p.Sink
	if sink == nil {
		sink = &notify.LogSink{Logger: logger}
	}
	return notify.NewDispatcher(db, sink, b, logger)
}

func provideSessionService(p Params, db *store.DB, b *bus.Bus, gw *gateway.Client, m *status.Machine, rec *intsync.Reconciler, engine *calls.Engine, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(db, b, gw, m, p.SessionName, logger, rec, engine)
}

func provideChatService(db *store.DB, b *bus.Bus, rec *intsync.Reconciler, gw *gateway.Client) *api.ChatService {
	return api.NewChatService(db, b, rec, gw)
}

func provideMessageService(db *store.DB, b *bus.Bus, rec *intsync.Reconciler) *api.MessageService {
	return api.NewMessageService(db, b, rec)
}

func provideCallService(engine *calls.Engine, b *bus.Bus) *api.CallService {
	return api.NewCallService(engine, b)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, gw *gateway.Client, b *bus.Bus, mon *netmon.Monitor, q *outbox.Queue, rec *intsync.Reconciler, engine *calls.Engine, dispatcher *notify.Dispatcher, machine *status.Machine, logger *zap.Logger) {
	var watchCancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			var watchCtx context.Context
			watchCtx, watchCancel = context.WithCancel(context.Background())
			watchRuntimeState(watchCtx, b, machine)

			mon.Start(context.Background())
			q.Start(context.Background())
			rec.Start(context.Background())
			engine.Start(context.Background())
			dispatcher.Start(context.Background())

			userID, err := db.GetState(store.StateUserID)
			if err != nil {
				return err
			}
			if userID != "" {
				gw.SetUser(userID)
				rec.SetUser(userID)
				engine.SetUser(userID)
				_ = machine.Transition(status.Connecting)
				logger.Info("session restored", zap.String("user_id", userID))
			} else {
				logger.Info("no credentials found, auth required")
				_ = machine.Transition(status.AuthRequired)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if watchCancel != nil {
				watchCancel()
			}
			dispatcher.Stop()
			engine.Stop()
			rec.Stop()
			q.Stop()
			mon.Stop()
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

// watchRuntimeState drives the session state machine from bus events:
// losing reachability parks a connected session in Offline, regaining
// it resumes Connecting, and a completed sync cycle advances
// Connecting through Syncing to Ready. Logged-out sessions stay in
// AuthRequired across connectivity changes.
func watchRuntimeState(ctx context.Context, b *bus.Bus, machine *status.Machine) {
	netCh, unsubNet := b.Subscribe("net.", 16)
	syncCh, unsubSync := b.Subscribe("sync.", 16)
	go func() {
		defer unsubNet()
		defer unsubSync()
		for {
			select {
			case evt := <-netCh:
				st, ok := evt.Payload.(netmon.State)
				if !ok {
					continue
				}
				if st.Online {
					if machine.Current() == status.Offline {
						_ = machine.Transition(status.Connecting)
					}
					continue
				}
				switch machine.Current() {
				case status.Connecting, status.Syncing, status.Ready:
					_ = machine.Transition(status.Offline)
				}
			case <-syncCh:
				if machine.Current() == status.Connecting {
					_ = machine.Transition(status.Syncing)
				}
				if machine.Current() == status.Syncing {
					_ = machine.Transition(status.Ready)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

type unavailableMedia struct{}

func (unavailableMedia) Acquire(ctx context.Context, video bool) (calls.Track, error) {
	return nil, errors.New("no media backend configured")
}

type unavailableTransport struct{}

func (unavailableTransport) Dial() (calls.Conn, error) {
	return nil, errors.New("no call transport configured")
}
