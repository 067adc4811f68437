package notify

import (
	"context"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/store"
	"go.uber.org/zap"
)

// Sink receives user-facing notifications. The tag groups notifications
// of the same conversation so a platform sink can collapse them.
type Sink interface {
	Notify(title, body, tag string)
}

// LogSink writes notifications to the log. The default sink when the
// embedding process supplies nothing better.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) Notify(title, body, tag string) {
	s.Logger.Info("notification",
		zap.String("title", title),
		zap.String("body", body),
		zap.String("tag", tag))
}

// Dispatcher forwards peer messages landing in non-active chats to the
// sink. It consumes message.received events, which the reconciler only
// raises for chats not currently on screen.
type Dispatcher struct {
	db     *store.DB
	sink   Sink
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(db *store.DB, sink Sink, b *bus.Bus, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{db: db, sink: sink, bus: b, logger: logger}
}

// Start begins consuming message.received events.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	ch, unsub := d.bus.Subscribe(bus.KindMessageReceived, 32)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				m, ok := evt.Payload.(store.Message)
				if !ok {
					continue
				}
				d.dispatch(m)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the event consumer.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) dispatch(m store.Message) {
	title := m.ChatID
	if chat, err := d.db.GetChat(m.ChatID); err != nil {
		d.logger.Error("failed to resolve chat for notification", zap.Error(err), zap.String("chat_id", m.ChatID))
	} else if chat != nil && chat.Name != "" {
		title = chat.Name
	}
	d.sink.Notify(title, m.Body, m.ChatID)
}
