package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/gateway"
	"github.com/cipherim/cipher/internal/netmon"
	"github.com/cipherim/cipher/internal/store"
	"go.uber.org/zap"
)

// BatchSender is the slice of the gateway the queue needs: one batch
// sync call keyed by each message's client-generated id.
type BatchSender interface {
	SyncPending(ctx context.Context, batch []gateway.PendingMessage) ([]gateway.SyncResult, error)
}

// Queue buffers messages created while the gateway is unreachable and
// drains them in bulk once connectivity returns. Entries are persisted
// in the store's outbox partition, so the queue survives a restart.
type Queue struct {
	db     *store.DB
	sender BatchSender
	bus    *bus.Bus
	online func() bool
	logger *zap.Logger
	cancel context.CancelFunc

	mu       sync.Mutex
	flushing bool
}

// NewQueue creates an outbound queue.
func NewQueue(db *store.DB, sender BatchSender, b *bus.Bus, online func() bool, logger *zap.Logger) *Queue {
	return &Queue{
		db:     db,
		sender: sender,
		bus:    b,
		online: online,
		logger: logger,
	}
}

// Enqueue persists a message to the queue partition and the message
// partition. A local-only operation: it cannot fail against the network.
func (q *Queue) Enqueue(m *store.Message) error {
	if m.Status == "" {
		m.Status = store.StatusSending
	}
	if err := q.db.QueueOutbox(m.MsgID, m.ChatID, m.Body); err != nil {
		return err
	}
	if err := q.db.UpsertMessage(m); err != nil {
		return err
	}
	q.publish(bus.KindMessageUpserted, map[string]string{"chat_id": m.ChatID, "msg_id": m.MsgID})
	return nil
}

// Retry requeues a failed entry under its original id and, when online,
// flushes immediately. Re-submission never creates a new id.
func (q *Queue) Retry(ctx context.Context, clientMsgID string) error {
	if err := q.db.RequeueOutbox(clientMsgID); err != nil {
		return err
	}
	if err := q.db.UpdateMessageStatus(clientMsgID, store.StatusSending); err != nil {
		return err
	}
	q.publish(bus.KindMessageUpserted, map[string]string{"msg_id": clientMsgID})
	if q.online() {
		q.Flush(ctx)
	}
	return nil
}

// Len returns the number of entries still awaiting acceptance,
// including failed ones awaiting a manual retry.
func (q *Queue) Len() int {
	entries, err := q.db.AllOutbox()
	if err != nil {
		return 0
	}
	return len(entries)
}

// PendingLen returns the number of queued (not failed) entries.
func (q *Queue) PendingLen() int {
	entries, err := q.db.PendingOutbox()
	if err != nil {
		return 0
	}
	return len(entries)
}

// Flush drains the queue in one batch sync call. A no-op while another
// flush is running or while offline. Ids accepted by the server move to
// delivered and leave the queue partition; an id absent from the
// response keeps its prior status. Only a rejected batch call marks the
// flushed entries failed.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	if !q.online() {
		return
	}

	pending, err := q.db.PendingOutbox()
	if err != nil {
		q.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	batch := make([]gateway.PendingMessage, 0, len(pending))
	for _, e := range pending {
		batch = append(batch, gateway.PendingMessage{
			ChatID:   e.ChatID,
			Text:     e.Body,
			ClientID: e.ClientMsgID,
		})
	}

	results, err := q.sender.SyncPending(ctx, batch)
	if err != nil {
		q.logger.Error("outbox flush failed", zap.Error(err), zap.Int("count", len(pending)))
		for _, e := range pending {
			_ = q.db.MarkOutboxFailed(e.ClientMsgID, err.Error())
			_ = q.db.UpdateMessageStatus(e.ClientMsgID, store.StatusFailed)
			q.publish(bus.KindMessageSendFailed, map[string]string{
				"client_msg_id": e.ClientMsgID,
				"error":         err.Error(),
			})
		}
		return
	}

	accepted := make(map[string]gateway.SyncResult, len(results))
	for _, r := range results {
		accepted[r.ClientID] = r
	}

	for _, e := range pending {
		r, ok := accepted[e.ClientMsgID]
		if !ok {
			// Not round-tripped: no assumption of failure, keep as is.
			continue
		}
		if err := q.db.UpdateMessageStatus(e.ClientMsgID, store.StatusDelivered); err != nil {
			q.logger.Error("failed to mark delivered", zap.Error(err), zap.String("client_msg_id", e.ClientMsgID))
			continue
		}
		if err := q.db.RemoveOutbox(e.ClientMsgID); err != nil {
			q.logger.Error("failed to dequeue", zap.Error(err), zap.String("client_msg_id", e.ClientMsgID))
		}
		q.logger.Info("queued message delivered",
			zap.String("client_msg_id", e.ClientMsgID),
			zap.String("server_msg_id", r.ServerID))
		q.publish(bus.KindMessageUpserted, map[string]string{"chat_id": e.ChatID, "msg_id": e.ClientMsgID})
		q.publish(bus.KindMessageSendAck, map[string]string{
			"client_msg_id": e.ClientMsgID,
			"server_msg_id": r.ServerID,
		})
	}
}

// Start watches connectivity transitions and flushes automatically when
// the link comes back with entries pending. Enqueueing while offline
// does not trigger a flush.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	ch, unsub := q.bus.Subscribe("net.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				st, ok := evt.Payload.(netmon.State)
				if !ok || !st.Online {
					continue
				}
				if q.PendingLen() > 0 {
					q.Flush(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the connectivity watcher.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) publish(kind string, payload any) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
