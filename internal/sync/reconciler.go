package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/gateway"
	"github.com/cipherim/cipher/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrOffline is returned for user-initiated actions that need the
// gateway while it is believed unreachable.
var ErrOffline = errors.New("offline")

// Remote is the slice of the gateway the reconciler needs.
type Remote interface {
	PollMessages(ctx context.Context, after string) ([]gateway.Message, error)
	ListChats(ctx context.Context) ([]gateway.Chat, error)
	ListMessages(ctx context.Context, chatID, after string) ([]gateway.Message, error)
	SendMessage(ctx context.Context, chatID, text, clientID string) (*gateway.SendReceipt, error)
	DeleteMessage(ctx context.Context, id string, forAll bool) error
	LeaveChat(ctx context.Context, chatID string) error
	MarkRead(ctx context.Context, chatID string) error
}

// Outbound is the slice of the outbound queue the reconciler needs to
// hand a message off while offline.
type Outbound interface {
	Enqueue(m *store.Message) error
}

const defaultPollInterval = 1500 * time.Millisecond

// Reconciler converges the local cache toward the remote authority. It
// polls for new messages on a fixed cadence while online, applies every
// write through the store's id-keyed upserts and advances a persisted
// cursor only after a poll response is fully applied.
type Reconciler struct {
	db     *store.DB
	gw     Remote
	out    Outbound
	bus    *bus.Bus
	online func() bool
	logger *zap.Logger

	interval time.Duration
	cancel   context.CancelFunc

	mu         sync.RWMutex
	userID     string
	activeChat string
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPollInterval overrides the poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reconciler) { r.interval = d }
}

// NewReconciler creates a reconciler.
func NewReconciler(db *store.DB, gw Remote, out Outbound, b *bus.Bus, online func() bool, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		db:       db,
		gw:       gw,
		out:      out,
		bus:      b,
		online:   online,
		logger:   logger,
		interval: defaultPollInterval,
	}
	for _, o := range opts {
		o(r)
	}
	if id, err := db.GetState(store.StateUserID); err == nil && id != "" {
		r.userID = id
	}
	return r
}

// SetUser records the authenticated user id, used to classify polled
// messages as own or peer-originated.
func (r *Reconciler) SetUser(id string) {
	r.mu.Lock()
	r.userID = id
	r.mu.Unlock()
}

// UserID returns the authenticated user id, or "" before login.
func (r *Reconciler) UserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userID
}

// ActiveChat returns the chat currently on screen, or "".
func (r *Reconciler) ActiveChat() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeChat
}

// SetActiveChat marks a chat as on screen. Its unread counter resets
// locally at once and server-side on a best-effort basis. Pass "" when
// no chat is open.
func (r *Reconciler) SetActiveChat(ctx context.Context, chatID string) {
	r.mu.Lock()
	r.activeChat = chatID
	r.mu.Unlock()

	if chatID == "" {
		return
	}
	if err := r.db.ResetUnread(chatID); err != nil {
		r.logger.Error("failed to reset unread", zap.Error(err), zap.String("chat_id", chatID))
	}
	if r.online() {
		if err := r.gw.MarkRead(ctx, chatID); err != nil {
			r.logger.Warn("mark read failed", zap.Error(err), zap.String("chat_id", chatID))
		}
	}
	r.publish(bus.KindChatUpdated, map[string]string{"chat_id": chatID})
}

// Cursor returns the persisted poll cursor, "" before the first poll.
func (r *Reconciler) Cursor() string {
	cursor, err := r.db.GetState(store.StateCursor)
	if err != nil {
		return ""
	}
	return cursor
}

// Start begins the poll loop. Offline ticks are skipped silently.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.PollOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the poll loop.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// PollOnce fetches messages newer than the cursor and applies them.
// Failures are logged and swallowed; the next tick tries again. The
// cursor only advances after the whole response applied cleanly, so an
// interrupted application is re-fetched rather than lost. A cleanly
// applied cycle publishes sync.completed, even when empty.
func (r *Reconciler) PollOnce(ctx context.Context) {
	if !r.online() || r.UserID() == "" {
		return
	}

	cursor := r.Cursor()
	msgs, err := r.gw.PollMessages(ctx, cursor)
	if err != nil {
		r.logger.Warn("poll failed", zap.Error(err))
		return
	}
	if len(msgs) == 0 {
		r.publish(bus.KindSyncCompleted, map[string]int{"applied": 0})
		return
	}

	next := cursor
	for _, gm := range msgs {
		if err := r.applyMessage(ctx, gm, false); err != nil {
			r.logger.Error("failed to apply message", zap.Error(err), zap.String("msg_id", gm.ID))
			return
		}
		if cursorAfter(gm.CreatedAt, next) {
			next = gm.CreatedAt
		}
	}

	if next != cursor {
		if err := r.db.SetState(store.StateCursor, next); err != nil {
			r.logger.Error("failed to persist cursor", zap.Error(err))
		}
	}

	if _, err := r.LoadChats(ctx); err != nil {
		r.logger.Warn("chat refresh after poll failed", zap.Error(err))
	}
	r.publish(bus.KindSyncCompleted, map[string]int{"applied": len(msgs)})
}

// LoadChats refreshes the chat list from the gateway when online and
// returns the cached list. Offline or on a transport failure the cache
// alone is returned.
func (r *Reconciler) LoadChats(ctx context.Context) ([]store.Chat, error) {
	if r.online() && r.UserID() != "" {
		remote, err := r.gw.ListChats(ctx)
		if err != nil {
			r.logger.Warn("chat list fetch failed", zap.Error(err))
		} else {
			for _, gc := range remote {
				c := &store.Chat{
					ID:                 gc.ID,
					Name:               gc.Name,
					Avatar:             gc.Avatar,
					PeerID:             gc.PartnerID,
					Online:             gc.Online,
					UnreadCount:        gc.Unread,
					LastMessageAt:      parseWireTime(gc.LastTimestamp),
					LastMessagePreview: gc.LastMessage,
				}
				if err := r.db.UpsertChat(c); err != nil {
					return nil, fmt.Errorf("upsert chat: %w", err)
				}
			}
			r.publish(bus.KindChatUpdated, map[string]string{})
		}
	}
	return r.db.ListChats()
}

// LoadMessages backfills one chat's thread from the gateway when online
// and returns the cached thread. The backfill never bumps unread
// counters or raises notifications.
func (r *Reconciler) LoadMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	if r.online() && r.UserID() != "" {
		remote, err := r.gw.ListMessages(ctx, chatID, "")
		if err != nil {
			r.logger.Warn("message backfill failed", zap.Error(err), zap.String("chat_id", chatID))
		} else {
			for _, gm := range remote {
				if err := r.applyMessage(ctx, gm, true); err != nil {
					return nil, err
				}
			}
		}
	}
	return r.db.ListMessages(chatID, 0)
}

// Send creates and submits a message, returning its cache id. Online it
// goes straight to the gateway and the record is rewritten in place
// under the canonical server id. Offline it is handed to the outbound
// queue under its client id. A gateway rejection or transport failure
// on the direct path marks the record failed and surfaces the error;
// re-submission is manual.
func (r *Reconciler) Send(ctx context.Context, chatID, body string) (string, error) {
	m := &store.Message{
		MsgID:     uuid.NewString(),
		ChatID:    chatID,
		Body:      body,
		FromMe:    true,
		Status:    store.StatusSending,
		Encrypted: true,
		Timestamp: time.Now().UnixMilli(),
	}

	if !r.online() {
		if err := r.out.Enqueue(m); err != nil {
			return "", fmt.Errorf("enqueue message: %w", err)
		}
		return m.MsgID, nil
	}

	if err := r.db.UpsertMessage(m); err != nil {
		return "", fmt.Errorf("cache message: %w", err)
	}
	if err := r.db.TouchChat(chatID, body, m.Timestamp); err != nil {
		r.logger.Error("failed to touch chat", zap.Error(err), zap.String("chat_id", chatID))
	}
	r.publish(bus.KindMessageUpserted, map[string]string{"chat_id": chatID, "msg_id": m.MsgID})

	return r.submit(ctx, m)
}

// RetrySend re-submits a failed message under its original id. Online
// it retries the direct path; offline it moves to the outbound queue
// for the next flush.
func (r *Reconciler) RetrySend(ctx context.Context, msgID string) error {
	m, err := r.db.GetMessage(msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("retry send: unknown message %s", msgID)
	}

	m.Status = store.StatusSending
	if !r.online() {
		return r.out.Enqueue(m)
	}

	if err := r.db.UpdateMessageStatus(msgID, store.StatusSending); err != nil {
		return err
	}
	r.publish(bus.KindMessageUpserted, map[string]string{"chat_id": m.ChatID, "msg_id": msgID})
	_, err = r.submit(ctx, m)
	return err
}

// submit runs the direct send path for an already-cached message.
func (r *Reconciler) submit(ctx context.Context, m *store.Message) (string, error) {
	receipt, err := r.gw.SendMessage(ctx, m.ChatID, m.Body, m.MsgID)
	if err != nil {
		if dbErr := r.db.UpdateMessageStatus(m.MsgID, store.StatusFailed); dbErr != nil {
			r.logger.Error("failed to mark message failed", zap.Error(dbErr), zap.String("msg_id", m.MsgID))
		}
		r.publish(bus.KindMessageSendFailed, map[string]string{"chat_id": m.ChatID, "msg_id": m.MsgID, "error": err.Error()})
		return m.MsgID, fmt.Errorf("send message: %w", err)
	}

	id := m.MsgID
	if receipt.ServerID != "" && receipt.ServerID != m.MsgID {
		if err := r.db.RewriteMessageID(m.MsgID, receipt.ServerID); err != nil {
			r.logger.Error("failed to rewrite message id", zap.Error(err), zap.String("msg_id", m.MsgID))
		} else {
			id = receipt.ServerID
		}
	}
	if err := r.db.UpdateMessageStatus(id, store.StatusDelivered); err != nil {
		r.logger.Error("failed to mark delivered", zap.Error(err), zap.String("msg_id", id))
	}

	if cursorAfter(receipt.CreatedAt, r.Cursor()) {
		if err := r.db.SetState(store.StateCursor, receipt.CreatedAt); err != nil {
			r.logger.Error("failed to persist cursor", zap.Error(err))
		}
	}

	r.publish(bus.KindMessageUpserted, map[string]string{"chat_id": m.ChatID, "msg_id": id})
	r.publish(bus.KindMessageSendAck, map[string]string{"client_msg_id": m.MsgID, "server_msg_id": id})
	return id, nil
}

// DeleteMessage removes a message from the cache and, when online,
// from the remote authority. Deleting for everyone needs the gateway.
func (r *Reconciler) DeleteMessage(ctx context.Context, msgID string, forAll bool) error {
	if forAll && !r.online() {
		return ErrOffline
	}
	if r.online() {
		if err := r.gw.DeleteMessage(ctx, msgID, forAll); err != nil {
			if gateway.IsRejected(err) {
				return err
			}
			r.logger.Warn("remote delete failed", zap.Error(err), zap.String("msg_id", msgID))
			if forAll {
				return err
			}
		}
	}
	if err := r.db.DeleteMessage(msgID); err != nil {
		return err
	}
	r.publish(bus.KindMessageUpserted, map[string]string{"msg_id": msgID, "deleted": "1"})
	return nil
}

// LeaveChat removes the user from a chat. Needs the gateway; a purely
// local removal would be undone by the next chat refresh.
func (r *Reconciler) LeaveChat(ctx context.Context, chatID string) error {
	if !r.online() {
		return ErrOffline
	}
	if err := r.gw.LeaveChat(ctx, chatID); err != nil {
		return err
	}
	if err := r.db.DeleteChatMessages(chatID); err != nil {
		return err
	}
	if err := r.db.DeleteChat(chatID); err != nil {
		return err
	}
	r.publish(bus.KindChatUpdated, map[string]string{"chat_id": chatID, "left": "1"})
	return nil
}

// applyMessage folds one remote message into the cache. All poll and
// backfill writes converge here, so re-applying the same id is always
// a no-op on ordering and never regresses a status. backfill suppresses
// unread bumps and received events for historical messages.
func (r *Reconciler) applyMessage(ctx context.Context, gm gateway.Message, backfill bool) error {
	fromMe := gm.SenderID == r.UserID()
	status := gm.Status
	if status == "" {
		if fromMe {
			status = store.StatusSent
		} else {
			status = store.StatusDelivered
		}
	}

	existing, err := r.db.GetMessage(gm.ID)
	if err != nil {
		return err
	}
	isNew := existing == nil

	m := &store.Message{
		MsgID:     gm.ID,
		ChatID:    gm.ChatID,
		Body:      gm.Text,
		FromMe:    fromMe,
		Status:    status,
		Encrypted: true,
		Timestamp: parseWireTime(gm.CreatedAt),
	}
	if err := r.db.UpsertMessage(m); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := r.db.TouchChat(m.ChatID, m.Body, m.Timestamp); err != nil {
		r.logger.Error("failed to touch chat", zap.Error(err), zap.String("chat_id", m.ChatID))
	}

	if isNew && !fromMe && !backfill {
		if m.ChatID != r.ActiveChat() {
			if err := r.db.IncrementUnread(m.ChatID); err != nil {
				r.logger.Error("failed to bump unread", zap.Error(err), zap.String("chat_id", m.ChatID))
			}
			r.publish(bus.KindMessageReceived, *m)
		} else if r.online() {
			if err := r.gw.MarkRead(ctx, m.ChatID); err != nil {
				r.logger.Warn("mark read failed", zap.Error(err), zap.String("chat_id", m.ChatID))
			}
		}
	}

	r.publish(bus.KindMessageUpserted, map[string]string{"chat_id": m.ChatID, "msg_id": m.MsgID})
	return nil
}

func (r *Reconciler) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// cursorAfter reports whether candidate is strictly newer than current.
// Cursors are the gateway's RFC 3339 timestamps; an unparsable candidate
// never advances the cursor.
func cursorAfter(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	ct, err := time.Parse(time.RFC3339, candidate)
	if err != nil {
		return false
	}
	if current == "" {
		return true
	}
	pt, err := time.Parse(time.RFC3339, current)
	if err != nil {
		return true
	}
	return ct.After(pt)
}

// parseWireTime converts a gateway timestamp to unix milliseconds.
func parseWireTime(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}
