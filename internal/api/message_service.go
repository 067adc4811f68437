package api

import (
	"context"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/store"
)

// MessageSyncer is the slice of the reconciler the message service needs.
type MessageSyncer interface {
	LoadMessages(ctx context.Context, chatID string) ([]store.Message, error)
	Send(ctx context.Context, chatID, body string) (string, error)
	RetrySend(ctx context.Context, msgID string) error
	DeleteMessage(ctx context.Context, msgID string, forAll bool) error
}

// MessageService serves message threads to an embedding UI.
type MessageService struct {
	db  *store.DB
	bus *bus.Bus
	rec MessageSyncer
}

// NewMessageService creates a message service.
func NewMessageService(db *store.DB, b *bus.Bus, rec MessageSyncer) *MessageService {
	return &MessageService{db: db, bus: b, rec: rec}
}

// ListMessages returns a chat's thread, backfilled from the gateway
// when online, ordered oldest first.
func (s *MessageService) ListMessages(ctx context.Context, chatID string) ([]store.Message, error) {
	return s.rec.LoadMessages(ctx, chatID)
}

// Send creates and submits a message, returning its cache id.
func (s *MessageService) Send(ctx context.Context, chatID, body string) (string, error) {
	return s.rec.Send(ctx, chatID, body)
}

// Retry re-submits a failed message under its original id.
func (s *MessageService) Retry(ctx context.Context, msgID string) error {
	return s.rec.RetrySend(ctx, msgID)
}

// Delete removes a message, for everyone when forAll is set.
func (s *MessageService) Delete(ctx context.Context, msgID string, forAll bool) error {
	return s.rec.DeleteMessage(ctx, msgID, forAll)
}

// Search scans the cached messages for the query, optionally within one
// chat, newest first.
func (s *MessageService) Search(query, chatID string, limit int) ([]store.SearchResult, error) {
	return s.db.SearchMessages(query, chatID, limit)
}

// WatchMessages returns a subscription to message events. The caller
// must invoke the returned unsubscribe function.
func (s *MessageService) WatchMessages(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("message.", bufSize)
}
