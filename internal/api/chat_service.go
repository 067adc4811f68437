package api

import (
	"context"
	"fmt"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/store"
)

// ChatSyncer is the slice of the reconciler the chat service needs.
type ChatSyncer interface {
	LoadChats(ctx context.Context) ([]store.Chat, error)
	SetActiveChat(ctx context.Context, chatID string)
	LeaveChat(ctx context.Context, chatID string) error
}

// ChatCreator is the slice of the gateway the chat service needs.
type ChatCreator interface {
	CreateDirectChat(ctx context.Context, peerID string) (string, error)
	CreateGroupChat(ctx context.Context, name string, memberIDs []string) (string, error)
}

// ChatService serves the chat list to an embedding UI.
type ChatService struct {
	db  *store.DB
	bus *bus.Bus
	rec ChatSyncer
	gw  ChatCreator
}

// NewChatService creates a chat service.
func NewChatService(db *store.DB, b *bus.Bus, rec ChatSyncer, gw ChatCreator) *ChatService {
	return &ChatService{db: db, bus: b, rec: rec, gw: gw}
}

// ListChats returns the chat list, refreshed from the gateway when
// online, sorted by last message descending.
func (s *ChatService) ListChats(ctx context.Context) ([]store.Chat, error) {
	return s.rec.LoadChats(ctx)
}

// GetChat returns one chat from the cache.
func (s *ChatService) GetChat(chatID string) (*store.Chat, error) {
	c, err := s.db.GetChat(chatID)
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("chat %q not found", chatID)
	}
	return c, nil
}

// OpenChat marks a chat active: its unread counter resets and incoming
// messages stop raising notifications until another chat is opened.
func (s *ChatService) OpenChat(ctx context.Context, chatID string) {
	s.rec.SetActiveChat(ctx, chatID)
}

// CloseChat clears the active chat.
func (s *ChatService) CloseChat(ctx context.Context) {
	s.rec.SetActiveChat(ctx, "")
}

// CreateDirectChat opens (or returns) the direct chat with a peer and
// refreshes the chat list.
func (s *ChatService) CreateDirectChat(ctx context.Context, peerID string) (string, error) {
	chatID, err := s.gw.CreateDirectChat(ctx, peerID)
	if err != nil {
		return "", err
	}
	if _, err := s.rec.LoadChats(ctx); err != nil {
		return chatID, err
	}
	return chatID, nil
}

// CreateGroupChat creates a named chat with the given members.
func (s *ChatService) CreateGroupChat(ctx context.Context, name string, memberIDs []string) (string, error) {
	chatID, err := s.gw.CreateGroupChat(ctx, name, memberIDs)
	if err != nil {
		return "", err
	}
	if _, err := s.rec.LoadChats(ctx); err != nil {
		return chatID, err
	}
	return chatID, nil
}

// LeaveChat removes the user from a chat.
func (s *ChatService) LeaveChat(ctx context.Context, chatID string) error {
	return s.rec.LeaveChat(ctx, chatID)
}

// WatchChats returns a subscription to chat list changes. The caller
// must invoke the returned unsubscribe function.
func (s *ChatService) WatchChats(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("chat.", bufSize)
}
