package api

import (
	"context"
	"fmt"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/gateway"
	"github.com/cipherim/cipher/internal/status"
	"github.com/cipherim/cipher/internal/store"
	"go.uber.org/zap"
)

// Authenticator is the slice of the gateway the session service needs.
type Authenticator interface {
	Register(ctx context.Context, identity, secret, displayName string) (*gateway.Identity, error)
	Login(ctx context.Context, identity, secret string) (*gateway.Identity, error)
	SearchUsers(ctx context.Context, query string) ([]gateway.User, error)
	UpdateProfile(ctx context.Context, displayName, avatar string) error
	SetPresence(ctx context.Context, online bool) error
	SetUser(id string)
}

// UserBinder is any component that needs to know the authenticated
// user id. The session service rebinds all of them on login and logout.
type UserBinder interface {
	SetUser(id string)
}

// Identity is the locally persisted authenticated identity.
type Identity struct {
	UserID      string
	DisplayName string
	Avatar      string
}

// SessionService owns authentication and the session's runtime state.
type SessionService struct {
	db          *store.DB
	bus         *bus.Bus
	gw          Authenticator
	machine     *status.Machine
	binders     []UserBinder
	sessionName string
	logger      *zap.Logger
}

// NewSessionService creates a session service. binders receive the
// authenticated user id whenever it changes.
func NewSessionService(db *store.DB, b *bus.Bus, gw Authenticator, machine *status.Machine, sessionName string, logger *zap.Logger, binders ...UserBinder) *SessionService {
	return &SessionService{
		db:          db,
		bus:         b,
		gw:          gw,
		machine:     machine,
		binders:     binders,
		sessionName: sessionName,
		logger:      logger,
	}
}

// SessionName returns the name of this session.
func (s *SessionService) SessionName() string {
	return s.sessionName
}

// RuntimeState returns the current session runtime state.
func (s *SessionService) RuntimeState() status.State {
	return s.machine.Current()
}

// CurrentIdentity returns the persisted identity, or nil before login.
func (s *SessionService) CurrentIdentity() (*Identity, error) {
	userID, err := s.db.GetState(store.StateUserID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, nil
	}
	name, _ := s.db.GetState(store.StateDisplayName)
	avatar, _ := s.db.GetState(store.StateAvatar)
	return &Identity{UserID: userID, DisplayName: name, Avatar: avatar}, nil
}

// Register creates an account and signs the session in.
func (s *SessionService) Register(ctx context.Context, identity, secret, displayName string) (*Identity, error) {
	id, err := s.gw.Register(ctx, identity, secret, displayName)
	if err != nil {
		return nil, err
	}
	return s.bind(ctx, id)
}

// Login authenticates the session against the gateway.
func (s *SessionService) Login(ctx context.Context, identity, secret string) (*Identity, error) {
	id, err := s.gw.Login(ctx, identity, secret)
	if err != nil {
		return nil, err
	}
	return s.bind(ctx, id)
}

func (s *SessionService) bind(ctx context.Context, id *gateway.Identity) (*Identity, error) {
	if err := s.db.SetState(store.StateUserID, id.UserID); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	if err := s.db.SetState(store.StateDisplayName, id.DisplayName); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	if err := s.db.SetState(store.StateAvatar, id.Avatar); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}

	s.gw.SetUser(id.UserID)
	for _, b := range s.binders {
		b.SetUser(id.UserID)
	}

	if err := s.gw.SetPresence(ctx, true); err != nil {
		s.logger.Warn("presence update failed", zap.Error(err))
	}

	if s.machine.Current() == status.AuthRequired {
		if err := s.machine.Transition(status.Connecting); err != nil {
			s.logger.Error("state transition failed", zap.Error(err))
		}
	}

	s.logger.Info("logged in", zap.String("user_id", id.UserID))
	return &Identity{UserID: id.UserID, DisplayName: id.DisplayName, Avatar: id.Avatar}, nil
}

// Logout forgets the persisted identity and reports the user offline.
// Logout is client-side: the cached chats and messages stay in place.
func (s *SessionService) Logout(ctx context.Context) error {
	if err := s.gw.SetPresence(ctx, false); err != nil {
		s.logger.Warn("presence update failed", zap.Error(err))
	}

	for _, key := range []string{store.StateUserID, store.StateDisplayName, store.StateAvatar} {
		if err := s.db.DeleteState(key); err != nil {
			return fmt.Errorf("forget identity: %w", err)
		}
	}

	s.gw.SetUser("")
	for _, b := range s.binders {
		b.SetUser("")
	}

	if err := s.machine.Transition(status.AuthRequired); err != nil {
		s.logger.Error("state transition failed", zap.Error(err))
	}

	s.logger.Info("logged out")
	return nil
}

// SearchUsers queries the user directory for the new-chat flow.
func (s *SessionService) SearchUsers(ctx context.Context, query string) ([]gateway.User, error) {
	return s.gw.SearchUsers(ctx, query)
}

// UpdateProfile changes the display name and avatar reference, both
// remotely and in the persisted identity.
func (s *SessionService) UpdateProfile(ctx context.Context, displayName, avatar string) error {
	if err := s.gw.UpdateProfile(ctx, displayName, avatar); err != nil {
		return err
	}
	if err := s.db.SetState(store.StateDisplayName, displayName); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	if err := s.db.SetState(store.StateAvatar, avatar); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	return nil
}

// WatchStatus returns a subscription to runtime state changes. The
// caller must invoke the returned unsubscribe function.
func (s *SessionService) WatchStatus(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("session.", bufSize)
}
