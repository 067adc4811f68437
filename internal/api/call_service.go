package api

import (
	"context"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/calls"
	"github.com/cipherim/cipher/internal/gateway"
)

// CallService exposes the call engine to an embedding UI.
type CallService struct {
	engine *calls.Engine
	bus    *bus.Bus
}

// NewCallService creates a call service.
func NewCallService(engine *calls.Engine, b *bus.Bus) *CallService {
	return &CallService{engine: engine, bus: b}
}

// StartCall initiates an outgoing voice or video call.
func (s *CallService) StartCall(ctx context.Context, peerID, chatID string, video bool) error {
	return s.engine.StartCall(ctx, peerID, chatID, video)
}

// Accept answers the pending incoming call.
func (s *CallService) Accept(ctx context.Context) error {
	return s.engine.Accept(ctx)
}

// Reject declines the pending incoming call.
func (s *CallService) Reject(ctx context.Context) error {
	return s.engine.Reject(ctx)
}

// Hangup ends the current call.
func (s *CallService) Hangup(ctx context.Context) error {
	return s.engine.Hangup(ctx)
}

// ToggleMute flips the local mute state and reports the new one.
func (s *CallService) ToggleMute() bool {
	return s.engine.ToggleMute()
}

// Snapshot returns the current call state and session.
func (s *CallService) Snapshot() (calls.State, calls.Session) {
	return s.engine.Snapshot()
}

// Incoming returns the pending ringing offer, or nil.
func (s *CallService) Incoming() *gateway.Call {
	return s.engine.Incoming()
}

// WatchCalls returns a subscription to call events. The caller must
// invoke the returned unsubscribe function.
func (s *CallService) WatchCalls(bufSize int) (<-chan bus.Event, func()) {
	return s.bus.Subscribe("call.", bufSize)
}
