package calls

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cipherim/cipher/internal/bus"
	"github.com/cipherim/cipher/internal/gateway"
	"go.uber.org/zap"
)

// State represents a call session state.
type State string

const (
	StateIdle       State = "IDLE"
	StateCalling    State = "CALLING"
	StateConnecting State = "CONNECTING"
	StateActive     State = "ACTIVE"
	StateEnded      State = "ENDED"
)

// validTransitions defines allowed state transitions. The callee path
// enters CONNECTING straight from IDLE; only the caller visits CALLING.
var validTransitions = map[State][]State{
	StateIdle:       {StateCalling, StateConnecting},
	StateCalling:    {StateConnecting, StateEnded},
	StateConnecting: {StateActive, StateEnded},
	StateActive:     {StateEnded},
	StateEnded:      {StateIdle},
}

// Role distinguishes which side of the call this client is.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

var (
	// ErrCallInProgress is returned when a call is started while a
	// session is already non-idle, including the post-call grace window.
	ErrCallInProgress = errors.New("a call is already in progress")
	// ErrNoIncomingCall is returned when accepting or rejecting with no
	// ringing offer pending.
	ErrNoIncomingCall = errors.New("no incoming call")
	// ErrMediaDenied is returned when capture devices cannot be
	// acquired, after the audio-only retry for video calls.
	ErrMediaDenied = errors.New("media access denied")
	// ErrTransportFailed is returned when the peer transport cannot be
	// set up.
	ErrTransportFailed = errors.New("call transport failed")
)

// Signaler is the slice of the gateway the engine needs.
type Signaler interface {
	InitiateCall(ctx context.Context, calleeID, chatID, callType, offer string) (string, error)
	AnswerCall(ctx context.Context, callID, answer string) error
	SendFragment(ctx context.Context, callID, candidate string) error
	PollCall(ctx context.Context) (*gateway.CallPoll, error)
	EndCall(ctx context.Context, callID string) error
	RejectCall(ctx context.Context, callID string) error
}

// Session is a snapshot of the current call.
type Session struct {
	CallID     string
	ChatID     string
	PeerID     string
	PeerName   string
	PeerAvatar string
	CallType   string
	Role       Role
	Muted      bool
	Duration   int // seconds since transport connected
}

// StateChange is the payload of call.state_changed events.
type StateChange struct {
	From   State
	To     State
	CallID string
}

type session struct {
	Session
	track         Track
	conn          Conn
	applied       map[string]struct{}
	answerApplied bool
	cancel        context.CancelFunc
}

const (
	defaultSignalInterval = time.Second
	defaultGraceDelay     = 800 * time.Millisecond
	defaultTickInterval   = time.Second
)

// Engine drives a single logical call through offer/answer/candidate
// exchange over the signaling poll channel. At most one session is
// non-idle at any time; a session that ends lingers in ENDED for a
// short grace delay before the engine returns to IDLE.
type Engine struct {
	gw        Signaler
	media     Media
	transport Transport
	bus       *bus.Bus
	logger    *zap.Logger

	signalInterval time.Duration
	grace          time.Duration
	tick           time.Duration
	cancel         context.CancelFunc

	mu               sync.Mutex
	userID           string
	state            State
	sess             *session
	seq              int
	incoming         *gateway.Call
	notifiedIncoming string
}

// Option configures an Engine.
type Option func(*Engine)

// WithSignalInterval overrides the signaling poll cadence.
func WithSignalInterval(d time.Duration) Option {
	return func(e *Engine) { e.signalInterval = d }
}

// WithGraceDelay overrides the post-call delay before returning to idle.
func WithGraceDelay(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// WithTickInterval overrides the duration counter cadence.
func WithTickInterval(d time.Duration) Option {
	return func(e *Engine) { e.tick = d }
}

// NewEngine creates a call engine starting in the idle state.
func NewEngine(gw Signaler, media Media, transport Transport, b *bus.Bus, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		gw:             gw,
		media:          media,
		transport:      transport,
		bus:            b,
		logger:         logger,
		signalInterval: defaultSignalInterval,
		grace:          defaultGraceDelay,
		tick:           defaultTickInterval,
		state:          StateIdle,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetUser records the authenticated user id, used to recognize incoming
// offers and to skip own fragments in poll responses.
func (e *Engine) SetUser(id string) {
	e.mu.Lock()
	e.userID = id
	e.mu.Unlock()
}

// UserID returns the authenticated user id, or "" before login.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns the current state and session. The session is the
// zero value while idle.
func (e *Engine) Snapshot() (State, Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return e.state, Session{}
	}
	return e.state, e.sess.Session
}

// Incoming returns the pending ringing offer, or nil.
func (e *Engine) Incoming() *gateway.Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.incoming
}

// Start begins the signaling poll loop. While idle it watches for
// incoming ringing offers; during a call it carries the answer and
// candidate exchange.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.signalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.pollOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the poll loop. An in-flight session is hung up.
func (e *Engine) Stop() {
	_ = e.Hangup(context.Background())
	if e.cancel != nil {
		e.cancel()
	}
}

// StartCall initiates an outgoing call. A no-op error while any session
// is non-idle. Video capture failure degrades to audio-only; submission
// failure releases media and returns the engine to idle.
func (e *Engine) StartCall(ctx context.Context, peerID, chatID string, video bool) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrCallInProgress
	}
	e.seq++
	seq := e.seq
	if err := e.transitionLocked(StateCalling, ""); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	callType := gateway.CallTypeVoice
	if video {
		callType = gateway.CallTypeVideo
	}

	track, conn, offer, err := e.setUpPeer(ctx, video, func(c Conn) (string, error) {
		return c.CreateOffer(ctx)
	})
	if err != nil {
		e.abortSetup(seq)
		return err
	}

	callID, err := e.gw.InitiateCall(ctx, peerID, chatID, callType, offer)
	if err != nil {
		track.Stop()
		_ = conn.Close()
		e.abortSetup(seq)
		return fmt.Errorf("initiate call: %w", err)
	}

	e.mu.Lock()
	if e.seq != seq || e.state != StateCalling {
		// Hung up while the initiate request was in flight. The remote
		// already knows the call id, so tell it to stop ringing.
		e.mu.Unlock()
		track.Stop()
		_ = conn.Close()
		e.signalEnd(callID)
		return nil
	}
	e.sess = &session{
		Session: Session{
			CallID:   callID,
			ChatID:   chatID,
			PeerID:   peerID,
			CallType: callType,
			Role:     RoleCaller,
		},
		track:   track,
		conn:    conn,
		applied: make(map[string]struct{}),
	}
	e.startPumpsLocked(seq)
	e.mu.Unlock()

	e.logger.Info("call initiated", zap.String("call_id", callID), zap.String("call_type", callType))
	return nil
}

// Accept answers the pending incoming call. The callee enters
// CONNECTING directly, never CALLING.
func (e *Engine) Accept(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrCallInProgress
	}
	offer := e.incoming
	if offer == nil {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}
	e.incoming = nil
	e.seq++
	seq := e.seq
	if err := e.transitionLocked(StateConnecting, offer.ID); err != nil {
		e.mu.Unlock()
		return err
	}
	e.mu.Unlock()

	video := offer.CallType == gateway.CallTypeVideo
	track, conn, answer, err := e.setUpPeer(ctx, video, func(c Conn) (string, error) {
		if err := c.ApplyOffer(ctx, offer.SDPOffer); err != nil {
			return "", fmt.Errorf("apply offer: %w", err)
		}
		return c.CreateAnswer(ctx)
	})
	if err != nil {
		e.abortSetup(seq)
		return err
	}

	if err := e.gw.AnswerCall(ctx, offer.ID, answer); err != nil {
		track.Stop()
		_ = conn.Close()
		e.abortSetup(seq)
		return fmt.Errorf("answer call: %w", err)
	}

	e.mu.Lock()
	if e.seq != seq || e.state != StateConnecting {
		e.mu.Unlock()
		track.Stop()
		_ = conn.Close()
		e.signalEnd(offer.ID)
		return nil
	}
	e.sess = &session{
		Session: Session{
			CallID:     offer.ID,
			ChatID:     offer.ChatID,
			PeerID:     offer.CallerID,
			PeerName:   offer.PeerName,
			PeerAvatar: offer.PeerAvatar,
			CallType:   offer.CallType,
			Role:       RoleCallee,
		},
		track:   track,
		conn:    conn,
		applied: make(map[string]struct{}),
	}
	e.startPumpsLocked(seq)
	e.mu.Unlock()

	e.logger.Info("call accepted", zap.String("call_id", offer.ID))
	return nil
}

// Reject declines the pending incoming call. The offer is only cleared
// once the gateway accepts the rejection, so a failed attempt can be
// retried (or the call still accepted).
func (e *Engine) Reject(ctx context.Context) error {
	e.mu.Lock()
	offer := e.incoming
	e.mu.Unlock()
	if offer == nil {
		return ErrNoIncomingCall
	}
	if err := e.gw.RejectCall(ctx, offer.ID); err != nil {
		return fmt.Errorf("reject call: %w", err)
	}
	e.mu.Lock()
	if e.incoming != nil && e.incoming.ID == offer.ID {
		e.incoming = nil
	}
	e.mu.Unlock()
	return nil
}

// Hangup ends the current call. A no-op while idle.
func (e *Engine) Hangup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIdle || e.state == StateEnded {
		return nil
	}
	e.endLocked(true)
	return nil
}

// ToggleMute flips the local track's mute state and reports the new one.
func (e *Engine) ToggleMute() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess == nil {
		return false
	}
	e.sess.Muted = !e.sess.Muted
	if e.sess.track != nil {
		e.sess.track.SetMuted(e.sess.Muted)
	}
	return e.sess.Muted
}

// setUpPeer acquires media, dials the transport and produces the local
// description via produce. Video capture failure retries audio-only.
func (e *Engine) setUpPeer(ctx context.Context, video bool, produce func(Conn) (string, error)) (Track, Conn, string, error) {
	track, err := e.media.Acquire(ctx, video)
	if err != nil && video {
		e.logger.Warn("video capture failed, retrying audio-only", zap.Error(err))
		track, err = e.media.Acquire(ctx, false)
	}
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: %v", ErrMediaDenied, err)
	}

	conn, err := e.transport.Dial()
	if err != nil {
		track.Stop()
		return nil, nil, "", fmt.Errorf("%w: dial: %v", ErrTransportFailed, err)
	}
	if err := conn.AttachTrack(track); err != nil {
		track.Stop()
		_ = conn.Close()
		return nil, nil, "", fmt.Errorf("%w: attach track: %v", ErrTransportFailed, err)
	}

	desc, err := produce(conn)
	if err != nil {
		track.Stop()
		_ = conn.Close()
		return nil, nil, "", err
	}
	return track, conn, desc, nil
}

// abortSetup unwinds a failed call setup straight back to idle, with no
// grace delay: nothing was ever presented.
func (e *Engine) abortSetup(seq int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq != seq || e.state == StateIdle {
		return
	}
	callID := ""
	if e.sess != nil {
		callID = e.sess.CallID
	}
	if e.state != StateEnded {
		_ = e.transitionLocked(StateEnded, callID)
	}
	_ = e.transitionLocked(StateIdle, callID)
	e.sess = nil
}

// endLocked drives any non-idle session to ENDED, releasing media and
// transport, and schedules the grace-delayed return to idle. The caller
// holds e.mu.
func (e *Engine) endLocked(notifyRemote bool) {
	sess := e.sess
	seq := e.seq
	callID := ""
	if sess != nil {
		callID = sess.CallID
	}
	_ = e.transitionLocked(StateEnded, callID)

	if sess != nil {
		if sess.cancel != nil {
			sess.cancel()
		}
		if sess.track != nil {
			sess.track.Stop()
		}
		if sess.conn != nil {
			_ = sess.conn.Close()
		}
		sess.applied = nil
	}

	if notifyRemote && callID != "" {
		e.signalEnd(callID)
	}

	time.AfterFunc(e.grace, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.seq == seq && e.state == StateEnded {
			_ = e.transitionLocked(StateIdle, callID)
			e.sess = nil
		}
	})
}

// signalEnd tells the remote to tear down callID, best-effort.
func (e *Engine) signalEnd(callID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.gw.EndCall(ctx, callID); err != nil {
			e.logger.Warn("end call signal failed", zap.Error(err), zap.String("call_id", callID))
		}
	}()
}

// startPumpsLocked launches the candidate relay, transport state watch
// and duration counter for the current session. The caller holds e.mu.
func (e *Engine) startPumpsLocked(seq int) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := e.sess
	sess.cancel = cancel

	go func() {
		for {
			select {
			case cand, ok := <-sess.conn.Candidates():
				if !ok {
					return
				}
				// Best-effort relay; mid-call failures are not retried.
				if err := e.gw.SendFragment(ctx, sess.CallID, cand); err != nil {
					e.logger.Warn("fragment relay failed", zap.Error(err), zap.String("call_id", sess.CallID))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case st, ok := <-sess.conn.StateChanges():
				if !ok {
					return
				}
				e.handleConnState(seq, st)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(e.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.mu.Lock()
				if e.seq == seq && e.state == StateActive && e.sess != nil {
					e.sess.Duration++
				}
				e.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (e *Engine) handleConnState(seq int, st ConnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seq != seq {
		return
	}
	switch st {
	case ConnConnected:
		if e.state == StateConnecting {
			callID := ""
			if e.sess != nil {
				callID = e.sess.CallID
			}
			_ = e.transitionLocked(StateActive, callID)
		}
	case ConnFailed, ConnDisconnected:
		if e.state != StateIdle && e.state != StateEnded {
			e.logger.Warn("call transport lost", zap.String("conn_state", string(st)))
			e.endLocked(true)
		}
	}
}

// pollOnce runs one signaling poll. While idle it surfaces ringing
// incoming offers; during a call it applies the remote answer exactly
// once, folds in deduplicated fragments, and treats a vanished call as
// a remote hangup or reject.
func (e *Engine) pollOnce(ctx context.Context) {
	e.mu.Lock()
	state := e.state
	sess := e.sess
	seq := e.seq
	userID := e.userID
	e.mu.Unlock()

	if userID == "" || state == StateEnded {
		return
	}

	res, err := e.gw.PollCall(ctx)
	if err != nil {
		e.logger.Debug("call poll failed", zap.Error(err))
		return
	}

	if state == StateIdle || sess == nil {
		e.observeIncoming(res.Call, userID)
		return
	}

	if res.Call == nil || res.Call.ID != sess.CallID {
		e.mu.Lock()
		if e.seq == seq && e.state != StateIdle && e.state != StateEnded {
			e.logger.Info("call ended remotely", zap.String("call_id", sess.CallID))
			e.endLocked(false)
		}
		e.mu.Unlock()
		return
	}

	if state == StateCalling && res.Call.SDPAnswer != "" {
		e.mu.Lock()
		first := e.seq == seq && !sess.answerApplied
		if first {
			sess.answerApplied = true
		}
		e.mu.Unlock()
		if first {
			if err := sess.conn.ApplyAnswer(ctx, res.Call.SDPAnswer); err != nil {
				e.logger.Error("failed to apply answer", zap.Error(err), zap.String("call_id", sess.CallID))
				e.mu.Lock()
				if e.seq == seq {
					e.endLocked(true)
				}
				e.mu.Unlock()
				return
			}
			e.mu.Lock()
			if e.seq == seq && e.state == StateCalling {
				_ = e.transitionLocked(StateConnecting, sess.CallID)
			}
			e.mu.Unlock()
		}
	}

	for _, f := range res.Fragments {
		if f.SenderID == userID {
			continue
		}
		e.mu.Lock()
		dup := e.seq != seq || sess.applied == nil
		if !dup {
			_, dup = sess.applied[f.ID]
			if !dup {
				sess.applied[f.ID] = struct{}{}
			}
		}
		e.mu.Unlock()
		if dup {
			continue
		}
		if err := sess.conn.AddCandidate(f.Candidate); err != nil {
			e.logger.Warn("failed to apply fragment", zap.Error(err), zap.String("fragment_id", f.ID))
		}
	}
}

// observeIncoming surfaces a ringing offer addressed to this user as a
// call.incoming event, once per call id.
func (e *Engine) observeIncoming(call *gateway.Call, userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if call == nil {
		e.incoming = nil
		return
	}
	if call.Status != gateway.CallStatusRinging || call.CalleeID != userID {
		return
	}
	if e.state != StateIdle || e.notifiedIncoming == call.ID {
		return
	}
	e.incoming = call
	e.notifiedIncoming = call.ID
	e.publish(bus.KindCallIncoming, *call)
}

// transitionLocked attempts a state transition, publishing a
// call.state_changed event on success. The caller holds e.mu.
func (e *Engine) transitionLocked(to State, callID string) error {
	allowed := validTransitions[e.state]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", e.state, to)
	}
	from := e.state
	e.state = to
	e.publish(bus.KindCallStateChanged, StateChange{From: from, To: to, CallID: callID})
	return nil
}

func (e *Engine) publish(kind string, payload any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
