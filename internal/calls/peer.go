package calls

import "context"

// Track is an acquired local media capture.
type Track interface {
	// SetMuted pauses or resumes the captured audio.
	SetMuted(muted bool)
	// Stop releases the capture devices.
	Stop()
}

// Media acquires local capture devices. An implementation returns an
// error when access is denied; for a video call the engine retries
// audio-only before giving up.
type Media interface {
	Acquire(ctx context.Context, video bool) (Track, error)
}

// ConnState is a peer transport connectivity state.
type ConnState string

const (
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Conn is one peer media transport. Offer/answer and candidates flow
// through the signaling channel; the engine never inspects their
// contents.
type Conn interface {
	AttachTrack(t Track) error
	CreateOffer(ctx context.Context) (string, error)
	ApplyAnswer(ctx context.Context, sdp string) error
	ApplyOffer(ctx context.Context, sdp string) error
	CreateAnswer(ctx context.Context) (string, error)
	AddCandidate(candidate string) error
	// Candidates yields locally gathered candidates to relay to the peer.
	Candidates() <-chan string
	// StateChanges yields transport connectivity transitions.
	StateChanges() <-chan ConnState
	Close() error
}

// Transport builds peer connections.
type Transport interface {
	Dial() (Conn, error)
}
