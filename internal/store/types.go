package store

// Message status values. A status only ever moves forward:
// sending -> sent -> delivered, or sending -> failed. A failed message
// may be re-submitted under the same id, returning it to sending.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Chat represents a conversation in the local cache.
type Chat struct {
	ID                 string
	Name               string
	Avatar             string
	PeerID             string
	Online             bool
	UnreadCount        int
	LastMessageAt      int64
	LastMessagePreview string
}

// Message represents a message in the local cache, keyed by MsgID.
// MsgID is client-generated for outgoing messages until the remote
// authority confirms a canonical id.
type Message struct {
	MsgID     string
	ChatID    string
	Body      string
	FromMe    bool
	Status    string
	Encrypted bool
	Timestamp int64
}

// OutboxEntry represents a locally created message not yet accepted
// by the remote authority.
type OutboxEntry struct {
	ClientMsgID  string
	ChatID       string
	Body         string
	Status       string // queued, failed
	ErrorMessage string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
