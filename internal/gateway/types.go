package gateway

// Identity describes the authenticated user as returned by the gateway.
type Identity struct {
	UserID      string `json:"user_id"`
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
}

// User is a search result from the user directory.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar"`
	Online      bool   `json:"online"`
}

// Chat is the gateway's view of a conversation.
type Chat struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Avatar        string `json:"avatar"`
	Online        bool   `json:"online"`
	LastMessage   string `json:"last_message"`
	LastTimestamp string `json:"last_timestamp"`
	Unread        int    `json:"unread"`
	PartnerID     string `json:"partner_id"`
}

// Message is the gateway's view of a message. CreatedAt doubles as the
// poll cursor value.
type Message struct {
	ID        string `json:"id"`
	ChatID    string `json:"chat_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// SendReceipt confirms an accepted message with its canonical id.
type SendReceipt struct {
	ServerID  string `json:"id"`
	ClientID  string `json:"client_id"`
	CreatedAt string `json:"created_at"`
}

// PendingMessage is one entry of a batch sync call.
type PendingMessage struct {
	ChatID   string `json:"chat_id"`
	Text     string `json:"text"`
	ClientID string `json:"client_id"`
}

// SyncResult reports one accepted entry of a batch sync call, keyed by
// the caller-supplied client id.
type SyncResult struct {
	ServerID  string `json:"id"`
	ClientID  string `json:"client_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// Call types and server-side call statuses.
const (
	CallTypeVoice = "voice"
	CallTypeVideo = "video"

	CallStatusRinging = "ringing"
	CallStatusActive  = "active"
)

// Call is the gateway's view of the single call involving this user.
type Call struct {
	ID         string `json:"id"`
	CallerID   string `json:"caller_id"`
	CalleeID   string `json:"callee_id"`
	ChatID     string `json:"chat_id"`
	CallType   string `json:"call_type"`
	Status     string `json:"status"`
	SDPOffer   string `json:"sdp_offer"`
	SDPAnswer  string `json:"sdp_answer"`
	PeerName   string `json:"peer_name"`
	PeerAvatar string `json:"peer_avatar"`
	CreatedAt  string `json:"created_at"`
}

// Fragment is one piece of call-setup data (a connectivity candidate)
// relayed through the signaling channel.
type Fragment struct {
	ID        string `json:"id"`
	SenderID  string `json:"sender_id"`
	Candidate string `json:"candidate"`
}

// CallPoll is a signaling poll response. Call is nil when no call
// involving this user is ringing or active.
type CallPoll struct {
	Call      *Call      `json:"call"`
	Fragments []Fragment `json:"ice_candidates"`
}
