package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published across the daemon. Subscribers filter by
// namespace prefix, e.g. "message." or "call.".
const (
	KindNetChanged        = "net.changed"
	KindMessageUpserted   = "message.upserted"
	KindMessageReceived   = "message.received"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindChatUpdated       = "chat.updated"
	KindSyncCompleted     = "sync.completed"
	KindCallStateChanged  = "call.state_changed"
	KindCallIncoming      = "call.incoming"
	KindSessionStatus     = "session.status_changed"
)
