package bus

import "time"

// Event kinds published by the sync core. Subscribers filter by namespace
// prefix, e.g. "message." matches both message.upserted and
// message.send_failed.
const (
	KindConversationUpdated = "conversation.updated"
	KindMessageUpserted     = "message.upserted"
	KindMessageSendFailed   = "message.send_failed"
	KindUnreadChanged       = "unread.changed"
	KindTypingChanged       = "typing.changed"
	KindPresenceChanged     = "presence.changed"
	KindSyncReconciled      = "sync.reconciled"
	KindStatusChanged       = "controller.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
