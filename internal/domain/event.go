package domain

// Real-time event types pushed through the notifier.
const (
	EventNewMessage      = "new_message"
	EventMessageStatus   = "message_status"
	EventMessageReaction = "message_reaction"
	EventMessageDeleted  = "message_deleted"
	EventMessagePinned   = "message_pinned"
	EventTyping          = "typing_indicator"
)
