package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. Subscribers filter by namespace
// prefix, e.g. "net." receives both net.up and net.down.
const (
	KindNetUp        = "net.up"
	KindNetDown      = "net.down"
	KindSocketOpen   = "socket.open"
	KindSocketClosed = "socket.closed" // payload: SocketClosed
	KindQueueSize    = "queue.size"    // payload: QueueSize
	KindNotice       = "ui.notice"     // payload: Notice
	KindMsgUpserted  = "message.upserted"
	KindMsgUpdated   = "message.updated"
)

// SocketClosed carries the transport close code. Code 1000 is a normal
// close; anything else triggers a reconnect.
type SocketClosed struct {
	Code int
}

// QueueSize announces an outbox size change.
type QueueSize struct {
	Prev int
	Size int
}

// NoticeSeverity grades user-facing notices.
type NoticeSeverity string

const (
	NoticeSuccess NoticeSeverity = "success"
	NoticeWarning NoticeSeverity = "warning"
	NoticeError   NoticeSeverity = "error"
)

// Notice is a transient, dismissible user-facing notification.
type Notice struct {
	Severity NoticeSeverity
	Text     string
	Sticky   bool // stays until dismissed (connectivity-loss notices)
}
