package offgate

import "net/http"

// ResponseSnapshot is an immutable captured origin response. The body is
// read in full when the snapshot is taken, so the same bytes can be served
// to the caller and persisted without a second read of the network stream.
// Refreshing a cached key overwrites the whole snapshot, never mutates it.
type ResponseSnapshot struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// DeferredRequest is a mutating request that could not reach the origin and
// was queued for replay. IDs come from a persisted monotonic sequence.
// ClientID doubles as the idempotency key sent on replay.
type DeferredRequest struct {
	ID        uint64
	ClientID  string
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
	Attempts  int
	CreatedAt int64
}

// PendingOrder is a queued order submission. Unlike DeferredRequest it is
// not deleted on successful replay: the Synced flag flips instead, so pages
// can query sync status before the record is pruned.
type PendingOrder struct {
	ID        uint64
	ClientID  string
	Payload   []byte
	Header    http.Header
	Synced    bool
	Attempts  int
	CreatedAt int64
	SyncedAt  int64
}

// NotificationAction is a button on a page notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushNotification is the descriptor broadcast to pages on a push event,
// merged from the configured default template and an optional server-sent
// payload. Ephemeral, never persisted.
type PushNotification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Badge   string               `json:"badge,omitempty"`
	Vibrate []int                `json:"vibrate,omitempty"`
	Data    map[string]any       `json:"data,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
}
