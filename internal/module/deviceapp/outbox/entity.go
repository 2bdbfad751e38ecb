package outbox

import (
	"encoding/json"
	"time"
)

const (
	SyncStatusPending  = "pending"
	SyncStatusSent     = "sent"
	SyncStatusAcked    = "acked"
	SyncStatusRejected = "rejected"
)

const (
	KindSale       = "sale"
	KindRedemption = "redemption"
	KindReprint    = "reprint"
	KindRefund     = "refund"
)

// Event is one locally recorded action awaiting reconciliation with the
// server. Events replay strictly in creation order.
type Event struct {
	ID             string
	Kind           string
	Payload        json.RawMessage
	CreatedAtLocal time.Time
	SyncStatus     string
	Attempts       int64
}

// Correction carries the server's authoritative outcome for an event whose
// local result did not survive reconciliation.
type Correction struct {
	EventID      string
	Kind         string
	LocalResult  string
	ServerResult string
	ServerReason string
}
