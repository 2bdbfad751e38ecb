package issuance

import "time"

// Batch ties every ticket minted for one sale request to the idempotency key
// of that request. A retried sale resolves to its batch and gets the original
// ticket set back.
type Batch struct {
	IdempotencyKey string
	SaleID         string
	TicketIDs      []string
	CreatedAt      time.Time
}

// LineItem is one purchased unit group from the sale, as handed over by the
// POS checkout collaborator.
type LineItem struct {
	Type           string
	QuotaOrMinutes int64
	Quantity       int64
	ValidFrom      time.Time
	ValidTo        time.Time
	DeviceBinding  []string
}
