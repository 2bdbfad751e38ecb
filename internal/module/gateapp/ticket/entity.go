package ticket

import "time"

// Ticket as the gate sees it. Every field except Used, Status, ActivatedAt,
// and UpdatedAt is immutable after issuance; Used is written exclusively by
// the Claim operation.
type Ticket struct {
	ID             string
	ShortCode      string
	QRToken        string
	Signature      string
	KeyVersion     int
	TenantID       string
	Type           string
	QuotaOrMinutes int64
	Used           int64
	ValidFrom      time.Time
	ValidTo        time.Time
	DeviceBinding  []string
	LotNo          string
	SaleID         string
	ShiftID        string
	IssuedBy       string
	Status         string
	ActivatedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ClaimResult reports the outcome of one atomic quota claim.
type ClaimResult struct {
	Granted   bool
	Reason    string
	Remaining int64
}

// Redemption is one row per attempt, pass or fail, never mutated. Its ID is
// the idempotency key for both the audit append and outbox replay.
type Redemption struct {
	ID             string
	TicketID       string
	DeviceID       string
	Timestamp      time.Time
	Result         string
	Reason         *string
	RemainingAfter int64
}
