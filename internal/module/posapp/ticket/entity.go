package ticket

import "time"

// Ticket as the point-of-sale side owns it: created once at issuance,
// status-mutated only through the compare-and-set refund/revoke path.
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
