package snapshot

import "time"

// TicketSnapshot is the device-local copy of a ticket, synced from the
// server while online. The `used` counter and timepass activation stamp live
// beside it and move locally between syncs, so the snapshot may run ahead of
// the server until reconciliation.
type TicketSnapshot struct {
	ID             string     `json:"id"`
	QRToken        string     `json:"qr_token"`
	TenantID       string     `json:"tenant_id"`
	Type           string     `json:"type"`
	QuotaOrMinutes int64      `json:"quota_or_minutes"`
	Used           int64      `json:"used"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidTo        time.Time  `json:"valid_to"`
	DeviceBinding  []string   `json:"device_binding"`
	LotNo          string     `json:"lot_no"`
	Status         string     `json:"status"`
	Signature      string     `json:"signature"`
	KeyVersion     int        `json:"key_version"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
}
