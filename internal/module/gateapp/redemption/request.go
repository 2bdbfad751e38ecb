package redemption

import "time"

type RedeemRequest struct {
	QRToken  string `json:"qr_token" validate:"required"`
	DeviceID string `json:"device_id" validate:"required"`
}

// ReplayRedemptionRequest is one redemption event drained from a device's
// outbox. EventID doubles as the redemption id, which makes the replay
// idempotent: a re-sent event returns the already-stored verdict.
type ReplayRedemptionRequest struct {
	EventID         string    `json:"event_id" validate:"required"`
	QRToken         string    `json:"qr_token" validate:"required"`
	DeviceID        string    `json:"device_id" validate:"required"`
	RecordedAtLocal time.Time `json:"recorded_at_local"`
	LocalResult     string    `json:"local_result" validate:"omitempty,oneof=pass fail"`
}
