package issuance

import "time"

type LineItemRequest struct {
	Type           string    `json:"type" validate:"oneof=single multi timepass credit"`
	QuotaOrMinutes int64     `json:"quota_or_minutes" validate:"required,gt=0"`
	Quantity       int64     `json:"quantity" validate:"required,gt=0"`
	ValidFrom      time.Time `json:"valid_from" validate:"required"`
	ValidTo        time.Time `json:"valid_to" validate:"required"`
	DeviceBinding  []string  `json:"device_binding"`
}

type IssueRequest struct {
	SaleID         string            `json:"sale_id" validate:"required"`
	ShiftID        string            `json:"shift_id" validate:"required"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required"`
	Items          []LineItemRequest `json:"items" validate:"required,min=1,dive"`
}

type ReprintRequest struct {
	TicketID string `json:"ticket_id" validate:"required"`
}

type RefundRequest struct {
	TicketID string `json:"ticket_id" validate:"required"`
}

type RevokeRequest struct {
	TicketID string `json:"ticket_id" validate:"required"`
}

// ReplayEventRequest is a non-redemption outbox event drained from a device:
// an offline sale, reprint, or refund to be applied authoritatively.
type ReplayEventRequest struct {
	EventID         string    `json:"event_id" validate:"required"`
	Kind            string    `json:"kind" validate:"required,oneof=sale reprint refund"`
	RecordedAtLocal time.Time `json:"recorded_at_local"`

	Sale    *IssueRequest   `json:"sale,omitempty"`
	Reprint *ReprintRequest `json:"reprint,omitempty"`
	Refund  *RefundRequest  `json:"refund,omitempty"`
}
