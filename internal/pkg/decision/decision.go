package decision

import (
	"time"
)

// Results of a redemption attempt.
const (
	ResultPass = "pass"
	ResultFail = "fail"
)

// Reason codes are an external contract shared with gate devices and the
// fraud-review reporting pipeline. Never change the code a branch emits.
const (
	ReasonTicketNotFound   = "ticket_not_found"
	ReasonInvalidSignature = "invalid_signature"
	ReasonRefunded         = "refunded"
	ReasonRevoked          = "revoked"
	ReasonNotStarted       = "not_started"
	ReasonExpired          = "expired"
	ReasonExhausted        = "exhausted"
	ReasonWrongDevice      = "wrong_device"
	ReasonDuplicateUse     = "duplicate_use"
	ReasonProcessingError  = "processing_error"
)

// Ticket statuses.
const (
	StatusActive   = "active"
	StatusRefunded = "refunded"
	StatusRevoked  = "revoked"
)

// Ticket types.
const (
	TypeSingle   = "single"
	TypeMulti    = "multi"
	TypeTimepass = "timepass"
	TypeCredit   = "credit"
)

// Decision is the verdict handed to the gate.
type Decision struct {
	Result           string
	Reason           string
	TicketID         string
	Remaining        int64
	RemainingMinutes int64
}

func Pass(ticketID string, ticketType string, remaining int64) Decision {
	d := Decision{
		Result:   ResultPass,
		TicketID: ticketID,
	}

	if ticketType == TypeTimepass {
		d.RemainingMinutes = remaining
	} else {
		d.Remaining = remaining
	}

	return d
}

func Fail(ticketID string, reason string) Decision {
	return Decision{
		Result:   ResultFail,
		Reason:   reason,
		TicketID: ticketID,
	}
}

// TicketView is the state-only projection of a ticket that the ordered checks
// run against. Both the server store and the device snapshot produce one.
type TicketView struct {
	ID             string
	Type           string
	Status         string
	QuotaOrMinutes int64
	Used           int64
	ValidFrom      time.Time
	ValidTo        time.Time
	DeviceBinding  []string
}

// Evaluate runs the status, validity-window, quota, and device-binding checks
// in their fixed precedence order and returns the first failing reason.
// Lookup, signature verification, duplicate suppression, and the atomic claim
// happen around this function in the callers; the order of the whole pipeline
// is: not_found, invalid_signature, then Evaluate, then duplicate_use, then
// the claim itself.
func Evaluate(t TicketView, deviceID string, now time.Time) (reason string, ok bool) {
	switch t.Status {
	case StatusActive:
	case StatusRefunded:
		return ReasonRefunded, false
	case StatusRevoked:
		return ReasonRevoked, false
	default:
		return ReasonRevoked, false
	}

	if now.Before(t.ValidFrom) {
		return ReasonNotStarted, false
	}

	if now.After(t.ValidTo) {
		return ReasonExpired, false
	}

	if t.Used >= t.QuotaOrMinutes {
		return ReasonExhausted, false
	}

	if len(t.DeviceBinding) > 0 {
		bound := false
		for _, id := range t.DeviceBinding {
			if id == deviceID {
				bound = true
				break
			}
		}
		if !bound {
			return ReasonWrongDevice, false
		}
	}

	return "", true
}
