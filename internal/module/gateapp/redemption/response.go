package redemption

import "github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"

type RedeemResponse struct {
	Result           string  `json:"result"`
	Reason           *string `json:"reason,omitempty"`
	TicketID         string  `json:"ticket_id"`
	Remaining        *int64  `json:"remaining,omitempty"`
	RemainingMinutes *int64  `json:"remaining_minutes,omitempty"`
}

func (r *RedeemResponse) PopulateFromDecision(d decision.Decision, ticketType string) {
	r.Result = d.Result
	r.TicketID = d.TicketID

	if d.Reason != "" {
		reason := d.Reason
		r.Reason = &reason
	}

	if d.Result != decision.ResultPass {
		return
	}

	if ticketType == decision.TypeTimepass {
		remaining := d.RemainingMinutes
		r.RemainingMinutes = &remaining
	} else {
		remaining := d.Remaining
		r.Remaining = &remaining
	}
}
