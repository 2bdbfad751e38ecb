package scan

import (
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"
)

type ScanResponse struct {
	EventID          string `json:"event_id"`
	Result           string `json:"result"`
	Reason           string `json:"reason,omitempty"`
	TicketID         string `json:"ticket_id,omitempty"`
	Remaining        int64  `json:"remaining,omitempty"`
	RemainingMinutes int64  `json:"remaining_minutes,omitempty"`
}

func (r *ScanResponse) PopulateFromDecision(d decision.Decision) {
	r.Result = d.Result
	r.Reason = d.Reason
	r.TicketID = d.TicketID
	r.Remaining = d.Remaining
	r.RemainingMinutes = d.RemainingMinutes
}
