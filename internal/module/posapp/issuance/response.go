package issuance

import (
	"time"

	"github.com/tsel-ticketmaster/tm-gate/internal/module/posapp/ticket"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/qrcode"
)

type IssuedTicketResponse struct {
	ID             string    `json:"id"`
	ShortCode      string    `json:"short_code"`
	QRPayload      string    `json:"qr_payload"`
	Type           string    `json:"type"`
	QuotaOrMinutes int64     `json:"quota_or_minutes"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidTo        time.Time `json:"valid_to"`
	LotNo          string    `json:"lot_no"`
	SaleID         string    `json:"sale_id"`
	Status         string    `json:"status"`
}

func (r *IssuedTicketResponse) PopulateFromEntity(t ticket.Ticket) {
	r.ID = t.ID
	r.ShortCode = t.ShortCode
	r.Type = t.Type
	r.QuotaOrMinutes = t.QuotaOrMinutes
	r.ValidFrom = t.ValidFrom
	r.ValidTo = t.ValidTo
	r.LotNo = t.LotNo
	r.SaleID = t.SaleID
	r.Status = t.Status

	r.QRPayload = qrcode.Encode(qrcode.Payload{
		Version:        qrcode.PayloadVersion,
		TicketID:       t.ID,
		QRToken:        t.QRToken,
		Signature:      t.Signature,
		KeyVersion:     t.KeyVersion,
		LotNo:          t.LotNo,
		Type:           t.Type,
		QuotaOrMinutes: t.QuotaOrMinutes,
		ValidFrom:      t.ValidFrom.Unix(),
		ValidTo:        t.ValidTo.Unix(),
	})
}

type IssueResponse struct {
	SaleID  string                 `json:"sale_id"`
	Tickets []IssuedTicketResponse `json:"tickets"`
}

func (r *IssueResponse) PopulateFromEntities(saleID string, tickets []ticket.Ticket) {
	r.SaleID = saleID
	r.Tickets = make([]IssuedTicketResponse, len(tickets))
	for k, t := range tickets {
		r.Tickets[k].PopulateFromEntity(t)
	}
}

type ReprintResponse struct {
	Ticket IssuedTicketResponse `json:"ticket"`
}

type ReplayEventResponse struct {
	Applied bool             `json:"applied"`
	Sale    *IssueResponse   `json:"sale,omitempty"`
	Reprint *ReprintResponse `json:"reprint,omitempty"`
}
