package issuance

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/posapp/ticket"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/audit"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/session"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/settings"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/signer"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/util"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type IssuanceUseCase interface {
	// Issue mints one signed ticket per purchased unit. The whole batch is
	// atomic and keyed by the request's idempotency key: a retried sale gets
	// the previously created ticket set back, never a second one.
	Issue(ctx context.Context, req IssueRequest) (IssueResponse, error)
	Reprint(ctx context.Context, req ReprintRequest) (ReprintResponse, error)
	Refund(ctx context.Context, req RefundRequest) error
	Revoke(ctx context.Context, req RevokeRequest) error
	// OnReplayEvent applies a device's offline sale/reprint/refund during
	// outbox reconciliation.
	OnReplayEvent(ctx context.Context, req ReplayEventRequest) (ReplayEventResponse, error)
}

type issuanceUseCase struct {
	logger           *logrus.Logger
	timeout          time.Duration
	idempotencyTTL   time.Duration
	ticketRepository ticket.TicketRepository
	batchRepository  BatchRepository
	idempotencyStore IdempotencyStore
	settings         settings.Settings
	auditPublisher   audit.Publisher
}

type IssuanceUseCaseProperty struct {
	Logger           *logrus.Logger
	Timeout          time.Duration
	IdempotencyTTL   time.Duration
	TicketRepository ticket.TicketRepository
	BatchRepository  BatchRepository
	IdempotencyStore IdempotencyStore
	Settings         settings.Settings
	AuditPublisher   audit.Publisher
}

func NewIssuanceUseCase(props IssuanceUseCaseProperty) IssuanceUseCase {
	return &issuanceUseCase{
		logger:           props.Logger,
		timeout:          props.Timeout,
		idempotencyTTL:   props.IdempotencyTTL,
		ticketRepository: props.TicketRepository,
		batchRepository:  props.BatchRepository,
		idempotencyStore: props.IdempotencyStore,
		settings:         props.Settings,
		auditPublisher:   props.AuditPublisher,
	}
}

// Issue implements IssuanceUseCase.
func (u *issuanceUseCase) Issue(ctx context.Context, req IssueRequest) (IssueResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	device, err := session.GetDeviceFromCtx(ctx)
	if err != nil {
		return IssueResponse{}, err
	}

	acquired, err := u.idempotencyStore.Acquire(ctx, req.IdempotencyKey, u.idempotencyTTL)
	if err != nil {
		return IssueResponse{}, err
	}

	if !acquired {
		return u.resolveExistingBatch(ctx, req.IdempotencyKey)
	}

	keyring, err := u.settings.SigningKeyring(ctx, device.TenantID)
	if err != nil {
		_ = u.idempotencyStore.Release(ctx, req.IdempotencyKey)
		return IssueResponse{}, err
	}

	now := time.Now()
	lotNo := util.GenerateTimestampWithPrefix("LOT")

	tickets := make([]ticket.Ticket, 0)
	for _, item := range req.Items {
		for q := int64(0); q < item.Quantity; q++ {
			t := ticket.Ticket{
				ID:             util.GenerateOpaqueID("TK"),
				ShortCode:      util.GenerateShortCode(8),
				QRToken:        util.GenerateQRToken(),
				TenantID:       device.TenantID,
				Type:           item.Type,
				QuotaOrMinutes: item.QuotaOrMinutes,
				Used:           0,
				ValidFrom:      item.ValidFrom,
				ValidTo:        item.ValidTo,
				DeviceBinding:  item.DeviceBinding,
				LotNo:          lotNo,
				SaleID:         req.SaleID,
				ShiftID:        req.ShiftID,
				IssuedBy:       device.ID,
				Status:         decision.StatusActive,
				CreatedAt:      now,
				UpdatedAt:      now,
			}

			t.Signature, t.KeyVersion = signer.Sign(signer.ImmutableFields{
				TicketID:       t.ID,
				Type:           t.Type,
				QuotaOrMinutes: t.QuotaOrMinutes,
				ValidFrom:      t.ValidFrom,
				ValidTo:        t.ValidTo,
				LotNo:          t.LotNo,
			}, keyring)

			tickets = append(tickets, t)
		}
	}

	tx, err := u.ticketRepository.BeginTx(ctx)
	if err != nil {
		_ = u.idempotencyStore.Release(ctx, req.IdempotencyKey)
		return IssueResponse{}, err
	}

	for _, t := range tickets {
		if err := u.ticketRepository.Save(ctx, t, tx); err != nil {
			u.ticketRepository.Rollback(ctx, tx)
			_ = u.idempotencyStore.Release(ctx, req.IdempotencyKey)
			u.logger.WithContext(ctx).WithError(err).WithField("saleId", req.SaleID).Error()
			return IssueResponse{}, errors.New(http.StatusUnprocessableEntity, status.UNPROCESSABLE_ENTITY, "ticket issuance has failed, no tickets were created for the sale")
		}
	}

	batch := Batch{
		IdempotencyKey: req.IdempotencyKey,
		SaleID:         req.SaleID,
		TicketIDs:      ticketIDsOf(tickets),
		CreatedAt:      now,
	}

	if err := u.batchRepository.Save(ctx, batch, tx); err != nil {
		u.ticketRepository.Rollback(ctx, tx)
		_ = u.idempotencyStore.Release(ctx, req.IdempotencyKey)
		// The guard key can expire or be evicted while the batch row lives
		// on; the durable row is the source of truth for a replayed sale.
		if errors.Destruct(err).HTTPStatusCode == http.StatusConflict {
			return u.resolveExistingBatch(ctx, req.IdempotencyKey)
		}
		return IssueResponse{}, errors.New(http.StatusUnprocessableEntity, status.UNPROCESSABLE_ENTITY, "ticket issuance has failed, no tickets were created for the sale")
	}

	if err := u.ticketRepository.CommitTx(ctx, tx); err != nil {
		_ = u.idempotencyStore.Release(ctx, req.IdempotencyKey)
		return IssueResponse{}, err
	}

	for _, t := range tickets {
		u.auditPublisher.Publish(ctx, audit.Entry{
			EventType:      "ticket.issued",
			ActorID:        &device.ID,
			DeviceID:       device.ID,
			Severity:       audit.SeverityLow,
			IdempotencyKey: t.ID,
			RecordedAt:     now,
			Payload: map[string]interface{}{
				"ticket_id": t.ID,
				"sale_id":   t.SaleID,
				"shift_id":  t.ShiftID,
				"lot_no":    t.LotNo,
				"type":      t.Type,
			},
		})
	}

	resp := IssueResponse{}
	resp.PopulateFromEntities(req.SaleID, tickets)

	return resp, nil
}

func (u *issuanceUseCase) resolveExistingBatch(ctx context.Context, idempotencyKey string) (IssueResponse, error) {
	batch, err := u.batchRepository.FindByIdempotencyKey(ctx, idempotencyKey, nil)
	if err != nil {
		if errors.Destruct(err).HTTPStatusCode == http.StatusNotFound {
			// First writer holds the key but has not committed yet.
			return IssueResponse{}, errors.New(http.StatusConflict, status.CONFLICT, "issuance for this sale is still in progress")
		}
		return IssueResponse{}, err
	}

	tickets, err := u.ticketRepository.FindManyByIDs(ctx, batch.TicketIDs, nil)
	if err != nil {
		return IssueResponse{}, err
	}

	resp := IssueResponse{}
	resp.PopulateFromEntities(batch.SaleID, tickets)

	return resp, nil
}

// Reprint implements IssuanceUseCase.
func (u *issuanceUseCase) Reprint(ctx context.Context, req ReprintRequest) (ReprintResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	device, err := session.GetDeviceFromCtx(ctx)
	if err != nil {
		return ReprintResponse{}, err
	}

	t, err := u.ticketRepository.FindByID(ctx, req.TicketID, nil)
	if err != nil {
		return ReprintResponse{}, err
	}

	if t.Status != decision.StatusActive {
		return ReprintResponse{}, errors.New(http.StatusConflict, status.CONFLICT, "only active tickets can be reprinted")
	}

	// Reprints are fraud-sensitive: the same QR now exists on two pieces of
	// paper, so the event goes out at elevated severity.
	u.auditPublisher.Publish(ctx, audit.Entry{
		EventType:      "ticket.reprinted",
		ActorID:        &device.ID,
		DeviceID:       device.ID,
		Severity:       audit.SeverityElevated,
		IdempotencyKey: util.GenerateOpaqueID("RP"),
		Payload: map[string]interface{}{
			"ticket_id": t.ID,
			"sale_id":   t.SaleID,
		},
	})

	resp := ReprintResponse{}
	resp.Ticket.PopulateFromEntity(t)

	return resp, nil
}

// Refund implements IssuanceUseCase.
func (u *issuanceUseCase) Refund(ctx context.Context, req RefundRequest) error {
	return u.changeStatus(ctx, req.TicketID, decision.StatusRefunded, "ticket.refunded")
}

// Revoke implements IssuanceUseCase.
func (u *issuanceUseCase) Revoke(ctx context.Context, req RevokeRequest) error {
	return u.changeStatus(ctx, req.TicketID, decision.StatusRevoked, "ticket.revoked")
}

func (u *issuanceUseCase) changeStatus(ctx context.Context, ticketID, toStatus, eventType string) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	device, err := session.GetDeviceFromCtx(ctx)
	if err != nil {
		return err
	}

	if err := u.ticketRepository.UpdateStatus(ctx, ticketID, decision.StatusActive, toStatus, nil); err != nil {
		return err
	}

	u.auditPublisher.Publish(ctx, audit.Entry{
		EventType:      eventType,
		ActorID:        &device.ID,
		DeviceID:       device.ID,
		Severity:       audit.SeverityLow,
		IdempotencyKey: util.GenerateOpaqueID("ST"),
		Payload: map[string]interface{}{
			"ticket_id": ticketID,
			"status":    toStatus,
		},
	})

	return nil
}

// OnReplayEvent implements IssuanceUseCase.
func (u *issuanceUseCase) OnReplayEvent(ctx context.Context, req ReplayEventRequest) (ReplayEventResponse, error) {
	switch req.Kind {
	case "sale":
		if req.Sale == nil {
			return ReplayEventResponse{}, errors.New(http.StatusBadRequest, status.BAD_REQUEST, "sale payload is required")
		}
		saleReq := *req.Sale
		if saleReq.IdempotencyKey == "" {
			saleReq.IdempotencyKey = req.EventID
		}
		resp, err := u.Issue(ctx, saleReq)
		if err != nil {
			return ReplayEventResponse{}, err
		}
		return ReplayEventResponse{Applied: true, Sale: &resp}, nil

	case "reprint":
		if req.Reprint == nil {
			return ReplayEventResponse{}, errors.New(http.StatusBadRequest, status.BAD_REQUEST, "reprint payload is required")
		}
		resp, err := u.Reprint(ctx, *req.Reprint)
		if err != nil {
			return ReplayEventResponse{}, err
		}
		return ReplayEventResponse{Applied: true, Reprint: &resp}, nil

	case "refund":
		if req.Refund == nil {
			return ReplayEventResponse{}, errors.New(http.StatusBadRequest, status.BAD_REQUEST, "refund payload is required")
		}
		err := u.Refund(ctx, *req.Refund)
		if err != nil {
			// A conflict on replay means the refund already landed on an
			// earlier delivery of the same event; the event is acknowledged,
			// not re-applied.
			if errors.Destruct(err).HTTPStatusCode == http.StatusConflict && u.alreadyRefunded(ctx, req.Refund.TicketID) {
				return ReplayEventResponse{Applied: true}, nil
			}
			return ReplayEventResponse{}, err
		}
		return ReplayEventResponse{Applied: true}, nil

	default:
		return ReplayEventResponse{}, errors.New(http.StatusBadRequest, status.BAD_REQUEST, "unknown outbox event kind")
	}
}

func (u *issuanceUseCase) alreadyRefunded(ctx context.Context, ticketID string) bool {
	t, err := u.ticketRepository.FindByID(ctx, ticketID, nil)
	return err == nil && t.Status == decision.StatusRefunded
}

func ticketIDsOf(tickets []ticket.Ticket) []string {
	ids := make([]string, len(tickets))
	for k, t := range tickets {
		ids[k] = t.ID
	}

	return ids
}
