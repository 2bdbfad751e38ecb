package redemption

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/gateapp/ticket"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/audit"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/settings"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/signer"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/util"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type RedemptionUseCase interface {
	// Redeem runs the full decision for a connected gate.
	Redeem(ctx context.Context, req RedeemRequest) (RedeemResponse, error)
	// OnReplayRedemption reconciles one offline-recorded attempt. The server's
	// verdict is authoritative; the device's locally displayed result is never
	// trusted, only compared for the conflict signal.
	OnReplayRedemption(ctx context.Context, req ReplayRedemptionRequest) (RedeemResponse, error)
}

type redemptionUseCase struct {
	logger               *logrus.Logger
	timeout              time.Duration
	ticketRepository     ticket.TicketRepository
	redemptionRepository ticket.RedemptionRepository
	settings             settings.Settings
	auditPublisher       audit.Publisher
}

type RedemptionUseCaseProperty struct {
	Logger               *logrus.Logger
	Timeout              time.Duration
	TicketRepository     ticket.TicketRepository
	RedemptionRepository ticket.RedemptionRepository
	Settings             settings.Settings
	AuditPublisher       audit.Publisher
}

func NewRedemptionUseCase(props RedemptionUseCaseProperty) RedemptionUseCase {
	return &redemptionUseCase{
		logger:               props.Logger,
		timeout:              props.Timeout,
		ticketRepository:     props.TicketRepository,
		redemptionRepository: props.RedemptionRepository,
		settings:             props.Settings,
		auditPublisher:       props.AuditPublisher,
	}
}

// Redeem implements RedemptionUseCase.
func (u *redemptionUseCase) Redeem(ctx context.Context, req RedeemRequest) (RedeemResponse, error) {
	redemptionID := util.GenerateOpaqueID("RD")
	return u.decide(ctx, redemptionID, req.QRToken, req.DeviceID, time.Now(), nil), nil
}

// OnReplayRedemption implements RedemptionUseCase.
func (u *redemptionUseCase) OnReplayRedemption(ctx context.Context, req ReplayRedemptionRequest) (RedeemResponse, error) {
	existing, err := u.redemptionRepository.FindByID(ctx, req.EventID)
	if err == nil {
		return u.responseFromStored(ctx, existing), nil
	}

	if !isNotFound(err) {
		// A redelivered event may already hold a stored verdict; deciding
		// again without knowing could consume a second unit. Surface the
		// failure so the device keeps the event queued and retries.
		u.logger.WithContext(ctx).WithError(err).Error()
		return RedeemResponse{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while reconciling the redemption event")
	}

	// Validity windows are checked against the server's receipt time, not the
	// device clock; the device timestamp is kept for audit only.
	return u.decide(ctx, req.EventID, req.QRToken, req.DeviceID, time.Now(), &req.RecordedAtLocal), nil
}

func (u *redemptionUseCase) responseFromStored(ctx context.Context, stored ticket.Redemption) RedeemResponse {
	resp := RedeemResponse{
		Result:   stored.Result,
		TicketID: stored.TicketID,
		Reason:   stored.Reason,
	}

	if stored.Result == decision.ResultPass {
		remaining := stored.RemainingAfter
		if t, err := u.ticketRepository.FindByID(ctx, stored.TicketID); err == nil && t.Type == decision.TypeTimepass {
			resp.RemainingMinutes = &remaining
		} else {
			resp.Remaining = &remaining
		}
	}

	return resp
}

// decide runs the fixed-order redemption checks and records
// exactly one redemption row plus one audit entry for every branch, pass or
// fail. Any internal failure fails closed.
func (u *redemptionUseCase) decide(ctx context.Context, redemptionID, qrToken, deviceID string, now time.Time, recordedAtLocal *time.Time) RedeemResponse {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	d, t := u.evaluate(ctx, qrToken, deviceID, now)

	u.record(ctx, redemptionID, deviceID, qrToken, d, now, recordedAtLocal)

	resp := RedeemResponse{}
	resp.PopulateFromDecision(d, t.Type)

	return resp
}

func (u *redemptionUseCase) evaluate(ctx context.Context, qrToken, deviceID string, now time.Time) (decision.Decision, ticket.Ticket) {
	t, err := u.ticketRepository.FindByQRToken(ctx, qrToken)
	if err != nil {
		if isNotFound(err) {
			return decision.Fail("", decision.ReasonTicketNotFound), ticket.Ticket{}
		}
		u.logger.WithContext(ctx).WithError(err).Error()
		return decision.Fail("", decision.ReasonProcessingError), ticket.Ticket{}
	}

	keyring, err := u.settings.SigningKeyring(ctx, t.TenantID)
	if err != nil {
		u.logger.WithContext(ctx).WithError(err).Error()
		return decision.Fail(t.ID, decision.ReasonProcessingError), t
	}

	fields := signer.ImmutableFields{
		TicketID:       t.ID,
		Type:           t.Type,
		QuotaOrMinutes: t.QuotaOrMinutes,
		ValidFrom:      t.ValidFrom,
		ValidTo:        t.ValidTo,
		LotNo:          t.LotNo,
	}
	if !signer.Verify(fields, t.Signature, t.KeyVersion, keyring) {
		return decision.Fail(t.ID, decision.ReasonInvalidSignature), t
	}

	view := decision.TicketView{
		ID:             t.ID,
		Type:           t.Type,
		Status:         t.Status,
		QuotaOrMinutes: t.QuotaOrMinutes,
		Used:           t.Used,
		ValidFrom:      t.ValidFrom,
		ValidTo:        t.ValidTo,
		DeviceBinding:  t.DeviceBinding,
	}
	if reason, ok := decision.Evaluate(view, deviceID, now); !ok {
		return decision.Fail(t.ID, reason), t
	}

	if window := u.settings.DuplicateWindow(t.Type); window > 0 {
		dup, err := u.redemptionRepository.HasRecentPass(ctx, t.ID, deviceID, now.Add(-window))
		if err != nil {
			u.logger.WithContext(ctx).WithError(err).Error()
			return decision.Fail(t.ID, decision.ReasonProcessingError), t
		}
		if dup {
			return decision.Fail(t.ID, decision.ReasonDuplicateUse), t
		}
	}

	claim, err := u.ticketRepository.Claim(ctx, t.ID, deviceID, now)
	if err != nil {
		u.logger.WithContext(ctx).WithError(err).Error()
		// Retries exhausted under contention: the unit went to a concurrent
		// claim, so the gate sees exhausted rather than an internal failure.
		if errors.Destruct(err).HTTPStatusCode == http.StatusConflict {
			return decision.Fail(t.ID, decision.ReasonExhausted), t
		}
		return decision.Fail(t.ID, decision.ReasonProcessingError), t
	}

	if !claim.Granted {
		return decision.Fail(t.ID, claim.Reason), t
	}

	return decision.Pass(t.ID, t.Type, claim.Remaining), t
}

func (u *redemptionUseCase) record(ctx context.Context, redemptionID, deviceID, qrToken string, d decision.Decision, now time.Time, recordedAtLocal *time.Time) {
	redemption := ticket.Redemption{
		ID:        redemptionID,
		TicketID:  d.TicketID,
		DeviceID:  deviceID,
		Timestamp: now,
		Result:    d.Result,
	}

	if d.Reason != "" {
		reason := d.Reason
		redemption.Reason = &reason
	}

	if d.Result == decision.ResultPass {
		redemption.RemainingAfter = d.Remaining + d.RemainingMinutes
	}

	// The record write must not be lost behind a granted claim: if it fails,
	// the decision is preserved on the audit stream at critical severity and
	// reconciled from there, keyed by the redemption id so a retry cannot
	// double-append.
	recordErr := u.redemptionRepository.Save(ctx, redemption)
	if recordErr != nil {
		u.logger.WithContext(ctx).WithError(recordErr).WithField("redemptionId", redemptionID).Error()
	}

	u.auditPublisher.Publish(ctx, audit.Entry{
		EventType:      "ticket.redemption",
		DeviceID:       deviceID,
		Severity:       u.severityOf(d, recordErr != nil),
		IdempotencyKey: redemptionID,
		RecordedAt:     now,
		Payload: map[string]interface{}{
			"redemption_id":     redemptionID,
			"ticket_id":         d.TicketID,
			"qr_token":          qrToken,
			"result":            d.Result,
			"reason":            d.Reason,
			"remaining_after":   redemption.RemainingAfter,
			"recorded_at_local": recordedAtLocal,
			"record_persisted":  recordErr == nil,
		},
	})
}

func (u *redemptionUseCase) severityOf(d decision.Decision, recordFailed bool) string {
	if recordFailed {
		return audit.SeverityCritical
	}

	switch d.Reason {
	case decision.ReasonInvalidSignature:
		return audit.SeverityCritical
	case decision.ReasonDuplicateUse:
		return audit.SeverityElevated
	default:
		return audit.SeverityLow
	}
}

func isNotFound(err error) bool {
	return errors.Destruct(err).HTTPStatusCode == http.StatusNotFound
}
