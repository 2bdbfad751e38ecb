package scan

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/deviceapp/outbox"
	"github.com/tsel-ticketmaster/tm-gate/internal/module/deviceapp/snapshot"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/qrcode"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/signer"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/util"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

// ScanUseCase decides a gate scan without the server: same checks, same
// order, against the device snapshot. Every attempt is queued for replay so
// the server can re-decide it authoritatively once connectivity returns.
type ScanUseCase interface {
	Scan(ctx context.Context, req ScanRequest) (ScanResponse, error)
}

type scanUseCase struct {
	logger         *logrus.Logger
	timeout        time.Duration
	deviceID       string
	store          snapshot.Store
	outbox         outbox.OutboxRepository
	defaultWindow  time.Duration
	timepassWindow time.Duration
}

type ScanUseCaseProperty struct {
	Logger         *logrus.Logger
	Timeout        time.Duration
	DeviceID       string
	Store          snapshot.Store
	Outbox         outbox.OutboxRepository
	DefaultWindow  time.Duration
	TimepassWindow time.Duration
}

func NewScanUseCase(props ScanUseCaseProperty) ScanUseCase {
	return &scanUseCase{
		logger:         props.Logger,
		timeout:        props.Timeout,
		deviceID:       props.DeviceID,
		store:          props.Store,
		outbox:         props.Outbox,
		defaultWindow:  props.DefaultWindow,
		timepassWindow: props.TimepassWindow,
	}
}

// Scan implements ScanUseCase.
func (u *scanUseCase) Scan(ctx context.Context, req ScanRequest) (ScanResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	// A payload that does not decode is a malformed request, not a verdict
	// on any ticket; it is rejected before any state is touched or queued.
	payload, err := qrcode.Decode(req.QRPayload)
	if err != nil {
		return ScanResponse{}, errors.New(http.StatusBadRequest, status.BAD_REQUEST, "invalid 'qr_payload' with value '"+req.QRPayload+"'")
	}

	now := time.Now()
	eventID := util.GenerateOpaqueID("RD")

	d := u.evaluate(ctx, payload, now)

	if err := u.record(ctx, eventID, req.QRPayload, payload.QRToken, now, d); err != nil {
		// The attempt must not pass if it cannot be replayed later.
		u.logger.WithContext(ctx).WithError(err).Error()
		d = decision.Fail(d.TicketID, decision.ReasonProcessingError)
	}

	resp := ScanResponse{EventID: eventID}
	resp.PopulateFromDecision(d)

	return resp, nil
}

func (u *scanUseCase) evaluate(ctx context.Context, payload qrcode.Payload, now time.Time) decision.Decision {
	t, err := u.store.FindTicketByQRToken(ctx, payload.QRToken)
	if err != nil {
		if isNotFound(err) {
			return decision.Fail("", decision.ReasonTicketNotFound)
		}
		return decision.Fail("", decision.ReasonProcessingError)
	}

	keyring, err := u.store.Keyring(ctx, t.TenantID)
	if err != nil {
		return decision.Fail(t.ID, decision.ReasonProcessingError)
	}

	verified := signer.Verify(signer.ImmutableFields{
		TicketID:       t.ID,
		Type:           t.Type,
		QuotaOrMinutes: t.QuotaOrMinutes,
		ValidFrom:      t.ValidFrom,
		ValidTo:        t.ValidTo,
		LotNo:          t.LotNo,
	}, payload.Signature, payload.KeyVersion, keyring)

	if !verified {
		return decision.Fail(t.ID, decision.ReasonInvalidSignature)
	}

	used := t.Used
	if t.Type == decision.TypeTimepass && t.ActivatedAt != nil {
		used = minutesConsumed(*t.ActivatedAt, now, t.QuotaOrMinutes)
	}

	reason, ok := decision.Evaluate(decision.TicketView{
		ID:             t.ID,
		Type:           t.Type,
		Status:         t.Status,
		QuotaOrMinutes: t.QuotaOrMinutes,
		Used:           used,
		ValidFrom:      t.ValidFrom,
		ValidTo:        t.ValidTo,
		DeviceBinding:  t.DeviceBinding,
	}, u.deviceID, now)
	if !ok {
		return decision.Fail(t.ID, reason)
	}

	window := u.defaultWindow
	if t.Type == decision.TypeTimepass {
		window = u.timepassWindow
	}

	if window > 0 {
		recent, err := u.store.HasRecentPass(ctx, t.ID, u.deviceID)
		if err != nil {
			return decision.Fail(t.ID, decision.ReasonProcessingError)
		}
		if recent {
			return decision.Fail(t.ID, decision.ReasonDuplicateUse)
		}
	}

	var remaining int64

	if t.Type == decision.TypeTimepass {
		activatedAt, err := u.store.ActivateTimepass(ctx, t.ID, now)
		if err != nil {
			return decision.Fail(t.ID, decision.ReasonProcessingError)
		}
		remaining = t.QuotaOrMinutes - minutesConsumed(activatedAt, now, t.QuotaOrMinutes)
	} else {
		left, granted, err := u.store.ClaimUnit(ctx, t.ID, t.QuotaOrMinutes)
		if err != nil {
			return decision.Fail(t.ID, decision.ReasonProcessingError)
		}
		if !granted {
			return decision.Fail(t.ID, decision.ReasonExhausted)
		}
		remaining = left
	}

	if window > 0 {
		if err := u.store.MarkPass(ctx, t.ID, u.deviceID, window); err != nil {
			u.logger.WithContext(ctx).WithError(err).Warn()
		}
	}

	return decision.Pass(t.ID, t.Type, remaining)
}

func (u *scanUseCase) record(ctx context.Context, eventID, qrPayload, qrToken string, now time.Time, d decision.Decision) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"event_id":          eventID,
		"qr_payload":        qrPayload,
		"qr_token":          qrToken,
		"device_id":         u.deviceID,
		"recorded_at_local": now,
		"local_result":      d.Result,
		"local_reason":      d.Reason,
	})

	return u.outbox.Enqueue(ctx, outbox.Event{
		ID:             eventID,
		Kind:           outbox.KindRedemption,
		Payload:        payload,
		CreatedAtLocal: now,
		SyncStatus:     outbox.SyncStatusPending,
	})
}

func isNotFound(err error) bool {
	return errors.Destruct(err).HTTPStatusCode == http.StatusNotFound
}

func minutesConsumed(activatedAt, now time.Time, quota int64) int64 {
	elapsed := int64(now.Sub(activatedAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > quota {
		elapsed = quota
	}

	return elapsed
}
