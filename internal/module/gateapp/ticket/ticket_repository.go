package ticket

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/decision"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type TicketRepository interface {
	FindByQRToken(ctx context.Context, qrToken string) (Ticket, error)
	FindByID(ctx context.Context, ID string) (Ticket, error)
	// Claim atomically consumes one unit of the ticket's quota for deviceID.
	// It is the only code path in the system allowed to write `used`.
	Claim(ctx context.Context, ticketID string, deviceID string, now time.Time) (ClaimResult, error)
}

type sqlCommand interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

type ticketRepository struct {
	logger   *logrus.Logger
	db       *sql.DB
	maxRetry int
}

func NewTicketRepository(logger *logrus.Logger, db *sql.DB, maxRetry int) TicketRepository {
	if maxRetry < 1 {
		maxRetry = 3
	}

	return &ticketRepository{
		logger:   logger,
		db:       db,
		maxRetry: maxRetry,
	}
}

const ticketColumns = `
	id, short_code, qr_token, signature, key_version, tenant_id,
	type, quota_or_minutes, used, valid_from, valid_to, device_binding,
	lot_no, sale_id, shift_id, issued_by, status, activated_at,
	created_at, updated_at
`

func scanTicket(row *sql.Row) (Ticket, error) {
	var t Ticket
	var binding pq.StringArray
	var activatedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.ShortCode, &t.QRToken, &t.Signature, &t.KeyVersion, &t.TenantID,
		&t.Type, &t.QuotaOrMinutes, &t.Used, &t.ValidFrom, &t.ValidTo, &binding,
		&t.LotNo, &t.SaleID, &t.ShiftID, &t.IssuedBy, &t.Status, &activatedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return Ticket{}, err
	}

	t.DeviceBinding = binding
	if activatedAt.Valid {
		t.ActivatedAt = &activatedAt.Time
	}

	return t, nil
}

// FindByQRToken implements TicketRepository.
func (r *ticketRepository) FindByQRToken(ctx context.Context, qrToken string) (Ticket, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM ticket
		WHERE qr_token = $1
		LIMIT 1
	`, ticketColumns)

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return Ticket{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting ticket's properties")
	}
	defer stmt.Close()

	t, err := scanTicket(stmt.QueryRowContext(ctx, qrToken))
	if err != nil {
		if err == sql.ErrNoRows {
			return Ticket{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found")
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return Ticket{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting ticket's properties")
	}

	return t, nil
}

// FindByID implements TicketRepository.
func (r *ticketRepository) FindByID(ctx context.Context, ID string) (Ticket, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM ticket
		WHERE id = $1
		LIMIT 1
	`, ticketColumns)

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return Ticket{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting ticket's properties")
	}
	defer stmt.Close()

	t, err := scanTicket(stmt.QueryRowContext(ctx, ID))
	if err != nil {
		if err == sql.ErrNoRows {
			return Ticket{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found")
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return Ticket{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting ticket's properties")
	}

	return t, nil
}

// Claim implements TicketRepository. The ticket row is locked FOR UPDATE, all
// gate conditions are re-checked against the locked row, and only then is
// `used` advanced. Two gates racing for the last unit serialize on the row
// lock; the loser re-reads exhausted state and is denied.
func (r *ticketRepository) Claim(ctx context.Context, ticketID string, deviceID string, now time.Time) (ClaimResult, error) {
	var result ClaimResult
	var err error

	for attempt := 0; attempt < r.maxRetry; attempt++ {
		result, err = r.claimOnce(ctx, ticketID, deviceID, now)
		if err == nil {
			return result, nil
		}

		if !isRetryablePqError(err) {
			if ae, ok := err.(*errors.AppError); ok {
				return ClaimResult{}, ae
			}
			r.logger.WithContext(ctx).WithError(err).Error()
			return ClaimResult{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while claiming ticket's quota")
		}
	}

	r.logger.WithContext(ctx).WithError(err).WithField("ticketId", ticketID).Error()
	return ClaimResult{}, errors.New(http.StatusConflict, status.CONFLICT, "claim could not be completed due to store contention")
}

func (r *ticketRepository) claimOnce(ctx context.Context, ticketID string, deviceID string, now time.Time) (ClaimResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return ClaimResult{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred trying to begin transaction")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM ticket
		WHERE id = $1
		FOR UPDATE
	`, ticketColumns)

	t, err := scanTicket(tx.QueryRowContext(ctx, query, ticketID))
	if err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return ClaimResult{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "ticket is not found")
		}
		return ClaimResult{}, err
	}

	used := t.Used
	activatedAt := t.ActivatedAt

	// Timepass quota is minutes consumed since first entry, advanced
	// monotonically inside the same lock that guards the write.
	if t.Type == decision.TypeTimepass && t.ActivatedAt != nil {
		elapsed := int64(now.Sub(*t.ActivatedAt) / time.Minute)
		if elapsed > used {
			used = elapsed
		}
		if used > t.QuotaOrMinutes {
			used = t.QuotaOrMinutes
		}
	}

	view := decision.TicketView{
		ID:             t.ID,
		Type:           t.Type,
		Status:         t.Status,
		QuotaOrMinutes: t.QuotaOrMinutes,
		Used:           used,
		ValidFrom:      t.ValidFrom,
		ValidTo:        t.ValidTo,
		DeviceBinding:  t.DeviceBinding,
	}

	if reason, ok := decision.Evaluate(view, deviceID, now); !ok {
		_ = tx.Rollback()
		return ClaimResult{Granted: false, Reason: reason}, nil
	}

	if t.Type == decision.TypeTimepass {
		if activatedAt == nil {
			activatedAt = &now
		}
	} else {
		used++
	}

	updateQuery := `
		UPDATE ticket
		SET
			used = $1,
			activated_at = $2,
			updated_at = $3
		WHERE id = $4
	`

	var activatedAtArg sql.NullTime
	if activatedAt != nil {
		activatedAtArg = sql.NullTime{Time: *activatedAt, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, updateQuery, used, activatedAtArg, now, ticketID); err != nil {
		_ = tx.Rollback()
		return ClaimResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return ClaimResult{}, err
	}

	return ClaimResult{
		Granted:   true,
		Remaining: t.QuotaOrMinutes - used,
	}, nil
}

func isRetryablePqError(err error) bool {
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return false
	}

	// serialization_failure and deadlock_detected
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
