package ticket

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type RedemptionRepository interface {
	// Save appends one attempt. The insert is keyed on the redemption id so
	// a replayed event lands on the already-stored row instead of a second one.
	Save(ctx context.Context, redemption Redemption) error
	FindByID(ctx context.Context, ID string) (Redemption, error)
	HasRecentPass(ctx context.Context, ticketID string, deviceID string, since time.Time) (bool, error)
}

type redemptionRepository struct {
	logger *logrus.Logger
	db     *sql.DB
}

func NewRedemptionRepository(logger *logrus.Logger, db *sql.DB) RedemptionRepository {
	return &redemptionRepository{
		logger: logger,
		db:     db,
	}
}

// Save implements RedemptionRepository.
func (r *redemptionRepository) Save(ctx context.Context, redemption Redemption) error {
	query := `
		INSERT INTO redemption
		(
			id, ticket_id, device_id, ts, result, reason, remaining_after
		)
		VALUES
		(
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (id) DO NOTHING
	`

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving redemption's properties")
	}
	defer stmt.Close()

	var reason sql.NullString
	if redemption.Reason != nil {
		reason.String = *redemption.Reason
		reason.Valid = true
	}

	_, err = stmt.ExecContext(ctx,
		redemption.ID, redemption.TicketID, redemption.DeviceID, redemption.Timestamp,
		redemption.Result, reason, redemption.RemainingAfter,
	)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving redemption's properties")
	}

	return nil
}

// FindByID implements RedemptionRepository.
func (r *redemptionRepository) FindByID(ctx context.Context, ID string) (Redemption, error) {
	query := `
		SELECT id, ticket_id, device_id, ts, result, reason, remaining_after
		FROM redemption
		WHERE id = $1
		LIMIT 1
	`

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return Redemption{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting redemption's properties")
	}
	defer stmt.Close()

	var data Redemption
	var reason sql.NullString

	err = stmt.QueryRowContext(ctx, ID).Scan(
		&data.ID, &data.TicketID, &data.DeviceID, &data.Timestamp,
		&data.Result, &reason, &data.RemainingAfter,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return Redemption{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "redemption is not found")
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return Redemption{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting redemption's properties")
	}

	if reason.Valid {
		data.Reason = &reason.String
	}

	return data, nil
}

// HasRecentPass implements RedemptionRepository.
func (r *redemptionRepository) HasRecentPass(ctx context.Context, ticketID string, deviceID string, since time.Time) (bool, error) {
	query := `
		SELECT count(id)
		FROM redemption
		WHERE
			ticket_id = $1
		AND
			device_id = $2
		AND
			result = 'pass'
		AND
			ts >= $3
		LIMIT 1
	`

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return false, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while counting redemption's properties")
	}
	defer stmt.Close()

	var count int64
	if err := stmt.QueryRowContext(ctx, ticketID, deviceID, since).Scan(&count); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return false, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while counting redemption's properties")
	}

	return count > 0, nil
}
