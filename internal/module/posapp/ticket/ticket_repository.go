package ticket

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type TicketRepository interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(ctx context.Context, tx *sql.Tx) error
	Rollback(ctx context.Context, tx *sql.Tx) error

	Save(ctx context.Context, t Ticket, tx *sql.Tx) error
	FindByID(ctx context.Context, ID string, tx *sql.Tx) (Ticket, error)
	FindManyByIDs(ctx context.Context, IDs []string, tx *sql.Tx) ([]Ticket, error)
	// UpdateStatus flips a ticket's status only when it still holds
	// fromStatus, so two concurrent refund/revoke calls cannot both win.
	UpdateStatus(ctx context.Context, ID string, fromStatus, toStatus string, tx *sql.Tx) error
}

type sqlCommand interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

type ticketRepository struct {
	logger *logrus.Logger
	db     *sql.DB
}

func NewTicketRepository(logger *logrus.Logger, db *sql.DB) TicketRepository {
	return &ticketRepository{
		logger: logger,
		db:     db,
	}
}

// BeginTx implements TicketRepository.
func (r *ticketRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred trying to begin transaction")
	}

	return tx, nil
}

// CommitTx implements TicketRepository.
func (r *ticketRepository) CommitTx(ctx context.Context, tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred trying to commit transaction")
	}

	return nil
}

// Rollback implements TicketRepository.
func (r *ticketRepository) Rollback(ctx context.Context, tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred trying to rollback transaction")
	}

	return nil
}

const ticketColumns = `
	id, short_code, qr_token, signature, key_version, tenant_id,
	type, quota_or_minutes, used, valid_from, valid_to, device_binding,
	lot_no, sale_id, shift_id, issued_by, status, activated_at,
	created_at, updated_at
`

// Save implements TicketRepository.
func (r *ticketRepository) Save(ctx context.Context, t Ticket, tx *sql.Tx) error {
	var cmd sqlCommand = r.db

	if tx != nil {
		cmd = tx
	}

	query := fmt.Sprintf(`
		INSERT INTO ticket
		(
			%s
		)
		VALUES
		(
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
		)
	`, ticketColumns)

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving ticket's properties")
	}
	defer stmt.Close()

	var activatedAt sql.NullTime
	if t.ActivatedAt != nil {
		activatedAt = sql.NullTime{Time: *t.ActivatedAt, Valid: true}
	}

	_, err = stmt.ExecContext(ctx,
		t.ID, t.ShortCode, t.QRToken, t.Signature, t.KeyVersion, t.TenantID,
		t.Type, t.QuotaOrMinutes, t.Used, t.ValidFrom, t.ValidTo, pq.Array(t.DeviceBinding),
		t.LotNo, t.SaleID, t.ShiftID, t.IssuedBy, t.Status, activatedAt,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.New(http.StatusConflict, status.CONFLICT, fmt.Sprintf("ticket with id '%s' already exists", t.ID))
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving ticket's properties")
	}

	return nil
}

func scanTicket(scan func(dest ...interface{}) error) (Ticket, error) {
	var t Ticket
	var binding pq.StringArray
	var activatedAt sql.NullTime

	err := scan(
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

// FindByID implements TicketRepository.
func (r *ticketRepository) FindByID(ctx context.Context, ID string, tx *sql.Tx) (Ticket, error) {
	var cmd sqlCommand = r.db

	if tx != nil {
		cmd = tx
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM ticket
		WHERE id = $1
		LIMIT 1
	`, ticketColumns)

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return Ticket{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting ticket's properties")
	}
	defer stmt.Close()

	row := stmt.QueryRowContext(ctx, ID)

	t, err := scanTicket(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return Ticket{}, errors.New(http.StatusNotFound, status.NOT_FOUND, fmt.Sprintf("ticket with id '%s' is not found", ID))
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return Ticket{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting ticket's properties")
	}

	return t, nil
}

// FindManyByIDs implements TicketRepository.
func (r *ticketRepository) FindManyByIDs(ctx context.Context, IDs []string, tx *sql.Tx) ([]Ticket, error) {
	var cmd sqlCommand = r.db

	if tx != nil {
		cmd = tx
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM ticket
		WHERE id = ANY($1)
		ORDER BY id
	`, ticketColumns)

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting bunch of ticket's properties")
	}
	defer stmt.Close()

	rows, err := stmt.QueryContext(ctx, pq.Array(IDs))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting bunch of ticket's properties")
	}

	defer rows.Close()

	var data = make([]Ticket, 0)

	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Error()
			return nil, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting bunch of ticket's properties")
		}

		data = append(data, t)
	}

	return data, nil
}

// UpdateStatus implements TicketRepository.
func (r *ticketRepository) UpdateStatus(ctx context.Context, ID string, fromStatus, toStatus string, tx *sql.Tx) error {
	var cmd sqlCommand = r.db

	if tx != nil {
		cmd = tx
	}

	query := `
		UPDATE ticket
		SET
			status = $1,
			updated_at = now()
		WHERE
			id = $2
		AND
			status = $3
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while updating ticket's status")
	}
	defer stmt.Close()

	result, err := stmt.ExecContext(ctx, toStatus, ID, fromStatus)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while updating ticket's status")
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return errors.New(http.StatusConflict, status.CONFLICT, fmt.Sprintf("ticket with id '%s' is not in '%s' status anymore", ID, fromStatus))
	}

	return nil
}
