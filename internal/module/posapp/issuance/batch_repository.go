package issuance

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type BatchRepository interface {
	Save(ctx context.Context, b Batch, tx *sql.Tx) error
	FindByIdempotencyKey(ctx context.Context, idempotencyKey string, tx *sql.Tx) (Batch, error)
}

type sqlCommand interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

type batchRepository struct {
	logger *logrus.Logger
	db     *sql.DB
}

func NewBatchRepository(logger *logrus.Logger, db *sql.DB) BatchRepository {
	return &batchRepository{
		logger: logger,
		db:     db,
	}
}

// Save implements BatchRepository.
func (r *batchRepository) Save(ctx context.Context, b Batch, tx *sql.Tx) error {
	var cmd sqlCommand = r.db

	if tx != nil {
		cmd = tx
	}

	query := `
		INSERT INTO issuance_batch
		(
			idempotency_key, sale_id, ticket_ids, created_at
		)
		VALUES
		(
			$1, $2, $3, $4
		)
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving issuance batch's properties")
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, b.IdempotencyKey, b.SaleID, pq.Array(b.TicketIDs), b.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.New(http.StatusConflict, status.CONFLICT, "issuance batch with the same idempotency key already exists")
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while saving issuance batch's properties")
	}

	return nil
}

// FindByIdempotencyKey implements BatchRepository.
func (r *batchRepository) FindByIdempotencyKey(ctx context.Context, idempotencyKey string, tx *sql.Tx) (Batch, error) {
	var cmd sqlCommand = r.db

	if tx != nil {
		cmd = tx
	}

	query := `
		SELECT idempotency_key, sale_id, ticket_ids, created_at
		FROM issuance_batch
		WHERE idempotency_key = $1
		LIMIT 1
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return Batch{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting issuance batch's properties")
	}
	defer stmt.Close()

	var data Batch
	var ticketIDs pq.StringArray

	err = stmt.QueryRowContext(ctx, idempotencyKey).Scan(&data.IdempotencyKey, &data.SaleID, &ticketIDs, &data.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Batch{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "issuance batch is not found")
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return Batch{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting issuance batch's properties")
	}

	data.TicketIDs = ticketIDs

	return data, nil
}
