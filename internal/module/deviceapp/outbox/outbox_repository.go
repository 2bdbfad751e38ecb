package outbox

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type OutboxRepository interface {
	Enqueue(ctx context.Context, e Event) error
	// NextPending returns the oldest pending event. Replay order is creation
	// order, so nothing younger may ship while an older event is unresolved.
	NextPending(ctx context.Context) (Event, error)
	UpdateSyncStatus(ctx context.Context, eventID, syncStatus string) error
	IncrementAttempts(ctx context.Context, eventID string) error
	Purge(ctx context.Context, eventID string) error
	// RequeueSent returns events stranded in sent by a crash to pending so
	// the next drain replays them.
	RequeueSent(ctx context.Context) error
}

type sqlCommand interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

type outboxRepository struct {
	logger *logrus.Logger
	db     *sql.DB
}

func NewOutboxRepository(logger *logrus.Logger, db *sql.DB) OutboxRepository {
	return &outboxRepository{
		logger: logger,
		db:     db,
	}
}

// Enqueue implements OutboxRepository.
func (r *outboxRepository) Enqueue(ctx context.Context, e Event) error {
	var cmd sqlCommand = r.db

	query := `
		INSERT INTO outbox_event
		(
			id, kind, payload, created_at_local, sync_status, attempts
		)
		VALUES
		(
			$1, $2, $3, $4, $5, $6
		)
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while enqueuing outbox event")
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, e.ID, e.Kind, []byte(e.Payload), e.CreatedAtLocal, e.SyncStatus, e.Attempts)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errors.New(http.StatusConflict, status.CONFLICT, "outbox event with the same id already exists")
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while enqueuing outbox event")
	}

	return nil
}

// NextPending implements OutboxRepository.
func (r *outboxRepository) NextPending(ctx context.Context) (Event, error) {
	var cmd sqlCommand = r.db

	query := `
		SELECT id, kind, payload, created_at_local, sync_status, attempts
		FROM outbox_event
		WHERE sync_status = $1
		ORDER BY created_at_local ASC, id ASC
		LIMIT 1
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return Event{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting pending outbox event")
	}
	defer stmt.Close()

	var data Event
	var payload []byte

	err = stmt.QueryRowContext(ctx, SyncStatusPending).Scan(&data.ID, &data.Kind, &payload, &data.CreatedAtLocal, &data.SyncStatus, &data.Attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return Event{}, errors.New(http.StatusNotFound, status.NOT_FOUND, "no pending outbox event")
		}
		r.logger.WithContext(ctx).WithError(err).Error()
		return Event{}, errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while getting pending outbox event")
	}

	data.Payload = payload

	return data, nil
}

// UpdateSyncStatus implements OutboxRepository.
func (r *outboxRepository) UpdateSyncStatus(ctx context.Context, eventID, syncStatus string) error {
	var cmd sqlCommand = r.db

	query := `
		UPDATE outbox_event
		SET sync_status = $1
		WHERE id = $2
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while updating outbox event's sync status")
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, syncStatus, eventID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while updating outbox event's sync status")
	}

	return nil
}

// IncrementAttempts implements OutboxRepository.
func (r *outboxRepository) IncrementAttempts(ctx context.Context, eventID string) error {
	var cmd sqlCommand = r.db

	query := `
		UPDATE outbox_event
		SET attempts = attempts + 1
		WHERE id = $1
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while updating outbox event's attempts")
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, eventID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while updating outbox event's attempts")
	}

	return nil
}

// RequeueSent implements OutboxRepository.
func (r *outboxRepository) RequeueSent(ctx context.Context) error {
	var cmd sqlCommand = r.db

	query := `
		UPDATE outbox_event
		SET sync_status = $1
		WHERE sync_status = $2
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while requeuing sent outbox events")
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, SyncStatusPending, SyncStatusSent); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while requeuing sent outbox events")
	}

	return nil
}

// Purge implements OutboxRepository.
func (r *outboxRepository) Purge(ctx context.Context, eventID string) error {
	var cmd sqlCommand = r.db

	query := `
		DELETE FROM outbox_event
		WHERE id = $1
	`

	stmt, err := cmd.PrepareContext(ctx, query)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while purging outbox event")
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, eventID); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error()
		return errors.New(http.StatusInternalServerError, status.INTERNAL_SERVER_ERROR, "an error occurred while purging outbox event")
	}

	return nil
}
