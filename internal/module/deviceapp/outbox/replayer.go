package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/errors"
)

// Replayer drains the outbox against the server, strictly one event in
// flight. An unreachable server stops the drain until the next tick so that
// ordering is preserved; it never skips past an unresolved event.
type Replayer struct {
	logger       *logrus.Logger
	repository   OutboxRepository
	client       ServerClient
	interval     time.Duration
	onCorrection func(Correction)
}

type ReplayerProperty struct {
	Logger       *logrus.Logger
	Repository   OutboxRepository
	Client       ServerClient
	Interval     time.Duration
	OnCorrection func(Correction)
}

func NewReplayer(props ReplayerProperty) *Replayer {
	if props.Interval == 0 {
		props.Interval = 15 * time.Second
	}

	return &Replayer{
		logger:       props.Logger,
		repository:   props.Repository,
		client:       props.Client,
		interval:     props.Interval,
		onCorrection: props.OnCorrection,
	}
}

// Run drains on every tick until the context is cancelled.
func (r *Replayer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Drain(ctx); err != nil {
				r.logger.WithContext(ctx).WithError(err).Warn("outbox drain interrupted, will retry on the next tick")
			}
		}
	}
}

// Drain replays pending events in FIFO order until the outbox is empty or
// the server becomes unreachable.
func (r *Replayer) Drain(ctx context.Context) error {
	// Nothing is in flight when a drain starts, so any sent row is a leftover
	// from a crash between the mark and its resolution. Replay is idempotent
	// by event id, so re-sending it is safe.
	if err := r.repository.RequeueSent(ctx); err != nil {
		return err
	}

	for {
		e, err := r.repository.NextPending(ctx)
		if err != nil {
			if errors.Destruct(err).HTTPStatusCode == http.StatusNotFound {
				return nil
			}
			return err
		}

		if err := r.replayOne(ctx, e); err != nil {
			return err
		}
	}
}

func (r *Replayer) replayOne(ctx context.Context, e Event) error {
	if err := r.repository.UpdateSyncStatus(ctx, e.ID, SyncStatusSent); err != nil {
		return err
	}

	if err := r.repository.IncrementAttempts(ctx, e.ID); err != nil {
		return err
	}

	outcome, err := r.ship(ctx, e)
	if err != nil {
		ae := errors.Destruct(err)

		if ae.HTTPStatusCode >= http.StatusInternalServerError {
			// Transient: the event goes back to pending and blocks the queue
			// until the server answers.
			if markErr := r.repository.UpdateSyncStatus(ctx, e.ID, SyncStatusPending); markErr != nil {
				return markErr
			}
			return err
		}

		return r.reject(ctx, e, ReplayOutcome{Result: "fail", Reason: ae.Message})
	}

	if e.Kind == KindRedemption {
		if local := localResultOf(e); local != "" && local != outcome.Result {
			return r.reject(ctx, e, outcome)
		}
	}

	if err := r.repository.UpdateSyncStatus(ctx, e.ID, SyncStatusAcked); err != nil {
		return err
	}

	return r.repository.Purge(ctx, e.ID)
}

func (r *Replayer) ship(ctx context.Context, e Event) (ReplayOutcome, error) {
	if e.Kind == KindRedemption {
		return r.client.ReplayRedemption(ctx, e)
	}

	return r.client.ReplayEvent(ctx, e)
}

// reject keeps the event for inspection and surfaces the server's outcome.
// The queue moves on: the disagreement is resolved, the server won.
func (r *Replayer) reject(ctx context.Context, e Event, outcome ReplayOutcome) error {
	if err := r.repository.UpdateSyncStatus(ctx, e.ID, SyncStatusRejected); err != nil {
		return err
	}

	r.logger.WithContext(ctx).WithFields(logrus.Fields{
		"eventId":      e.ID,
		"kind":         e.Kind,
		"serverResult": outcome.Result,
		"serverReason": outcome.Reason,
	}).Warn("outbox event rejected by the server")

	if r.onCorrection != nil {
		r.onCorrection(Correction{
			EventID:      e.ID,
			Kind:         e.Kind,
			LocalResult:  localResultOf(e),
			ServerResult: outcome.Result,
			ServerReason: outcome.Reason,
		})
	}

	return nil
}

func localResultOf(e Event) string {
	var p struct {
		LocalResult string `json:"local_result"`
	}

	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}

	return p.LocalResult
}
