package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/pubsub"
)

// ReplayUseCase re-publishes an audit entry whose original append failed.
// Entries stay keyed by their idempotency key, so downstream consumers see at
// most one copy no matter how many times the deferred task fires.
type ReplayUseCase interface {
	Republish(ctx context.Context, rawEntry json.RawMessage) error
}

type replayUseCase struct {
	logger    *logrus.Logger
	timeout   time.Duration
	publisher pubsub.Publisher
	topic     string
}

type ReplayUseCaseProperty struct {
	Logger    *logrus.Logger
	Timeout   time.Duration
	Publisher pubsub.Publisher
	Topic     string
}

func NewReplayUseCase(props ReplayUseCaseProperty) ReplayUseCase {
	return &replayUseCase{
		logger:    props.Logger,
		timeout:   props.Timeout,
		publisher: props.Publisher,
		topic:     props.Topic,
	}
}

// Republish implements ReplayUseCase.
func (u *replayUseCase) Republish(ctx context.Context, rawEntry json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	var keyed struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	_ = json.Unmarshal(rawEntry, &keyed)

	if err := u.publisher.Publish(ctx, u.topic, keyed.IdempotencyKey, nil, rawEntry); err != nil {
		u.logger.WithContext(ctx).WithError(err).Error()
		return err
	}

	return nil
}
