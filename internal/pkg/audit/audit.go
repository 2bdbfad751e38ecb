package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/sirupsen/logrus"
	"github.com/tsel-ticketmaster/tm-gate/pkg/gctasks"
	"github.com/tsel-ticketmaster/tm-gate/pkg/pubsub"
)

// Severity levels. Integrity and duplicate-use events go out elevated so the
// fraud-review pipeline can pick them up; ordinary expiry or exhaustion is
// routine traffic.
const (
	SeverityLow      = "low"
	SeverityElevated = "elevated"
	SeverityCritical = "critical"
)

// Entry is one append-only audit record. IdempotencyKey deduplicates replays
// downstream, so a retried publish can never double-count a decision.
type Entry struct {
	EventType      string      `json:"event_type"`
	ActorID        *string     `json:"actor_id,omitempty"`
	DeviceID       string      `json:"device_id"`
	Payload        interface{} `json:"payload"`
	Severity       string      `json:"severity"`
	IdempotencyKey string      `json:"idempotency_key"`
	RecordedAt     time.Time   `json:"recorded_at"`
}

type Publisher interface {
	Publish(ctx context.Context, entry Entry)
}

type kafkaPublisher struct {
	logger    *logrus.Logger
	publisher pubsub.Publisher
	topic     string
	tasks     gctasks.Client
	replayURL string
}

type PublisherProperty struct {
	Logger    *logrus.Logger
	Publisher pubsub.Publisher
	Topic     string
	Tasks     gctasks.Client
	ReplayURL string
}

func NewKafkaPublisher(props PublisherProperty) Publisher {
	return &kafkaPublisher{
		logger:    props.Logger,
		publisher: props.Publisher,
		topic:     props.Topic,
		tasks:     props.Tasks,
		replayURL: props.ReplayURL,
	}
}

// Publish is fire-and-forget: a failed publish never blocks or fails the
// decision that produced it. Instead the entry is handed to a deferred task
// that replays the append, keyed so the replay cannot duplicate it.
func (p *kafkaPublisher) Publish(ctx context.Context, entry Entry) {
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}

	buff, _ := json.Marshal(entry)

	if err := p.publisher.Publish(ctx, p.topic, entry.IdempotencyKey, nil, buff); err == nil {
		return
	}

	p.logger.WithContext(ctx).WithFields(logrus.Fields{
		"eventType":      entry.EventType,
		"idempotencyKey": entry.IdempotencyKey,
	}).Warn("audit publish failed, scheduling replay")

	if p.tasks == nil {
		return
	}

	replayErr := p.tasks.DeferCreateTaskInDuration("audit-replay", gctasks.Request{
		URL:    fmt.Sprintf("%s/v1/gateapp/audits/replay", p.replayURL),
		Method: cloudtaskspb.HttpMethod_POST,
		Body:   buff,
	}, time.Minute)
	if replayErr != nil {
		p.logger.WithContext(ctx).WithError(replayErr).Error()
	}
}
