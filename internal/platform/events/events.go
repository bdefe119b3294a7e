// Package events publishes form lifecycle events for downstream consumers
// such as reporting pipelines. Publication happens after the database write
// and never affects the outcome of the request that caused it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type Type string

const (
	FormUploaded           Type = "form.uploaded"
	FormStatusChanged      Type = "form.status_changed"
	FormDecisionApplied    Type = "form.decision_applied"
	FormCancelled          Type = "form.cancelled"
	FormCancellationUndone Type = "form.cancellation_undone"
	FormDeleted            Type = "form.deleted"
)

// Event is the message body written to the topic.
type Event struct {
	ID         uuid.UUID  `json:"id"`
	Type       Type       `json:"type"`
	FormID     uuid.UUID  `json:"form_id"`
	Status     string     `json:"status,omitempty"`
	FromStatus string     `json:"from_status,omitempty"`
	ActorID    *uuid.UUID `json:"actor_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(t Type, formID uuid.UUID) Event {
	return Event{ID: uuid.New(), Type: t, FormID: formID, OccurredAt: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events keyed by form id so that all events for one
// form land on the same partition in order. The writer runs asynchronously;
// delivery failures surface in the log through the completion callback.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	log := logger.With().Str("component", "events").Str("topic", topic).Logger()
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("messages", len(msgs)).Msg("form events not delivered")
			}
		},
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.FormID.String()),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// LogPublisher records events in the service log. It stands in for Kafka
// when no brokers are configured.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Debug().
		Str("event_id", e.ID.String()).
		Str("type", string(e.Type)).
		Str("form_id", e.FormID.String()).
		Str("status", e.Status).
		Msg("form event")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
