package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/google/uuid"
)

// RoutingKeyPrefix prefixes transition event routing keys, e.g. jobs.events.completed
const RoutingKeyPrefix = "jobs.events."

// Publisher is the subset of the rabbitmq client used to emit events
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// TransitionEvent is published after every successful status change
type TransitionEvent struct {
	JobUUID uuid.UUID          `json:"job_uuid"`
	From    protocol.JobStatus `json:"from"`
	To      protocol.JobStatus `json:"to"`
	Kind    string             `json:"kind"`
	At      time.Time          `json:"at"`
}

// RoutingKey derives the routing key from the target status
func (e TransitionEvent) RoutingKey() string {
	return RoutingKeyPrefix + strings.ToLower(string(e.To))
}

// EventPublisher publishes transition events, best effort
type EventPublisher struct {
	publisher Publisher
	logger    *slog.Logger
	timeout   time.Duration
}

func NewEventPublisher(publisher Publisher, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{
		publisher: publisher,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

// Publish never fails the caller; a lost event is logged
func (p *EventPublisher) Publish(ctx context.Context, event TransitionEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal transition event", slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	if err := p.publisher.PublishWithRetry(ctx, event.RoutingKey(), body, "application/json"); err != nil {
		p.logger.Warn("Failed to publish transition event",
			slog.String("job_uuid", event.JobUUID.String()),
			slog.String("to", string(event.To)),
			slog.Any("error", err),
		)
	}
}
