package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/cuongbtq/benchrunner/internal/api/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ActionCancel is the only command currently accepted
const ActionCancel = "cancel"

// Canceler cancels a job on behalf of an operator
type Canceler interface {
	CancelJob(ctx context.Context, jobUUID uuid.UUID) error
}

// Source delivers commands; satisfied by the rabbitmq client
type Source interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// CommandConsumer applies job commands published by the external REST surface
type CommandConsumer struct {
	source      Source
	canceler    Canceler
	logger      *slog.Logger
	consumerTag string
}

func NewCommandConsumer(source Source, canceler Canceler, logger *slog.Logger, consumerTag string) *CommandConsumer {
	return &CommandConsumer{
		source:      source,
		canceler:    canceler,
		logger:      logger,
		consumerTag: consumerTag,
	}
}

// Run consumes until ctx is canceled or the delivery channel closes
func (c *CommandConsumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.consumerTag)
	if err != nil {
		return err
	}

	c.logger.Info("Command consumer started",
		slog.String("consumer_tag", c.consumerTag),
	)

	c.dispatch(ctx, deliveries)
	return nil
}

type command struct {
	JobUUID string `json:"job_uuid"`
	Action  string `json:"action"`
}

func (c *CommandConsumer) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Command consumer stopped - context canceled")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *CommandConsumer) handle(ctx context.Context, delivery amqp.Delivery) {
	var cmd command
	if err := json.Unmarshal(delivery.Body, &cmd); err != nil {
		c.logger.Error("Failed to parse command JSON",
			slog.String("error", err.Error()),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages go to the dead letter exchange
		c.nack(delivery, false)
		return
	}

	jobUUID, err := uuid.Parse(cmd.JobUUID)
	if err != nil {
		c.logger.Error("Invalid job_uuid format - not a UUID",
			slog.String("job_uuid", cmd.JobUUID),
			slog.String("error", err.Error()),
		)
		c.nack(delivery, false)
		return
	}

	if cmd.Action != ActionCancel {
		c.logger.Error("Unsupported command action",
			slog.String("action", cmd.Action),
			slog.String("job_uuid", cmd.JobUUID),
		)
		c.nack(delivery, false)
		return
	}

	err = c.canceler.CancelJob(ctx, jobUUID)
	switch {
	case err == nil, errors.Is(err, domain.ErrInvalidTransition):
		// already terminal counts as done
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("Failed to ACK command",
				slog.String("error", ackErr.Error()),
			)
		}
	case errors.Is(err, domain.ErrJobNotFound):
		c.logger.Warn("Cancel command for unknown job",
			slog.String("job_uuid", cmd.JobUUID),
		)
		c.nack(delivery, false)
	default:
		c.logger.Error("Failed to apply cancel command",
			slog.String("job_uuid", cmd.JobUUID),
			slog.String("error", err.Error()),
		)
		c.nack(delivery, true)
	}
}

func (c *CommandConsumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK command",
			slog.String("error", err.Error()),
			slog.Bool("requeue", requeue),
		)
	}
}
