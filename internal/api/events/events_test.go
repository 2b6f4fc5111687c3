package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/domain"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePublisher struct {
	routingKey string
	body       []byte
	err        error
}

func (f *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ string) error {
	f.routingKey = routingKey
	f.body = body
	return f.err
}

func TestEventPublisher_Publish(t *testing.T) {
	pub := &fakePublisher{}
	p := NewEventPublisher(pub, discard)
	jobUUID := uuid.New()

	p.Publish(context.Background(), TransitionEvent{
		JobUUID: jobUUID,
		From:    protocol.JobStatusRunning,
		To:      protocol.JobStatusCompleted,
		Kind:    "runner",
		At:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	assert.Equal(t, "jobs.events.completed", pub.routingKey)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(pub.body, &decoded))
	assert.Equal(t, jobUUID.String(), decoded["job_uuid"])
	assert.Equal(t, "RUNNING", decoded["from"])
	assert.Equal(t, "COMPLETED", decoded["to"])
	assert.Equal(t, "runner", decoded["kind"])
}

func TestEventPublisher_ErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	p := NewEventPublisher(pub, discard)

	assert.NotPanics(t, func() {
		p.Publish(context.Background(), TransitionEvent{JobUUID: uuid.New(), To: protocol.JobStatusFailed})
	})
}

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func (f *fakeAcknowledger) record(tag uint64) *ackRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = map[uint64]*ackRecord{}
	}
	if f.records[tag] == nil {
		f.records[tag] = &ackRecord{}
	}
	return f.records[tag]
}

func (f *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	f.record(tag).acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	r := f.record(tag)
	r.nacked = true
	r.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

type fakeCanceler struct {
	errs     map[uuid.UUID]error
	canceled []uuid.UUID
}

func (f *fakeCanceler) CancelJob(_ context.Context, jobUUID uuid.UUID) error {
	f.canceled = append(f.canceled, jobUUID)
	return f.errs[jobUUID]
}

type fakeSource struct {
	deliveries chan amqp.Delivery
}

func (f *fakeSource) Consume(string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func TestCommandConsumer(t *testing.T) {
	okJob := uuid.New()
	terminalJob := uuid.New()
	missingJob := uuid.New()
	flakyJob := uuid.New()

	canceler := &fakeCanceler{errs: map[uuid.UUID]error{
		terminalJob: domain.ErrInvalidTransition,
		missingJob:  domain.ErrJobNotFound,
		flakyJob:    errors.New("database is locked"),
	}}

	tests := []struct {
		tag     uint64
		body    string
		acked   bool
		requeue bool
	}{
		{tag: 1, body: `{"job_uuid":"` + okJob.String() + `","action":"cancel"}`, acked: true},
		{tag: 2, body: `{"job_uuid":"` + terminalJob.String() + `","action":"cancel"}`, acked: true},
		{tag: 3, body: `{"job_uuid":"` + missingJob.String() + `","action":"cancel"}`},
		{tag: 4, body: `{"job_uuid":"` + flakyJob.String() + `","action":"cancel"}`, requeue: true},
		{tag: 5, body: `not json`},
		{tag: 6, body: `{"job_uuid":"nope","action":"cancel"}`},
		{tag: 7, body: `{"job_uuid":"` + okJob.String() + `","action":"pause"}`},
	}

	ack := &fakeAcknowledger{}
	source := &fakeSource{deliveries: make(chan amqp.Delivery, len(tests))}
	for _, tt := range tests {
		source.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tt.tag, Body: []byte(tt.body)}
	}
	close(source.deliveries)

	consumer := NewCommandConsumer(source, canceler, discard, "test")
	require.NoError(t, consumer.Run(context.Background()))

	for _, tt := range tests {
		r := ack.record(tt.tag)
		assert.Equal(t, tt.acked, r.acked, "tag %d acked", tt.tag)
		assert.Equal(t, !tt.acked, r.nacked, "tag %d nacked", tt.tag)
		assert.Equal(t, tt.requeue, r.requeue, "tag %d requeue", tt.tag)
	}

	assert.Equal(t, []uuid.UUID{okJob, terminalJob, missingJob, flakyJob}, canceler.canceled)
}
