package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned for a discriminant outside the closed set
var ErrUnknownEvent = errors.New("unknown event")

// Runner -> server events
const (
	EventRunning   = "running"
	EventHeartbeat = "heartbeat"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCanceled  = "canceled"
)

// Server -> runner events
const (
	EventAck    = "ack"
	EventCancel = "cancel"
)

// RunnerMessage is one of Running, Heartbeat, Completed, Failed, Canceled
type RunnerMessage interface {
	runnerEvent() string
}

// Running marks the start of benchmark execution
type Running struct{}

// Heartbeat proves liveness
type Heartbeat struct{}

// Completed carries the results of a successful run
type Completed struct {
	Results []IterationOutput `json:"results"`
}

// Failed carries partial results and the failure reason
type Failed struct {
	Results []IterationOutput `json:"results"`
	Error   string            `json:"error"`
}

// Canceled acknowledges a server-initiated cancel
type Canceled struct{}

func (Running) runnerEvent() string   { return EventRunning }
func (Heartbeat) runnerEvent() string { return EventHeartbeat }
func (Completed) runnerEvent() string { return EventCompleted }
func (Failed) runnerEvent() string    { return EventFailed }
func (Canceled) runnerEvent() string  { return EventCanceled }

// IsTerminal reports whether m ends the runner's side of the exchange
func IsTerminal(m RunnerMessage) bool {
	switch m.(type) {
	case Completed, Failed, Canceled:
		return true
	}
	return false
}

// ServerMessage is one of Ack, Cancel
type ServerMessage interface {
	serverEvent() string
}

// Ack ends the interaction after Completed or Failed
type Ack struct{}

// Cancel asks the runner to stop the job
type Cancel struct{}

func (Ack) serverEvent() string    { return EventAck }
func (Cancel) serverEvent() string { return EventCancel }

type envelope struct {
	Event string `json:"event"`
}

// EncodeRunnerMessage writes m as a tagged JSON object
func EncodeRunnerMessage(m RunnerMessage) ([]byte, error) {
	switch v := m.(type) {
	case Completed:
		if v.Results == nil {
			v.Results = []IterationOutput{}
		}
		return json.Marshal(struct {
			Event string `json:"event"`
			Completed
		}{EventCompleted, v})
	case Failed:
		if v.Results == nil {
			v.Results = []IterationOutput{}
		}
		return json.Marshal(struct {
			Event string `json:"event"`
			Failed
		}{EventFailed, v})
	case nil:
		return nil, errors.New("nil runner message")
	default:
		return json.Marshal(envelope{Event: m.runnerEvent()})
	}
}

// DecodeRunnerMessage parses a tagged JSON object, rejecting unknown events
func DecodeRunnerMessage(data []byte) (RunnerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed runner message: %w", err)
	}

	switch env.Event {
	case EventRunning:
		return Running{}, nil
	case EventHeartbeat:
		return Heartbeat{}, nil
	case EventCanceled:
		return Canceled{}, nil
	case EventCompleted:
		var m Completed
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed completed message: %w", err)
		}
		return m, nil
	case EventFailed:
		var m Failed
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("malformed failed message: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}

// EncodeServerMessage writes m as a tagged JSON object
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	if m == nil {
		return nil, errors.New("nil server message")
	}
	return json.Marshal(envelope{Event: m.serverEvent()})
}

// DecodeServerMessage parses a tagged JSON object, rejecting unknown events
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed server message: %w", err)
	}

	switch env.Event {
	case EventAck:
		return Ack{}, nil
	case EventCancel:
		return Cancel{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}
