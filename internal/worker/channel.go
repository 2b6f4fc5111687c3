package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/cuongbtq/benchrunner/internal/worker/domain"
	"github.com/gorilla/websocket"
)

const incomingBuffer = 8

// Channel is the runner end of a job's lifecycle channel. A single reader
// goroutine decodes server messages into a buffer that Poll and Receive drain.
type Channel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *slog.Logger

	writeMu  sync.Mutex
	incoming chan protocol.ServerMessage
	done     chan struct{}

	mu          sync.Mutex
	closeReason protocol.CloseReason
	readErr     error
	closeOnce   sync.Once
}

func newChannel(conn *websocket.Conn, writeTimeout time.Duration, logger *slog.Logger) *Channel {
	ch := &Channel{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		incoming:     make(chan protocol.ServerMessage, incomingBuffer),
		done:         make(chan struct{}),
	}
	go ch.readLoop()
	return ch
}

func (ch *Channel) readLoop() {
	defer close(ch.done)

	for {
		_, data, err := ch.conn.ReadMessage()
		if err != nil {
			ch.recordReadError(err)
			return
		}

		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			ch.logger.Warn("Ignoring malformed server message",
				slog.String("error", err.Error()),
			)
			continue
		}

		select {
		case ch.incoming <- msg:
		default:
			ch.logger.Warn("Dropping server message, buffer full",
				slog.String("event", fmt.Sprintf("%T", msg)),
			)
		}
	}
}

func (ch *Channel) recordReadError(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.readErr = err
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Text != "" {
		reason, parseErr := protocol.ParseCloseReason(closeErr.Text)
		if parseErr != nil {
			ch.logger.Warn("Unrecognized close reason",
				slog.String("error", parseErr.Error()),
			)
			return
		}
		ch.closeReason = reason
	}
}

// Send writes one runner message
func (ch *Channel) Send(m protocol.RunnerMessage) error {
	data, err := protocol.EncodeRunnerMessage(m)
	if err != nil {
		return err
	}

	select {
	case <-ch.done:
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, ch.err())
	default:
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	if err := ch.conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	}
	if err := ch.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
	}
	return nil
}

// Poll returns a buffered server message without blocking
func (ch *Channel) Poll() (protocol.ServerMessage, bool) {
	select {
	case msg := <-ch.incoming:
		return msg, true
	default:
		return nil, false
	}
}

// Receive waits for the next server message until ctx ends or the server
// closes the channel
func (ch *Channel) Receive(ctx context.Context) (protocol.ServerMessage, error) {
	select {
	case msg := <-ch.incoming:
		return msg, nil
	default:
	}

	select {
	case msg := <-ch.incoming:
		return msg, nil
	case <-ch.done:
		// a message may have landed just before the reader exited
		if msg, ok := ch.Poll(); ok {
			return msg, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrChannelClosed, ch.err())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the server side is gone
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// CloseReason is the reason the server gave when it closed the channel, if any
func (ch *Channel) CloseReason() (protocol.CloseReason, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closeReason, ch.closeReason != ""
}

func (ch *Channel) err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.readErr == nil {
		return errors.New("reader stopped")
	}
	return ch.readErr
}

// Close sends a normal close frame, waits briefly for the server to answer
// and releases the connection. Safe to call more than once.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		writeErr := ch.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ch.writeTimeout))
		ch.writeMu.Unlock()

		if writeErr == nil {
			select {
			case <-ch.done:
			case <-time.After(ch.writeTimeout):
			}
		}
		err = ch.conn.Close()
		<-ch.done
	})
	return err
}
