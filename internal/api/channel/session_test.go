package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/cuongbtq/benchrunner/internal/api/service"
	"github.com/cuongbtq/benchrunner/internal/api/storage"
	"github.com/cuongbtq/benchrunner/internal/api/storage/storagetest"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	svc    *service.JobService
	store  *storage.Storage
	runner *model.Runner
	job    *model.Job
	srv    *httptest.Server
	result chan protocol.CloseReason
}

func newHarness(t *testing.T, cfg Config, spec protocol.JobSpec) *harness {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := storagetest.New(t)
	svc := service.NewJobService(store, service.Config{PollInterval: 10 * time.Millisecond, MaxAttempts: 3}, logger)
	runner := storagetest.InsertRunner(t, store, "x")

	_, err := svc.CreateJob(ctx, spec, 0)
	require.NoError(t, err)
	job, err := svc.Claim(ctx, runner, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	h := &harness{
		svc:    svc,
		store:  store,
		runner: runner,
		job:    job,
		result: make(chan protocol.CloseReason, 1),
	}

	upgrader := NewUpgrader()
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.result <- NewSession(conn, svc, runner, job, cfg, logger).Run(context.Background())
	}))
	t.Cleanup(h.srv.Close)

	return h
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{protocol.SubprotocolV1}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http"), nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.SubprotocolV1, conn.Subprotocol())
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) stored(t *testing.T) *model.Job {
	t.Helper()
	job, err := h.store.GetJobByUUID(context.Background(), h.job.UUID)
	require.NoError(t, err)
	return job
}

func (h *harness) waitResult(t *testing.T) protocol.CloseReason {
	t.Helper()
	select {
	case r := <-h.result:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return ""
	}
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.RunnerMessage) {
	t.Helper()
	data, err := protocol.EncodeRunnerMessage(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func receive(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.DecodeServerMessage(data)
	require.NoError(t, err)
	return msg
}

func expectClose(t *testing.T, conn *websocket.Conn, want protocol.CloseReason) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)

	reason, err := protocol.ParseCloseReason(closeErr.Text)
	require.NoError(t, err)
	assert.Equal(t, want, reason)
}

func defaultConfig() Config {
	return Config{
		HeartbeatWindow: 2 * time.Second,
		TimeoutGrace:    time.Minute,
		WriteTimeout:    time.Second,
	}
}

func TestSession_RunningHeartbeatsCompleted(t *testing.T) {
	h := newHarness(t, defaultConfig(), storagetest.Spec(60))
	conn := h.dial(t)

	send(t, conn, protocol.Running{})
	send(t, conn, protocol.Heartbeat{})
	send(t, conn, protocol.Heartbeat{})
	send(t, conn, protocol.Completed{Results: []protocol.IterationOutput{
		{ExitCode: 0, Stdout: "ops=100"},
	}})

	assert.Equal(t, protocol.Ack{}, receive(t, conn))
	expectClose(t, conn, protocol.CloseJobCompleted)
	assert.Equal(t, protocol.CloseJobCompleted, h.waitResult(t))

	job := h.stored(t)
	assert.Equal(t, protocol.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
	assert.NotNil(t, job.Started)
	assert.NotNil(t, job.Completed)
	require.NotNil(t, job.Results)
	assert.Contains(t, *job.Results, "ops=100")
}

func TestSession_FailedKeepsErrorAndExitCode(t *testing.T) {
	h := newHarness(t, defaultConfig(), storagetest.Spec(60))
	conn := h.dial(t)

	send(t, conn, protocol.Running{})
	send(t, conn, protocol.Failed{
		Results: []protocol.IterationOutput{{ExitCode: 3, Stderr: "boom"}},
		Error:   "benchmark exited with status 3",
	})

	assert.Equal(t, protocol.Ack{}, receive(t, conn))
	expectClose(t, conn, protocol.CloseJobFailed)
	h.waitResult(t)

	job := h.stored(t)
	assert.Equal(t, protocol.JobStatusFailed, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 3, *job.ExitCode)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "benchmark exited with status 3", *job.ErrorMessage)
}

func TestSession_HeartbeatTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.HeartbeatWindow = 200 * time.Millisecond
	h := newHarness(t, cfg, storagetest.Spec(60))
	conn := h.dial(t)

	send(t, conn, protocol.Running{})

	expectClose(t, conn, protocol.CloseHeartbeatTimeout)
	assert.Equal(t, protocol.CloseHeartbeatTimeout, h.waitResult(t))

	job := h.stored(t)
	assert.Equal(t, protocol.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "heartbeat timeout", *job.ErrorMessage)
}

func TestSession_InvalidMessagesDoNotExtendWindow(t *testing.T) {
	cfg := defaultConfig()
	cfg.HeartbeatWindow = 300 * time.Millisecond
	h := newHarness(t, cfg, storagetest.Spec(60))
	conn := h.dial(t)

	start := time.Now()
	for i := 0; i < 2; i++ {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"progress"}`)))
		time.Sleep(100 * time.Millisecond)
	}

	expectClose(t, conn, protocol.CloseHeartbeatTimeout)
	h.waitResult(t)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, protocol.JobStatusFailed, h.stored(t).Status)
}

func TestSession_PeerDisconnectEndsInHeartbeatTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.HeartbeatWindow = 200 * time.Millisecond
	h := newHarness(t, cfg, storagetest.Spec(60))
	conn := h.dial(t)

	send(t, conn, protocol.Running{})
	require.NoError(t, conn.Close())

	assert.Equal(t, protocol.CloseHeartbeatTimeout, h.waitResult(t))
	assert.Equal(t, protocol.JobStatusFailed, h.stored(t).Status)
}

func TestSession_JobTimeoutExceeded(t *testing.T) {
	cfg := defaultConfig()
	cfg.TimeoutGrace = 100 * time.Millisecond
	h := newHarness(t, cfg, storagetest.Spec(1))
	conn := h.dial(t)

	send(t, conn, protocol.Running{})
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				data, _ := protocol.EncodeRunnerMessage(protocol.Heartbeat{})
				if conn.WriteMessage(websocket.TextMessage, data) != nil {
					return
				}
			}
		}
	}()
	defer close(done)

	assert.Equal(t, protocol.CloseJobTimeoutExceeded, h.waitResult(t))
	job := h.stored(t)
	assert.Equal(t, protocol.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "job timeout exceeded", *job.ErrorMessage)
}

func TestSession_CancelAtNextHeartbeat(t *testing.T) {
	h := newHarness(t, defaultConfig(), storagetest.Spec(60))
	conn := h.dial(t)

	send(t, conn, protocol.Running{})
	require.NoError(t, h.svc.CancelJob(context.Background(), h.job.UUID))

	send(t, conn, protocol.Heartbeat{})
	assert.Equal(t, protocol.Cancel{}, receive(t, conn))

	send(t, conn, protocol.Canceled{})
	expectClose(t, conn, protocol.CloseJobCanceled)
	h.waitResult(t)

	job := h.stored(t)
	assert.Equal(t, protocol.JobStatusCanceled, job.Status)
	assert.Nil(t, job.ExitCode)
}

func TestSession_CanceledByRunner(t *testing.T) {
	h := newHarness(t, defaultConfig(), storagetest.Spec(60))
	conn := h.dial(t)

	send(t, conn, protocol.Running{})
	send(t, conn, protocol.Canceled{})

	expectClose(t, conn, protocol.CloseJobCanceledByRunner)
	h.waitResult(t)
	assert.Equal(t, protocol.JobStatusCanceled, h.stored(t).Status)
}

func TestSession_CancelAfterTerminalDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, defaultConfig(), storagetest.Spec(60))
	conn := h.dial(t)

	send(t, conn, protocol.Running{})
	require.NoError(t, h.svc.CancelJob(context.Background(), h.job.UUID))

	// the runner finished before it read the cancel
	send(t, conn, protocol.Heartbeat{})
	send(t, conn, protocol.Completed{Results: []protocol.IterationOutput{{ExitCode: 0}}})

	assert.Equal(t, protocol.Cancel{}, receive(t, conn))
	assert.Equal(t, protocol.Ack{}, receive(t, conn))
	expectClose(t, conn, protocol.CloseJobCompleted)
	h.waitResult(t)

	job := h.stored(t)
	assert.Equal(t, protocol.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ExitCode)
	assert.Equal(t, 0, *job.ExitCode)
}

func TestSession_CompletedBeforeRunningFailsJob(t *testing.T) {
	h := newHarness(t, defaultConfig(), storagetest.Spec(60))
	conn := h.dial(t)

	send(t, conn, protocol.Completed{Results: []protocol.IterationOutput{{ExitCode: 0}}})

	assert.Equal(t, protocol.Ack{}, receive(t, conn))
	expectClose(t, conn, protocol.CloseJobFailed)
	h.waitResult(t)

	job := h.stored(t)
	assert.Equal(t, protocol.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "terminal report rejected")
}
