package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/cuongbtq/benchrunner/internal/worker/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ClientConfig holds the server endpoint and runner credentials
type ClientConfig struct {
	ServerURL      string
	RunnerUUID     uuid.UUID
	Token          string
	RequestTimeout time.Duration
}

// Client talks to the claim service and opens lifecycle channels
type Client struct {
	baseURL    *url.URL
	runnerUUID uuid.UUID
	token      string
	http       *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// NewClient validates cfg and builds a client. RequestTimeout bounds every
// call except the claim long-poll, which is bounded by its poll timeout.
func NewClient(cfg *ClientConfig, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.ServerURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", cfg.ServerURL)
	}
	if cfg.RunnerUUID == uuid.Nil {
		return nil, errors.New("runner uuid is required")
	}
	if cfg.Token == "" {
		return nil, errors.New("runner token is required")
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 10 * time.Second
	}

	return &Client{
		baseURL:    base,
		runnerUUID: cfg.RunnerUUID,
		token:      cfg.Token,
		http:       &http.Client{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: requestTimeout,
			// the token rides in the subprotocol list; browsers cannot set headers
			Subprotocols: []string{protocol.SubprotocolV1, cfg.Token},
		},
		logger: logger,
	}, nil
}

func (c *Client) jobsURL() string {
	return c.baseURL.String() + "/runners/" + c.runnerUUID.String() + "/jobs"
}

// Claim long-polls for a job. A nil job with a nil error means the queue
// stayed empty for the whole poll timeout.
func (c *Client) Claim(ctx context.Context, pollTimeout time.Duration) (*protocol.ClaimedJob, error) {
	seconds := uint32(pollTimeout / time.Second)
	if seconds == 0 {
		seconds = 1
	}

	// the server may hold the request for the whole window
	ctx, cancel := context.WithTimeout(ctx, time.Duration(seconds)*time.Second+c.dialer.HandshakeTimeout)
	defer cancel()

	var job *protocol.ClaimedJob
	if err := c.do(ctx, http.MethodPost, c.jobsURL(), protocol.ClaimRequest{PollTimeout: seconds}, &job); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return job, nil
}

// UpdateJob reports a status outside the lifecycle channel. The response
// says whether the job was canceled on the server.
func (c *Client) UpdateJob(ctx context.Context, jobUUID uuid.UUID, req protocol.UpdateJobRequest) (*protocol.UpdateJobResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialer.HandshakeTimeout)
	defer cancel()

	var resp protocol.UpdateJobResponse
	if err := c.do(ctx, http.MethodPatch, c.jobsURL()+"/"+jobUUID.String(), req, &resp); err != nil {
		return nil, fmt.Errorf("update job %s: %w", jobUUID, err)
	}
	return &resp, nil
}

// OpenChannel dials the lifecycle channel of a claimed job
func (c *Client) OpenChannel(ctx context.Context, jobUUID uuid.UUID) (*Channel, error) {
	wsURL := *c.baseURL
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path += "/runners/" + c.runnerUUID.String() + "/jobs/" + jobUUID.String() + "/channel"

	conn, resp, err := c.dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("open channel for job %s: %w", jobUUID, statusError(resp))
		}
		return nil, fmt.Errorf("open channel for job %s: %w", jobUUID, domain.NewRetryableError(err))
	}

	if conn.Subprotocol() != protocol.SubprotocolV1 {
		conn.Close()
		return nil, fmt.Errorf("open channel for job %s: server selected subprotocol %q", jobUUID, conn.Subprotocol())
	}

	return newChannel(conn, c.dialer.HandshakeTimeout, c.logger.With(slog.String("job_uuid", jobUUID.String()))), nil
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return err
		}
		return domain.NewRetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// statusError maps a non-200 response onto the runner's error kinds
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	detail := fmt.Sprintf("status %d: %s", resp.StatusCode, body.Error)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, detail)
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrForbidden, detail)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrJobRejected, detail)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return domain.NewRetryableError(errors.New(detail))
	default:
		return errors.New(detail)
	}
}
