// Package vsock collects benchmark results the guest sends through the
// microVM's socket device. The device forwards a guest connection to host
// port P onto the unix socket {uds}_{P}, so the host binds one listener per
// well-known port before the guest boots.
package vsock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// Well-known guest to host ports
const (
	PortStdout   uint32 = 5000
	PortStderr   uint32 = 5001
	PortExitCode uint32 = 5002
	PortOutput   uint32 = 5005
)

// Ports lists every port the collector listens on
var Ports = []uint32{PortStdout, PortStderr, PortExitCode, PortOutput}

// ListenerPath is the host address the device uses for a guest connection to port
func ListenerPath(uds string, port uint32) string {
	return uds + "_" + strconv.FormatUint(uint64(port), 10)
}

type Config struct {
	UDSPath      string
	PollInterval time.Duration
	Grace        time.Duration
	MaxBytes     int64
}

// Result is whatever arrived before collection stopped. ExitCode is nil when
// the guest never reported one.
type Result struct {
	Stdout    []byte
	Stderr    []byte
	Output    []byte
	ExitCode  *int
	Truncated bool
}

// Collector owns the per-port listeners of one job
type Collector struct {
	cfg       Config
	logger    *slog.Logger
	listeners map[uint32]*net.UnixListener

	closeOnce sync.Once
	closeErr  error
}

// Listen binds every port's listener. Stale socket files are replaced.
func Listen(cfg Config, logger *slog.Logger) (*Collector, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 500 * time.Millisecond
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}

	c := &Collector{
		cfg:       cfg,
		logger:    logger,
		listeners: make(map[uint32]*net.UnixListener, len(Ports)),
	}

	for _, port := range Ports {
		path := ListenerPath(cfg.UDSPath, port)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.Close()
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", path, err)
		}

		l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
		}
		c.listeners[port] = l
	}

	return c, nil
}

type portData struct {
	port      uint32
	data      []byte
	truncated bool
}

// Collect waits for the guest's connections. It returns once every port has
// delivered, once the grace window after the exit code has elapsed, or when
// ctx is done, whichever comes first.
func (c *Collector) Collect(ctx context.Context) *Result {
	ctx, cancel := context.WithCancel(ctx)

	reads := make(chan portData, len(c.listeners))
	var wg sync.WaitGroup
	for port, l := range c.listeners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serve(ctx, port, l, reads)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	result := &Result{}
	remaining := len(c.listeners)
	var grace <-chan time.Time

	for remaining > 0 {
		select {
		case d := <-reads:
			remaining--
			c.store(result, d)
			if d.port == PortExitCode && grace == nil {
				grace = time.After(c.cfg.Grace)
			}

		case <-grace:
			c.logger.Warn("Result collection stopped after exit code grace window",
				slog.Int("missing_ports", remaining),
			)
			return result

		case <-ctx.Done():
			c.logger.Warn("Result collection interrupted",
				slog.Int("missing_ports", remaining),
				slog.Bool("exit_code_received", result.ExitCode != nil),
			)
			return result
		}
	}

	return result
}

// serve accepts one connection on l and reads it to EOF or the size cap
func (c *Collector) serve(ctx context.Context, port uint32, l *net.UnixListener, reads chan<- portData) {
	var conn *net.UnixConn
	for conn == nil {
		if ctx.Err() != nil {
			return
		}

		if err := l.SetDeadline(time.Now().Add(c.cfg.PollInterval)); err != nil {
			return
		}

		accepted, err := l.AcceptUnix()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				c.logger.Error("Failed to accept result connection",
					slog.Uint64("port", uint64(port)),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		conn = accepted
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	data, err := io.ReadAll(io.LimitReader(conn, c.cfg.MaxBytes+1))
	if err != nil {
		c.logger.Warn("Result connection ended early",
			slog.Uint64("port", uint64(port)),
			slog.Int("bytes", len(data)),
			slog.String("error", err.Error()),
		)
	}

	d := portData{port: port, data: data}
	if int64(len(data)) > c.cfg.MaxBytes {
		d.data = data[:c.cfg.MaxBytes]
		d.truncated = true
	}
	reads <- d
}

func (c *Collector) store(result *Result, d portData) {
	if d.truncated {
		result.Truncated = true
		c.logger.Warn("Result output truncated",
			slog.Uint64("port", uint64(d.port)),
			slog.Int64("max_bytes", c.cfg.MaxBytes),
		)
	}

	switch d.port {
	case PortStdout:
		result.Stdout = d.data
	case PortStderr:
		result.Stderr = d.data
	case PortOutput:
		result.Output = d.data
	case PortExitCode:
		code, err := ParseExitCode(d.data)
		if err != nil {
			c.logger.Warn("Guest sent an unreadable exit code",
				slog.String("error", err.Error()),
			)
			return
		}
		result.ExitCode = &code
	}
}

// ParseExitCode decodes the decimal exit code the guest agent writes
func ParseExitCode(data []byte) (int, error) {
	text := string(bytes.TrimSpace(data))
	if text == "" {
		return 0, errors.New("empty exit code")
	}
	code, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid exit code %q: %w", text, err)
	}
	return code, nil
}

// Close stops every listener and removes its socket file
func (c *Collector) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		for port, l := range c.listeners {
			// UnixListener unlinks the socket file it created on Close
			if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
			path := ListenerPath(c.cfg.UDSPath, port)
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
