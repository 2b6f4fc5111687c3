package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"syscall"

	"github.com/cuongbtq/benchrunner/internal/protocol"
	results "github.com/cuongbtq/benchrunner/internal/vsock"
)

const (
	// outputEnv names the file a benchmark may write structured output to
	outputEnv = "BENCH_OUTPUT"

	// exitNotRun is reported when the command could not be started
	exitNotRun = 127

	maxOutputBytes = 10 << 20
)

var baseEnv = []string{
	"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME=/root",
}

// result is everything the host collects for one run
type result struct {
	stdout   []byte
	stderr   []byte
	output   []byte
	exitCode int
}

// failed is the result of a run that never started
func failed(err error) result {
	return result{stderr: []byte(err.Error() + "\n"), exitCode: exitNotRun}
}

// resolveCommand fills an empty argv with the image's default command stored
// at path
func resolveCommand(c *protocol.GuestCommand, path string) (*protocol.GuestCommand, error) {
	if len(c.Argv) > 0 {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no command given and no image default: %w", err)
	}
	var argv []string
	if err := json.Unmarshal(data, &argv); err != nil {
		return nil, fmt.Errorf("malformed image default command %s: %w", path, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("image default command %s is empty", path)
	}

	return &protocol.GuestCommand{Argv: argv, Env: c.Env}, nil
}

// runCommand runs the benchmark to completion. A process killed by a signal
// reports 128 plus the signal number, like a shell.
func runCommand(ctx context.Context, c *protocol.GuestCommand, outputPath string) result {
	cmd := exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	cmd.Env = commandEnv(c.Env, outputPath)
	cmd.Dir = "/"

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	r := result{stdout: stdout.Bytes(), stderr: stderr.Bytes()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		r.exitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			r.exitCode = 128 + int(status.Signal())
		}
	default:
		r.stderr = append(r.stderr, fmt.Sprintf("failed to start %s: %v\n", c.Argv[0], err)...)
		r.exitCode = exitNotRun
	}

	if outputPath != "" {
		r.output = readCapped(outputPath)
	}
	return r
}

func commandEnv(extra map[string]string, outputPath string) []string {
	env := append([]string(nil), baseEnv...)
	if outputPath != "" {
		env = append(env, outputEnv+"="+outputPath)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

func readCapped(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxOutputBytes))
	if err != nil {
		return nil
	}
	return data
}

// dialFunc opens a stream to a host port
type dialFunc func(port uint32) (io.WriteCloser, error)

// report sends each stream to its port. The exit code goes last since the
// host stops collecting once it has arrived.
func report(dial dialFunc, r result) error {
	var errs []error
	send := func(port uint32, data []byte) {
		conn, err := dial(port)
		if err != nil {
			errs = append(errs, fmt.Errorf("dial port %d: %w", port, err))
			return
		}
		if _, err := conn.Write(data); err != nil {
			errs = append(errs, fmt.Errorf("write port %d: %w", port, err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close port %d: %w", port, err))
		}
	}

	send(results.PortStdout, r.stdout)
	send(results.PortStderr, r.stderr)
	if len(r.output) > 0 {
		send(results.PortOutput, r.output)
	}
	send(results.PortExitCode, []byte(strconv.Itoa(r.exitCode)))

	return errors.Join(errs...)
}
