package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/benchrunner/internal/artifact"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/cuongbtq/benchrunner/internal/vmm"
	"github.com/cuongbtq/benchrunner/internal/vsock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVMMEnv makes the test binary act as the VMM child process
const fakeVMMEnv = "SANDBOX_TEST_FAKE_VMM"

func TestMain(m *testing.M) {
	if mode := os.Getenv(fakeVMMEnv); mode != "" {
		os.Exit(fakeVMM(mode))
	}
	os.Exit(m.Run())
}

// fakeVMM plays both the VMM and the guest agent: it reads the config the
// sandbox wrote and reports through the collector's sockets
func fakeVMM(mode string) int {
	var configPath string
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	cfg, err := vmm.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	send := func(port uint32, data string) {
		conn, err := net.Dial("unix", vsock.ListenerPath(cfg.UDSPath, port))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}
		_, _ = io.WriteString(conn, data)
		_ = conn.Close()
	}

	switch mode {
	case "report", "exit3":
		cmd, err := protocol.ParseGuestCommand(cfg.Cmdline)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		send(vsock.PortStdout, strings.Join(cmd.Argv, " "))
		send(vsock.PortStderr, "warmup done")
		send(vsock.PortOutput, `{"ops":42}`)
		if mode == "exit3" {
			send(vsock.PortExitCode, "3")
		} else {
			send(vsock.PortExitCode, "0")
		}
		return 0
	case "crash":
		fmt.Fprintln(os.Stderr, "KVM_CREATE_VM: boom")
		return 1
	case "silent":
		return 0
	case "hang":
		time.Sleep(time.Minute)
		return 0
	}
	return 2
}

type recordingTuner struct {
	applied  int
	restored int
}

func (r *recordingTuner) Apply(context.Context) (func() error, error) {
	r.applied++
	return func() error {
		r.restored++
		return nil
	}, nil
}

type fixture struct {
	cfg   MicroVMConfig
	tuner *recordingTuner
	job   *Config
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	t.Setenv(fakeVMMEnv, mode)

	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	require.NoError(t, os.WriteFile(kernel, []byte("not really a kernel"), 0o644))
	kernelSum, err := artifact.Sum(kernel)
	require.NoError(t, err)

	digest := "sha256:" + strings.Repeat("cd", 32)
	imageDir := filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(imageDir, 0o755))
	initrd := ImagePath(imageDir, digest)
	require.NoError(t, os.WriteFile(initrd, []byte("070701 cpio archive"), 0o644))
	initrdSum, err := artifact.Sum(initrd)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(initrd+".sha256", []byte(initrdSum+"  "+filepath.Base(initrd)+"\n"), 0o644))

	// unix socket paths are length limited, keep the work dir short
	workDir, err := os.MkdirTemp("", "sbx")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(workDir) })

	return &fixture{
		cfg: MicroVMConfig{
			VMMBinary:      os.Args[0],
			KernelPath:     kernel,
			KernelSHA256:   kernelSum,
			KernelCmdline:  "console=ttyS0 reboot=k panic=1",
			ImageDir:       imageDir,
			WorkDir:        workDir,
			CollectorPoll:  5 * time.Millisecond,
			CollectorGrace: 100 * time.Millisecond,
			MaxOutputBytes: 1 << 20,
			Seccomp:        true,
		},
		tuner: &recordingTuner{},
		job: &Config{
			JobID:       "job-1",
			Digest:      digest,
			Command:     protocol.GuestCommand{Argv: []string{"/usr/bin/bench", "--n", "5"}},
			VCPUs:       1,
			MemoryBytes: 128 << 20,
			Timeout:     10 * time.Second,
		},
	}
}

func (f *fixture) run(ctx context.Context) (*Outcome, error) {
	s := NewMicroVM(f.cfg, f.tuner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s.Run(ctx, f.job)
}

func TestMicroVM_Report(t *testing.T) {
	f := newFixture(t, "report")

	outcome, err := f.run(context.Background())
	require.NoError(t, err)

	require.NotNil(t, outcome.ExitCode)
	assert.Equal(t, 0, *outcome.ExitCode)
	assert.Equal(t, "/usr/bin/bench --n 5", string(outcome.Stdout))
	assert.Equal(t, "warmup done", string(outcome.Stderr))
	assert.Equal(t, `{"ops":42}`, string(outcome.Output))
	assert.False(t, outcome.TimedOut)
	assert.IsType(t, protocol.Completed{}, outcome.Message())

	assert.Equal(t, 1, f.tuner.applied)
	assert.Equal(t, 1, f.tuner.restored)

	_, err = os.Stat(filepath.Join(f.cfg.WorkDir, "job-1"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMicroVM_NonZeroExit(t *testing.T) {
	f := newFixture(t, "exit3")

	outcome, err := f.run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, outcome.ExitCode)
	assert.Equal(t, 3, *outcome.ExitCode)
	assert.IsType(t, protocol.Failed{}, outcome.Message())
}

func TestMicroVM_VMMCrash(t *testing.T) {
	f := newFixture(t, "crash")

	_, err := f.run(context.Background())
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "vmm", setupErr.Stage)
	assert.ErrorContains(t, err, "boom")
}

func TestMicroVM_GuestNeverReports(t *testing.T) {
	f := newFixture(t, "silent")

	outcome, err := f.run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, outcome.ExitCode)
	assert.False(t, outcome.TimedOut)
	assert.Equal(t, "exit code not reported", outcome.Message().(protocol.Failed).Error)
}

func TestMicroVM_Timeout(t *testing.T) {
	f := newFixture(t, "hang")
	f.job.Timeout = 300 * time.Millisecond

	start := time.Now()
	outcome, err := f.run(context.Background())
	require.NoError(t, err)

	assert.True(t, outcome.TimedOut)
	assert.Nil(t, outcome.ExitCode)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestMicroVM_Canceled(t *testing.T) {
	f := newFixture(t, "hang")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := f.run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMicroVM_KernelPinMismatch(t *testing.T) {
	f := newFixture(t, "report")
	f.cfg.KernelSHA256 = strings.Repeat("0", 64)

	_, err := f.run(context.Background())
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "kernel", setupErr.Stage)
	assert.ErrorIs(t, err, artifact.ErrHashMismatch)
	assert.Zero(t, f.tuner.applied)
}

func TestMicroVM_ImageNotPinned(t *testing.T) {
	f := newFixture(t, "report")
	require.NoError(t, os.Remove(ImagePath(f.cfg.ImageDir, f.job.Digest)+".sha256"))

	_, err := f.run(context.Background())
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "image", setupErr.Stage)
}

func TestMicroVM_InvalidResources(t *testing.T) {
	f := newFixture(t, "report")
	f.job.MemoryBytes = 1 << 20

	_, err := f.run(context.Background())
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "config", setupErr.Stage)
	assert.ErrorIs(t, err, vmm.ErrMemorySize)
}

func TestImagePath(t *testing.T) {
	assert.Equal(t, "/images/abcd.cpio", ImagePath("/images", "sha256:abcd"))
}
