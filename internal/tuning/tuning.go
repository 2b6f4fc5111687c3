// Package tuning applies host noise reduction for the duration of one job.
package tuning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultSysfsRoot is where the kernel exposes per-CPU frequency controls
const DefaultSysfsRoot = "/sys/devices/system/cpu"

// Tuner changes host settings and returns a func that puts them back
type Tuner interface {
	Apply(ctx context.Context) (restore func() error, err error)
}

// Noop leaves the host untouched
type Noop struct{}

func (Noop) Apply(context.Context) (func() error, error) {
	return func() error { return nil }, nil
}

// Governor pins the cpufreq scaling governor of a set of CPUs
type Governor struct {
	root     string
	cpus     []int
	governor string
	logger   *slog.Logger
}

// NewGovernor builds a Governor. An empty cpus list means every CPU under root.
func NewGovernor(root string, cpus []int, governor string, logger *slog.Logger) *Governor {
	if root == "" {
		root = DefaultSysfsRoot
	}
	if governor == "" {
		governor = "performance"
	}
	return &Governor{
		root:     root,
		cpus:     cpus,
		governor: governor,
		logger:   logger,
	}
}

func (g *Governor) Apply(ctx context.Context) (func() error, error) {
	cpus := g.cpus
	if len(cpus) == 0 {
		found, err := g.discover()
		if err != nil {
			return nil, err
		}
		cpus = found
	}

	previous := make(map[int]string, len(cpus))
	restore := func() error {
		var errs []error
		for cpu, gov := range previous {
			if err := os.WriteFile(g.path(cpu), []byte(gov), 0o644); err != nil {
				errs = append(errs, fmt.Errorf("cpu%d: %w", cpu, err))
			}
		}
		return errors.Join(errs...)
	}

	for _, cpu := range cpus {
		if err := ctx.Err(); err != nil {
			_ = restore()
			return nil, err
		}

		data, err := os.ReadFile(g.path(cpu))
		if err != nil {
			_ = restore()
			return nil, fmt.Errorf("failed to read governor of cpu%d: %w", cpu, err)
		}

		current := strings.TrimSpace(string(data))
		if current == g.governor {
			continue
		}

		if err := os.WriteFile(g.path(cpu), []byte(g.governor), 0o644); err != nil {
			_ = restore()
			return nil, fmt.Errorf("failed to set governor of cpu%d: %w", cpu, err)
		}
		previous[cpu] = current
	}

	g.logger.Debug("Host tuning applied",
		slog.String("governor", g.governor),
		slog.Int("changed_cpus", len(previous)),
	)

	return restore, nil
}

func (g *Governor) path(cpu int) string {
	return filepath.Join(g.root, "cpu"+strconv.Itoa(cpu), "cpufreq", "scaling_governor")
}

func (g *Governor) discover() ([]int, error) {
	matches, err := filepath.Glob(filepath.Join(g.root, "cpu[0-9]*", "cpufreq", "scaling_governor"))
	if err != nil {
		return nil, err
	}

	cpus := make([]int, 0, len(matches))
	for _, m := range matches {
		dir := filepath.Base(filepath.Dir(filepath.Dir(m)))
		n, err := strconv.Atoi(strings.TrimPrefix(dir, "cpu"))
		if err != nil {
			continue
		}
		cpus = append(cpus, n)
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no cpufreq governors found under %s", g.root)
	}
	return cpus, nil
}
