// Package storagetest provides an in-memory SQLite storage for tests.
package storagetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/model"
	"github.com/cuongbtq/benchrunner/internal/api/storage"
	"github.com/cuongbtq/benchrunner/internal/protocol"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// New opens a fresh in-memory database with the schema applied
func New(t testing.TB) *storage.Storage {
	t.Helper()

	db, err := sqlx.Open("sqlite3", "file::memory:?_busy_timeout=5000")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })

	s := storage.NewStorage(db)
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

// Spec returns a valid job spec with the given timeout
func Spec(timeout int) protocol.JobSpec {
	return protocol.JobSpec{
		Registry: "registry.example.com",
		Project:  "acme/bench",
		Digest:   "sha256:" + strings.Repeat("0f", 32),
		Cmd:      []string{"./bench"},
		Timeout:  timeout,
	}
}

// InsertJob stores a pending job
func InsertJob(t testing.TB, s *storage.Storage, priority int, created time.Time) *model.Job {
	t.Helper()

	job := &model.Job{
		UUID:     uuid.New(),
		Status:   protocol.JobStatusPending,
		Priority: priority,
		Spec:     Spec(60),
		Created:  created.UTC(),
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// InsertRunner stores an available runner with the given token hash
func InsertRunner(t testing.TB, s *storage.Storage, tokenHash string) *model.Runner {
	t.Helper()

	runner := &model.Runner{
		UUID:      uuid.New(),
		Name:      "runner-" + uuid.NewString()[:8],
		TokenHash: tokenHash,
		Created:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateRunner(context.Background(), runner))
	return runner
}
