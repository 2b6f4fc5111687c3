package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sha256("test")
const testDigest = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmlinux")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSum(t *testing.T) {
	sum, err := Sum(writeArtifact(t, "test"))
	require.NoError(t, err)
	assert.Equal(t, testDigest, sum)

	_, err = Sum(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestVerify(t *testing.T) {
	path := writeArtifact(t, "test")

	tests := []struct {
		name     string
		pinned   string
		mismatch bool
		errStr   string
	}{
		{name: "match", pinned: testDigest},
		{name: "match with prefix", pinned: "sha256:" + testDigest},
		{name: "match upper case", pinned: strings.ToUpper(testDigest)},
		{name: "mismatch", pinned: strings.Repeat("0", 64), mismatch: true},
		{name: "empty pin", pinned: "", errStr: "invalid pinned sha256"},
		{name: "short pin", pinned: "abc", errStr: "invalid pinned sha256"},
		{name: "not hex", pinned: strings.Repeat("z", 64), errStr: "invalid pinned sha256"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(path, tt.pinned)
			switch {
			case tt.mismatch:
				assert.ErrorIs(t, err, ErrHashMismatch)
			case tt.errStr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errStr)
				assert.NotErrorIs(t, err, ErrHashMismatch)
			default:
				assert.NoError(t, err)
			}
		})
	}
}
