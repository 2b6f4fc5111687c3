// Package artifact verifies downloaded boot artifacts against pinned hashes.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrHashMismatch is returned when an artifact does not match its pin
var ErrHashMismatch = errors.New("artifact hash mismatch")

// Sum returns the hex encoded SHA-256 of the file at path
func Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash artifact %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks path against the pinned hex digest. An optional "sha256:"
// prefix on pinned is accepted. An empty pin is rejected: callers that do not
// pin an artifact must not call Verify.
func Verify(path, pinned string) error {
	want := strings.ToLower(strings.TrimPrefix(pinned, "sha256:"))
	if len(want) != sha256.Size*2 {
		return fmt.Errorf("invalid pinned sha256 %q", pinned)
	}
	if _, err := hex.DecodeString(want); err != nil {
		return fmt.Errorf("invalid pinned sha256 %q: %w", pinned, err)
	}

	got, err := Sum(path)
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: %s has sha256 %s, pinned %s", ErrHashMismatch, path, got, want)
	}

	return nil
}
