package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/benchrunner/internal/api/storage"
	"github.com/google/uuid"
)

func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var created int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &created)
	if err != nil {
		return nil, fmt.Errorf("invalid created in cursor: %w", err)
	}

	if _, err := uuid.Parse(decodedParts[1]); err != nil {
		return nil, fmt.Errorf("invalid uuid in cursor: %w", err)
	}

	return &storage.JobCursor{
		Created: time.Unix(0, created).UTC(),
		UUID:    decodedParts[1],
	}, nil
}

func EncodeJobCursor(cursor *storage.JobCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.Created.UnixNano(), cursor.UUID)
	return base64.StdEncoding.EncodeToString([]byte(cs))
}
