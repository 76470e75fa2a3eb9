package handler

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duropiri/novai-sub002/internal/api/storage"
)

// Job listing paginates by keyset over (created_at, job_id). The cursor is the
// last row of the previous page as "job_id@unixnano", base64url-encoded so it
// survives query strings unescaped.

// EncodeJobCursor encodes the page boundary for the next request.
func EncodeJobCursor(cursor *storage.JobCursor) (string, error) {
	if cursor == nil {
		return "", nil
	}
	raw := cursor.JobID + "@" + strconv.FormatInt(cursor.CreatedAt.UnixNano(), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw)), nil
}

// DecodeJobCursor decodes a cursor query parameter. An empty cursor means the
// first page.
func DecodeJobCursor(cursorStr string) (*storage.JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("malformed jobs cursor: %w", err)
	}

	jobID, stamp, ok := strings.Cut(string(raw), "@")
	if !ok || jobID == "" {
		return nil, fmt.Errorf("malformed jobs cursor")
	}

	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed jobs cursor timestamp: %w", err)
	}

	return &storage.JobCursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		JobID:     jobID,
	}, nil
}
