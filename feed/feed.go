// Package feed reads the object-store report feed: listing batch files by
// time range and streaming the raw report frames of one file. The pipeline
// consumes it through the Source interface so tests can substitute fakes.
package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FileInfo identifies one batch file in the feed.
type FileInfo struct {
	Key       string
	Timestamp time.Time
	Size      int64
}

// Stream yields the raw frames of one file in order. Next returns io.EOF
// when the file is exhausted; any other error means the remainder of the
// file is unreadable.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// Source is the report feed contract: list candidate files in a window and
// stream one file's contents. A zero before means an open-ended window.
// Both bounds are inclusive; re-listing a boundary file is harmless because
// the scheduler skips settled files.
type Source interface {
	List(ctx context.Context, after, before time.Time) ([]FileInfo, error)
	Stream(ctx context.Context, fi FileInfo) (Stream, error)
}

// ParseKey extracts the file timestamp from a feed key of the form
// "<type>.<unix_millis>.gz".
func ParseKey(key string) (fileType string, ts time.Time, err error) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[2] != "gz" {
		return "", time.Time{}, fmt.Errorf("feed: malformed key %q", key)
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("feed: malformed timestamp in key %q: %w", key, err)
	}
	return parts[0], time.UnixMilli(millis).UTC(), nil
}

// FormatKey renders the canonical key for a file type and timestamp.
func FormatKey(fileType string, ts time.Time) string {
	return fmt.Sprintf("%s.%d.gz", fileType, ts.UnixMilli())
}

// InWindow reports whether a file timestamp falls inside [after, before],
// with a zero before meaning no upper bound.
func InWindow(ts, after, before time.Time) bool {
	if ts.Before(after) {
		return false
	}
	if !before.IsZero() && ts.After(before) {
		return false
	}
	return true
}
