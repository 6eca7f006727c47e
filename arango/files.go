package arango

import (
	"context"
	"fmt"
	"time"

	"poctracker/feed"
)

// FileDoc is the checkpoint record for one source file. done transitions
// false→true exactly once; retries only grows; abandoned is the explicit
// dead-letter state for files past their retry budget.
type FileDoc struct {
	Key       string    `json:"_key"`
	Timestamp time.Time `json:"timestamp"`
	UnixTS    int64     `json:"unix_ts"`
	Size      int64     `json:"size"`
	Done      bool      `json:"done"`
	Retries   int       `json:"retries"`
	Abandoned bool      `json:"abandoned"`
}

// NewFileDoc builds the initial checkpoint record for a listed file.
func NewFileDoc(fi feed.FileInfo) FileDoc {
	return FileDoc{
		Key:       fi.Key,
		Timestamp: fi.Timestamp,
		UnixTS:    fi.Timestamp.UnixMilli(),
		Size:      fi.Size,
	}
}

// FileExists reports whether a checkpoint record exists for the key.
func (c *Client) FileExists(ctx context.Context, key string) (bool, error) {
	exists, err := c.files.DocumentExists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("arango: file exists %s: %w", key, err)
	}
	return exists, nil
}

// InitFile writes the pre-insert checkpoint record with done=false. A
// record left over from an earlier attempt is kept as-is so its retry
// count survives.
func (c *Client) InitFile(ctx context.Context, fi feed.FileInfo) error {
	exists, err := c.FileExists(ctx, fi.Key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if _, err := c.files.CreateDocument(ctx, NewFileDoc(fi)); err != nil {
		if Classify(err) == KindConflict {
			return nil
		}
		return fmt.Errorf("arango: init file %s: %w", fi.Key, err)
	}
	return nil
}

// CompleteFile flips the checkpoint to done. done is terminal; nothing in
// the pipeline ever sets it back.
func (c *Client) CompleteFile(ctx context.Context, key string) error {
	err := c.exec(ctx,
		`UPDATE @key WITH { done: true } IN @@collection`,
		map[string]interface{}{"@collection": FileCollection, "key": key},
	)
	if err != nil {
		return fmt.Errorf("arango: complete file %s: %w", key, err)
	}
	return nil
}

// IncrementFileRetry bumps the retry counter and returns the new count.
func (c *Client) IncrementFileRetry(ctx context.Context, key string) (int, error) {
	counts, err := c.queryInts(ctx,
		`UPDATE @key WITH { retries: NOT_NULL(OLD.retries, 0) + 1 } IN @@collection RETURN NEW.retries`,
		map[string]interface{}{"@collection": FileCollection, "key": key},
	)
	if err != nil {
		return 0, fmt.Errorf("arango: increment retry %s: %w", key, err)
	}
	if len(counts) == 0 {
		return 0, fmt.Errorf("arango: increment retry %s: no document", key)
	}
	return counts[0], nil
}

// FileRetries returns the retry count for a file, 0 when unknown.
func (c *Client) FileRetries(ctx context.Context, key string) (int, error) {
	counts, err := c.queryInts(ctx,
		`FOR f IN @@collection FILTER f._key == @key RETURN NOT_NULL(f.retries, 0)`,
		map[string]interface{}{"@collection": FileCollection, "key": key},
	)
	if err != nil {
		return 0, fmt.Errorf("arango: file retries %s: %w", key, err)
	}
	if len(counts) == 0 {
		return 0, nil
	}
	return counts[0], nil
}

// MarkFileAbandoned records the terminal dead-letter state for a file past
// its retry budget. Abandoned files are excluded from candidate listings
// like done ones, but keep done=false so they remain distinguishable.
func (c *Client) MarkFileAbandoned(ctx context.Context, key string) error {
	err := c.exec(ctx,
		`UPDATE @key WITH { abandoned: true } IN @@collection`,
		map[string]interface{}{"@collection": FileCollection, "key": key},
	)
	if err != nil {
		return fmt.Errorf("arango: abandon file %s: %w", key, err)
	}
	return nil
}

// LastFileTimestamp returns the newest checkpointed file timestamp, zero
// when no file has ever been recorded. Server mode resumes from it.
func (c *Client) LastFileTimestamp(ctx context.Context) (time.Time, error) {
	ms, err := c.queryInts(ctx,
		`FOR f IN @@collection COLLECT AGGREGATE m = MAX(f.unix_ts) RETURN NOT_NULL(m, 0)`,
		map[string]interface{}{"@collection": FileCollection},
	)
	if err != nil {
		return time.Time{}, fmt.Errorf("arango: last file timestamp: %w", err)
	}
	if len(ms) == 0 || ms[0] == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(int64(ms[0])).UTC(), nil
}

// DoneFileKeys returns the keys of every settled file: completed ones plus
// explicitly abandoned ones. The scheduler skips both.
func (c *Client) DoneFileKeys(ctx context.Context) (map[string]struct{}, error) {
	keys, err := c.queryStrings(ctx,
		`FOR f IN @@collection FILTER f.done == true || f.abandoned == true RETURN f._key`,
		map[string]interface{}{"@collection": FileCollection},
	)
	if err != nil {
		return nil, fmt.Errorf("arango: done file keys: %w", err)
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}
