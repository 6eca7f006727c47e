// Package notify announces completed poc_ids on a Redis stream so downstream
// consumers can react without polling the store. Announcements are
// fire-and-forget: a publish failure is logged and dropped, never surfaced to
// the pipeline, because redelivery of the same poc_id is already harmless.
package notify

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"

	"poctracker/config"
)

// Notifier publishes poc_id completion events.
type Notifier interface {
	Completed(ctx context.Context, pocID string)
}

// Nop is the disabled notifier.
type Nop struct{}

func (Nop) Completed(context.Context, string) {}

// Stream appends one entry per completed poc_id to a Redis stream, in the
// form {<poc_id>: "done"}.
type Stream struct {
	client *redis.Client
	stream string
}

// NewStream connects to Redis and verifies the connection with a ping.
func NewStream(ctx context.Context, cfg config.RedisConfig) (*Stream, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Endpoint,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &Stream{client: client, stream: cfg.Stream}, nil
}

// Completed appends the poc_id to the stream. Errors are logged only.
func (s *Stream) Completed(ctx context.Context, pocID string) {
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{pocID: "done"},
	}).Err()
	if err != nil {
		log.Printf("notify: xadd %s: %v", s.stream, err)
	}
}

// Close releases the Redis connection pool.
func (s *Stream) Close() error {
	return s.client.Close()
}
