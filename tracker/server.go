package tracker

import (
	"context"
	"log"
	"time"
)

// Server repeatedly runs the handler over a growing window, carrying the
// watermark between runs. Runs never overlap: a tick that fires while a run
// is still in progress is absorbed by the ticker.
type Server struct {
	handler  *Handler
	interval time.Duration
}

// NewServer wraps a handler in an interval loop.
func NewServer(h *Handler, interval time.Duration) *Server {
	return &Server{handler: h, interval: interval}
}

// Run processes immediately, then on every interval tick, starting from the
// given watermark with an open-ended upper bound. It returns the last
// watermark when the context is cancelled.
func (s *Server) Run(ctx context.Context, after time.Time) time.Time {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	watermark := after
	for {
		next, err := s.handler.Process(ctx, watermark, time.Time{})
		if err != nil {
			if ctx.Err() != nil {
				return watermark
			}
			log.Printf("tracker: run failed, resuming from %s: %v",
				watermark.UTC().Format(time.RFC3339Nano), err)
		} else {
			watermark = next
			s.handler.metrics.Watermark.Set(float64(watermark.UnixMilli()) / 1000)
		}

		select {
		case <-ctx.Done():
			return watermark
		case <-ticker.C:
		}
	}
}
