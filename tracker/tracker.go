// Package tracker drives the ingestion pipeline: list candidate batch files
// in a time window, fan out bounded workers to decode and persist their
// reports, record per-file checkpoints, and compute the watermark the next
// run resumes from.
//
// Delivery is at least once. A file attempt that fails partway leaves its
// checkpoint at done=false and is retried on a later run; every write it
// already performed is idempotent, so the retry converges instead of
// double-counting.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"poctracker/arango"
	"poctracker/config"
	"poctracker/dedup"
	"poctracker/feed"
	"poctracker/metrics"
	"poctracker/notify"
	"poctracker/poc"
)

// Store is the persistence surface the scheduler drives. *arango.Client
// implements it; tests substitute fakes.
type Store interface {
	InitFile(ctx context.Context, fi feed.FileInfo) error
	CompleteFile(ctx context.Context, key string) error
	IncrementFileRetry(ctx context.Context, key string) (int, error)
	MarkFileAbandoned(ctx context.Context, key string) error
	DoneFileKeys(ctx context.Context) (map[string]struct{}, error)

	BeaconExists(ctx context.Context, pocID string) (bool, error)
	InsertBeacon(ctx context.Context, b *poc.Beacon) error
	UpsertHotspot(ctx context.Context, h *poc.Hotspot) error
	UpsertEdge(ctx context.Context, e *poc.Edge) error
}

// DecodeFunc turns one raw frame into a report.
type DecodeFunc func([]byte) (*poc.Report, error)

// Handler runs one ingestion pass at a time over a feed window.
type Handler struct {
	cfg      config.TrackerConfig
	source   feed.Source
	store    Store
	cache    *dedup.Cache
	notifier notify.Notifier
	metrics  *metrics.Metrics

	// Decode may be replaced before the first Process call; it defaults to
	// the wire-format report decoder.
	Decode DecodeFunc

	// fileSem bounds concurrently open files; workSem bounds in-flight
	// report chunks across all of them.
	fileSem *semaphore.Weighted
	workSem *semaphore.Weighted
}

// NewHandler wires a scheduler. cache may be nil (disabled) and notifier
// may be notify.Nop{}.
func NewHandler(cfg config.TrackerConfig, src feed.Source, store Store, cache *dedup.Cache, notifier notify.Notifier, m *metrics.Metrics) *Handler {
	return &Handler{
		cfg:      cfg,
		source:   src,
		store:    store,
		cache:    cache,
		notifier: notifier,
		metrics:  m,
		Decode:   poc.DecodeReport,
		fileSem:  semaphore.NewWeighted(int64(cfg.MaxConcurrentFiles)),
		workSem:  semaphore.NewWeighted(int64(cfg.MaxProcessingCapacity)),
	}
}

type fileResult struct {
	fi        feed.FileInfo
	err       error
	abandoned bool
}

// Process runs one pass over the window [after, before] and returns the
// watermark for the next pass:
//
//   - every processed file settled: the max timestamp over the files this
//     run attempted;
//   - some files failed and remain retryable: the minimum failed
//     timestamp, so those files are listed again;
//   - nothing listed, or everything listed already settled: after,
//     unchanged (no progress needed);
//   - the listing itself failed: after, unchanged.
//
// Files abandoned after exhausting their retry budget count as settled:
// they never hold the watermark back again.
func (h *Handler) Process(ctx context.Context, after, before time.Time) (time.Time, error) {
	start := time.Now()
	defer func() {
		h.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}()

	files, err := h.source.List(ctx, after, before)
	if err != nil {
		return after, fmt.Errorf("tracker: list window: %w", err)
	}
	if len(files) == 0 {
		return after, nil
	}

	settled, err := h.store.DoneFileKeys(ctx)
	if err != nil {
		return after, fmt.Errorf("tracker: settled files: %w", err)
	}

	var candidates []feed.FileInfo
	for _, fi := range files {
		if _, ok := settled[fi.Key]; ok {
			continue
		}
		candidates = append(candidates, fi)
	}
	if len(candidates) == 0 {
		// Nothing needs processing, so no progress to record. Settled
		// files near the watermark get re-listed and re-skipped on later
		// runs, which the done-set check makes harmless.
		return after, nil
	}

	maxSeen := after
	for _, fi := range candidates {
		if fi.Timestamp.After(maxSeen) {
			maxSeen = fi.Timestamp
		}
	}

	results := make([]fileResult, len(candidates))
	var wg sync.WaitGroup
	for i, fi := range candidates {
		if err := h.fileSem.Acquire(ctx, 1); err != nil {
			results[i] = fileResult{fi: fi, err: err}
			continue
		}
		wg.Add(1)
		go func(i int, fi feed.FileInfo) {
			defer wg.Done()
			defer h.fileSem.Release(1)
			results[i] = h.runFile(ctx, fi)
		}(i, fi)
	}
	wg.Wait()

	failed := 0
	watermark := maxSeen
	for _, res := range results {
		if res.err == nil || res.abandoned {
			continue
		}
		failed++
		if res.fi.Timestamp.Before(watermark) {
			// The window lower bound is inclusive, so resuming at the
			// failed file's own timestamp re-lists it.
			watermark = res.fi.Timestamp
		}
	}
	if failed > 0 {
		log.Printf("tracker: run finished with %d/%d files failed, watermark %s",
			failed, len(candidates), watermark.UTC().Format(time.RFC3339Nano))
	}
	return watermark, nil
}

// runFile wraps one file attempt with checkpoint and retry accounting.
func (h *Handler) runFile(ctx context.Context, fi feed.FileInfo) fileResult {
	h.metrics.FilesInFlight.Inc()
	defer h.metrics.FilesInFlight.Dec()

	if err := h.store.InitFile(ctx, fi); err != nil {
		return h.recordFailure(ctx, fi, err)
	}
	if err := h.processFile(ctx, fi); err != nil {
		return h.recordFailure(ctx, fi, err)
	}
	if err := h.store.CompleteFile(ctx, fi.Key); err != nil {
		return h.recordFailure(ctx, fi, err)
	}
	h.metrics.FilesProcessed.Inc()
	return fileResult{fi: fi}
}

func (h *Handler) recordFailure(ctx context.Context, fi feed.FileInfo, cause error) fileResult {
	h.metrics.FilesFailed.Inc()
	log.Printf("tracker: file %s failed: %v", fi.Key, cause)

	// Retry bookkeeping must survive the run's cancellation, otherwise a
	// shutdown mid-failure loses the attempt count.
	bctx := context.WithoutCancel(ctx)
	retries, err := h.store.IncrementFileRetry(bctx, fi.Key)
	if err != nil {
		log.Printf("tracker: file %s: retry count not recorded: %v", fi.Key, err)
		return fileResult{fi: fi, err: cause}
	}
	// A file is abandoned only once it has failed more than MaxRetries
	// times; at exactly MaxRetries it gets one more run.
	if retries <= h.cfg.MaxRetries {
		return fileResult{fi: fi, err: cause}
	}
	if err := h.store.MarkFileAbandoned(bctx, fi.Key); err != nil {
		log.Printf("tracker: file %s: abandon not recorded: %v", fi.Key, err)
		return fileResult{fi: fi, err: cause}
	}
	h.metrics.FilesAbandoned.Inc()
	log.Printf("tracker: file %s abandoned after %d attempts", fi.Key, retries)
	return fileResult{fi: fi, err: cause, abandoned: true}
}

// processFile streams a file's frames and persists its reports in chunks.
// Any chunk error fails the whole attempt; the file's checkpoint stays
// done=false and a later run replays it.
func (h *Handler) processFile(ctx context.Context, fi feed.FileInfo) error {
	stream, err := h.source.Stream(ctx, fi)
	if err != nil {
		return fmt.Errorf("tracker: open %s: %w", fi.Key, err)
	}
	defer stream.Close()

	g, gctx := errgroup.WithContext(ctx)
	chunk := make([][]byte, 0, h.cfg.FileChunkSize)

	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		frames := chunk
		chunk = make([][]byte, 0, h.cfg.FileChunkSize)
		if err := h.workSem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer h.workSem.Release(1)
			return h.processChunk(gctx, fi, frames)
		})
		return nil
	}

	for {
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Drain what was already dispatched before reporting.
			_ = g.Wait()
			return fmt.Errorf("tracker: read %s: %w", fi.Key, err)
		}
		chunk = append(chunk, frame)
		if len(chunk) >= h.cfg.FileChunkSize {
			if err := flush(); err != nil {
				// A dispatch failure here usually means a chunk already
				// failed and cancelled the group; prefer its error.
				if werr := g.Wait(); werr != nil {
					return werr
				}
				return err
			}
		}
	}
	if err := flush(); err != nil {
		if werr := g.Wait(); werr != nil {
			return werr
		}
		return err
	}
	return g.Wait()
}

func (h *Handler) processChunk(ctx context.Context, fi feed.FileInfo, frames [][]byte) error {
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		report, err := h.Decode(frame)
		if err != nil {
			// An undecodable frame is data damage, not a transient fault;
			// retrying the file cannot fix it, so it is dropped.
			h.metrics.ReportsDropped.Inc()
			log.Printf("tracker: %s: undecodable frame dropped: %v", fi.Key, err)
			continue
		}
		h.metrics.ReportsDecoded.Inc()
		if err := h.applyReport(ctx, report); err != nil {
			h.metrics.ReportsFailed.Inc()
			return fmt.Errorf("tracker: %s: %w", fi.Key, err)
		}
	}
	return nil
}

// applyReport persists one report. Write order is the idempotency anchor:
// hotspots and edges first, the beacon last, so a persisted beacon proves
// the whole report landed. Once started, the writes run detached from the
// run's cancellation so a shutdown cannot strand a half-applied report.
func (h *Handler) applyReport(ctx context.Context, r *poc.Report) error {
	beacon, edges, hotspots, err := poc.Build(r)
	if err != nil {
		if errors.Is(err, poc.ErrNoWitnesses) {
			h.metrics.ReportsDropped.Inc()
			return nil
		}
		h.metrics.ReportsDropped.Inc()
		log.Printf("tracker: invalid report dropped: %v", err)
		return nil
	}

	wctx := context.WithoutCancel(ctx)

	if h.cache.Seen(beacon.PocID) {
		h.metrics.BeaconsDuplicate.Inc()
		return nil
	}
	exists, err := h.store.BeaconExists(wctx, beacon.PocID)
	if err != nil {
		return err
	}
	if exists {
		h.cache.Add(beacon.PocID)
		h.metrics.BeaconsDuplicate.Inc()
		return nil
	}

	for i := range hotspots {
		if err := h.store.UpsertHotspot(wctx, &hotspots[i]); err != nil {
			return err
		}
		h.metrics.HotspotsUpserted.Inc()
	}
	for i := range edges {
		if err := h.store.UpsertEdge(wctx, &edges[i]); err != nil {
			return err
		}
		h.metrics.EdgesUpserted.Inc()
	}
	if err := h.store.InsertBeacon(wctx, beacon); err != nil {
		return err
	}
	h.metrics.BeaconsInserted.Inc()
	h.cache.Add(beacon.PocID)
	h.notifier.Completed(wctx, beacon.PocID)
	return nil
}

var _ Store = (*arango.Client)(nil)
