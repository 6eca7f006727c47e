// Program poctracker ingests proof-of-coverage report batches from an object
// store, enriches them with geocell data, and persists hotspots, beacons, and
// witness edges into ArangoDB. It runs either as a long-lived service that
// follows the feed from a watermark, or as a one-shot historical backfill
// over an explicit time window.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	httppprof "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	pprof "runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"poctracker/arango"
	"poctracker/config"
	"poctracker/dedup"
	"poctracker/feed"
	"poctracker/metrics"
	"poctracker/notify"
	"poctracker/tracker"
)

const (
	defaultConfigPath = "data/config.yaml"
	envConfigPath     = "POCTRACKER_CONFIG_PATH"

	// envDiagAddr enables the pprof/metrics HTTP server when set
	// (example: POCTRACKER_DIAG_ADDR=localhost:6061). Default is off.
	envDiagAddr = "POCTRACKER_DIAG_ADDR"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file path (overrides "+envConfigPath+")")
		afterStr   = flag.String("after", "", "window start, RFC 3339 (default: resume from the store)")
		beforeStr  = flag.String("before", "", "window end, RFC 3339; sets one-shot historical mode")
	)
	flag.Parse()

	cfg, path, err := loadTrackerConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	fanout, logErr := setupLogging(cfg.Logging, os.Stderr)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("File logging disabled: %v", logErr)
	}
	log.Printf("Config loaded from %s", path)

	after, before, historical, err := parseWindow(*afterStr, *beforeStr)
	if err != nil {
		log.Printf("Flag error: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := arango.Connect(ctx, cfg.Arango)
	if err != nil {
		log.Printf("ArangoDB connection failed: %v", err)
		os.Exit(1)
	}
	log.Printf("Connected to ArangoDB at %s, database %q", cfg.Arango.Endpoint, cfg.Arango.Database)

	source, err := feed.NewS3Source(cfg.Ingest)
	if err != nil {
		log.Printf("Feed setup failed: %v", err)
		os.Exit(1)
	}
	log.Printf("Following feed bucket %q, file type %q", cfg.Ingest.Bucket, cfg.Ingest.FileType)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Redis.Enabled {
		stream, err := notify.NewStream(ctx, cfg.Redis)
		if err != nil {
			log.Printf("Redis connection failed: %v", err)
			os.Exit(1)
		}
		defer stream.Close()
		notifier = stream
		log.Printf("Announcing completions on Redis stream %q at %s", cfg.Redis.Stream, cfg.Redis.Endpoint)
	}

	cache := dedup.New(time.Duration(cfg.Dedup.WindowSeconds) * time.Second)
	defer cache.Close()
	if cache != nil {
		log.Printf("Duplicate cache active: %d second window", cfg.Dedup.WindowSeconds)
	}

	m := metrics.New()
	maybeStartDiagServer(m)

	handler := tracker.NewHandler(cfg.Tracker, source, store, cache, notifier, m)

	if historical {
		runHistorical(ctx, handler, after, before)
		return
	}

	if after.IsZero() {
		resume, err := store.LastFileTimestamp(ctx)
		if err != nil {
			log.Printf("Resume point lookup failed: %v", err)
			os.Exit(1)
		}
		after = resume
		if after.IsZero() {
			log.Println("No checkpointed files yet; starting from the beginning of the feed")
		} else {
			log.Printf("Resuming from %s (%s)", after.Format(time.RFC3339), humanize.Time(after))
		}
	}

	interval := time.Duration(cfg.Tracker.IntervalSeconds) * time.Second
	log.Printf("Tracker running every %s with %d concurrent files. Press Ctrl+C to stop.",
		interval, cfg.Tracker.MaxConcurrentFiles)

	server := tracker.NewServer(handler, interval)
	final := server.Run(ctx, after)
	log.Printf("Shut down at watermark %s", final.UTC().Format(time.RFC3339Nano))
}

// runHistorical performs one pass over a closed window and exits.
func runHistorical(ctx context.Context, handler *tracker.Handler, after, before time.Time) {
	log.Printf("Historical run over [%s, %s]",
		after.Format(time.RFC3339), before.Format(time.RFC3339))
	start := time.Now()
	wm, err := handler.Process(ctx, after, before)
	if err != nil {
		log.Printf("Historical run failed: %v", err)
		os.Exit(1)
	}
	log.Printf("Historical run complete in %s, watermark %s",
		time.Since(start).Round(time.Millisecond), wm.UTC().Format(time.RFC3339Nano))
	if wm.Before(before) {
		log.Println("Some files remain unsettled; rerun with the same window to retry them")
	}
}

// loadTrackerConfig resolves the config path: flag, then env, then default.
func loadTrackerConfig(flagPath string) (*config.Config, string, error) {
	candidates := make([]string, 0, 3)
	if p := strings.TrimSpace(flagPath); p != "" {
		candidates = append(candidates, p)
	}
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				lastErr = err
				continue
			}
			return nil, path, err
		}
		return cfg, path, nil
	}
	return nil, "", fmt.Errorf("unable to load config; tried %s (last error: %v)",
		strings.Join(candidates, ", "), lastErr)
}

// parseWindow validates the -after/-before pair. A set before means one-shot
// historical mode; server mode takes an optional after only.
func parseWindow(afterStr, beforeStr string) (after, before time.Time, historical bool, err error) {
	if s := strings.TrimSpace(afterStr); s != "" {
		after, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("invalid -after %q: %w", s, err)
		}
	}
	if s := strings.TrimSpace(beforeStr); s != "" {
		before, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, false, fmt.Errorf("invalid -before %q: %w", s, err)
		}
		historical = true
		if !after.IsZero() && before.Before(after) {
			return time.Time{}, time.Time{}, false, fmt.Errorf("-before %s precedes -after %s", beforeStr, afterStr)
		}
	}
	return after, before, historical, nil
}

// maybeStartDiagServer exposes /debug/pprof/*, /debug/heapdump, and /metrics
// when the diagnostics address is set. Default is off.
func maybeStartDiagServer(m *metrics.Metrics) {
	addr := strings.TrimSpace(os.Getenv(envDiagAddr))
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/debug/heapdump", func(w http.ResponseWriter, r *http.Request) {
		ts := time.Now().UTC().Format("2006-01-02T15-04-05Z")
		dir := filepath.Join("data", "diagnostics")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			http.Error(w, fmt.Sprintf("mkdir diagnostics: %v", err), http.StatusInternalServerError)
			return
		}
		path := filepath.Join(dir, fmt.Sprintf("heap-%s.pprof", ts))
		f, err := os.Create(path)
		if err != nil {
			http.Error(w, fmt.Sprintf("create heap dump: %v", err), http.StatusInternalServerError)
			return
		}
		defer f.Close()
		runtime.GC() // collect latest data
		if err := pprof.WriteHeapProfile(f); err != nil {
			http.Error(w, fmt.Sprintf("write heap profile: %v", err), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "heap profile written to %s\n", path)
	})
	mux.Handle("/debug/pprof/", http.HandlerFunc(httppprof.Index))
	mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(httppprof.Cmdline))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(httppprof.Profile))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(httppprof.Symbol))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(httppprof.Trace))

	go func() {
		log.Printf("Diagnostics server listening on %s (pprof + /metrics + /debug/heapdump)", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Diagnostics server error: %v", err)
		}
	}()
}
