package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"poctracker/config"
	"poctracker/feed"
	"poctracker/metrics"
	"poctracker/notify"
	"poctracker/poc"
)

type fakeStream struct {
	frames  [][]byte
	next    int
	onClose func()
}

func (s *fakeStream) Next() ([]byte, error) {
	if s.next >= len(s.frames) {
		return nil, io.EOF
	}
	f := s.frames[s.next]
	s.next++
	return f, nil
}

func (s *fakeStream) Close() error {
	if s.onClose != nil {
		s.onClose()
	}
	return nil
}

type fakeSource struct {
	mu        sync.Mutex
	files     []feed.FileInfo
	frames    map[string][][]byte
	listErr   error
	streamErr map[string]error

	open     int
	peakOpen int
}

func (s *fakeSource) List(_ context.Context, after, before time.Time) ([]feed.FileInfo, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []feed.FileInfo
	for _, fi := range s.files {
		if feed.InWindow(fi.Timestamp, after, before) {
			out = append(out, fi)
		}
	}
	return out, nil
}

func (s *fakeSource) Stream(_ context.Context, fi feed.FileInfo) (feed.Stream, error) {
	if err := s.streamErr[fi.Key]; err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.open++
	if s.open > s.peakOpen {
		s.peakOpen = s.open
	}
	s.mu.Unlock()
	return &fakeStream{
		frames: s.frames[fi.Key],
		onClose: func() {
			s.mu.Lock()
			s.open--
			s.mu.Unlock()
		},
	}, nil
}

type fakeStore struct {
	mu        sync.Mutex
	settled   map[string]struct{}
	inited    map[string]bool
	completed map[string]bool
	abandoned map[string]bool
	retries   map[string]int
	beacons   map[string]bool
	hotspots  int
	edges     int

	beaconErr func(pocID string) error
	existing  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settled:   map[string]struct{}{},
		inited:    map[string]bool{},
		completed: map[string]bool{},
		abandoned: map[string]bool{},
		retries:   map[string]int{},
		beacons:   map[string]bool{},
		existing:  map[string]bool{},
	}
}

func (s *fakeStore) InitFile(_ context.Context, fi feed.FileInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inited[fi.Key] = true
	return nil
}

func (s *fakeStore) CompleteFile(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[key] = true
	s.settled[key] = struct{}{}
	return nil
}

func (s *fakeStore) IncrementFileRetry(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[key]++
	return s.retries[key], nil
}

func (s *fakeStore) MarkFileAbandoned(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abandoned[key] = true
	s.settled[key] = struct{}{}
	return nil
}

func (s *fakeStore) DoneFileKeys(context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.settled))
	for k := range s.settled {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *fakeStore) BeaconExists(_ context.Context, pocID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existing[pocID] || s.beacons[pocID], nil
}

func (s *fakeStore) InsertBeacon(_ context.Context, b *poc.Beacon) error {
	if s.beaconErr != nil {
		if err := s.beaconErr(b.PocID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beacons[b.PocID] = true
	return nil
}

func (s *fakeStore) UpsertHotspot(context.Context, *poc.Hotspot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hotspots++
	return nil
}

func (s *fakeStore) UpsertEdge(context.Context, *poc.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges++
	return nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) Completed(_ context.Context, pocID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, pocID)
}

func testConfig() config.TrackerConfig {
	return config.TrackerConfig{
		IntervalSeconds:       1,
		MaxConcurrentFiles:    4,
		FileChunkSize:         2,
		MaxProcessingCapacity: 8,
		MaxRetries:            3,
	}
}

// makeFrame renders one report with the given id and witness count.
func makeFrame(t *testing.T, id string, witnesses int) []byte {
	t.Helper()
	r := poc.Report{
		PocID: []byte(id),
		Beacon: poc.BeaconReport{
			ReceivedTimestampMs: 1700000000000,
			Report:              poc.BeaconPayload{PubKey: []byte(id + "-beaconer")},
		},
	}
	for i := 0; i < witnesses; i++ {
		r.SelectedWitnesses = append(r.SelectedWitnesses, poc.WitnessReport{
			ReceivedTimestampMs: 1700000000500,
			Status:              "valid",
			Report:              poc.WitnessPayload{PubKey: []byte(fmt.Sprintf("%s-w%d", id, i))},
		})
	}
	buf, err := json.Marshal(&r)
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	return buf
}

func fileAt(t *testing.T, sec int64) feed.FileInfo {
	t.Helper()
	ts := time.UnixMilli(sec * 1000).UTC()
	return feed.FileInfo{Key: feed.FormatKey("iot_poc", ts), Timestamp: ts, Size: 1}
}

func newTestHandler(src feed.Source, store Store) (*Handler, *recordingNotifier) {
	n := &recordingNotifier{}
	return NewHandler(testConfig(), src, store, nil, n, metrics.New()), n
}

func TestProcessCompletesFiles(t *testing.T) {
	f1, f2 := fileAt(t, 100), fileAt(t, 200)
	src := &fakeSource{
		files: []feed.FileInfo{f1, f2},
		frames: map[string][][]byte{
			f1.Key: {makeFrame(t, "a", 2), makeFrame(t, "b", 1)},
			f2.Key: {makeFrame(t, "c", 3)},
		},
	}
	store := newFakeStore()
	h, n := newTestHandler(src, store)

	wm, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !wm.Equal(f2.Timestamp) {
		t.Fatalf("watermark = %s, want %s", wm, f2.Timestamp)
	}
	for _, key := range []string{f1.Key, f2.Key} {
		if !store.completed[key] {
			t.Fatalf("file %s not completed", key)
		}
	}
	if len(store.beacons) != 3 {
		t.Fatalf("beacons = %d, want 3", len(store.beacons))
	}
	// a: 1 beacon + 2 witness hotspots, b: 2, c: 4. Edges follow witnesses.
	if store.hotspots != 9 {
		t.Fatalf("hotspots = %d, want 9", store.hotspots)
	}
	if store.edges != 6 {
		t.Fatalf("edges = %d, want 6", store.edges)
	}
	if len(n.ids) != 3 {
		t.Fatalf("notifications = %d, want 3", len(n.ids))
	}
}

func TestWatermarkStopsAtFailedFile(t *testing.T) {
	files := []feed.FileInfo{fileAt(t, 100), fileAt(t, 200), fileAt(t, 300), fileAt(t, 400)}
	src := &fakeSource{
		files:     files,
		frames:    map[string][][]byte{},
		streamErr: map[string]error{files[1].Key: errors.New("connection reset")},
	}
	for i, fi := range files {
		src.frames[fi.Key] = [][]byte{makeFrame(t, fmt.Sprintf("r%d", i), 1)}
	}
	store := newFakeStore()
	h, _ := newTestHandler(src, store)

	wm, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !wm.Equal(files[1].Timestamp) {
		t.Fatalf("watermark = %s, want failed file ts %s", wm, files[1].Timestamp)
	}
	if store.completed[files[1].Key] {
		t.Fatalf("failed file marked complete")
	}
	if store.retries[files[1].Key] != 1 {
		t.Fatalf("retries = %d, want 1", store.retries[files[1].Key])
	}
	for _, fi := range []feed.FileInfo{files[0], files[2], files[3]} {
		if !store.completed[fi.Key] {
			t.Fatalf("file %s should have completed despite sibling failure", fi.Key)
		}
	}

	// Second pass from the failed watermark retries only the failed file;
	// the already-settled later files do not stretch the watermark past
	// what this pass actually processed.
	src.streamErr = map[string]error{}
	wm, err = h.Process(context.Background(), wm, time.Time{})
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if !wm.Equal(files[1].Timestamp) {
		t.Fatalf("watermark = %s, want %s", wm, files[1].Timestamp)
	}
	if !store.completed[files[1].Key] {
		t.Fatalf("retried file not completed")
	}
}

func TestRetryBudgetAbandonsFile(t *testing.T) {
	fi := fileAt(t, 100)
	good := fileAt(t, 200)
	src := &fakeSource{
		files: []feed.FileInfo{fi, good},
		frames: map[string][][]byte{
			good.Key: {makeFrame(t, "g", 1)},
		},
		streamErr: map[string]error{fi.Key: errors.New("corrupt archive")},
	}
	store := newFakeStore()
	store.retries[fi.Key] = 3 // has already failed max_retries times
	h, _ := newTestHandler(src, store)

	wm, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !store.abandoned[fi.Key] {
		t.Fatalf("file not abandoned past retry budget")
	}
	// Abandoned files never hold the watermark back.
	if !wm.Equal(good.Timestamp) {
		t.Fatalf("watermark = %s, want %s", wm, good.Timestamp)
	}

	// A later pass must skip it entirely.
	listed, _ := src.List(context.Background(), time.UnixMilli(0), time.Time{})
	if len(listed) != 2 {
		t.Fatalf("fake listing changed size")
	}
	if _, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{}); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if store.retries[fi.Key] != 4 {
		t.Fatalf("abandoned file was retried again, retries = %d", store.retries[fi.Key])
	}
}

func TestFileAtRetryBudgetGetsOneMoreRun(t *testing.T) {
	fi := fileAt(t, 100)
	src := &fakeSource{
		files:     []feed.FileInfo{fi},
		streamErr: map[string]error{fi.Key: errors.New("connection reset")},
	}
	store := newFakeStore()
	store.retries[fi.Key] = 2 // two earlier failures recorded
	h, _ := newTestHandler(src, store)

	wm, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	// This failure brings the count to exactly max_retries (3); only
	// failing beyond that abandons the file.
	if store.retries[fi.Key] != 3 {
		t.Fatalf("retries = %d, want 3", store.retries[fi.Key])
	}
	if store.abandoned[fi.Key] {
		t.Fatalf("file abandoned at exactly max_retries failures")
	}
	if !wm.Equal(fi.Timestamp) {
		t.Fatalf("retryable file must hold the watermark, got %s", wm)
	}
}

func TestListingErrorKeepsWatermark(t *testing.T) {
	src := &fakeSource{listErr: errors.New("bucket unavailable")}
	h, _ := newTestHandler(src, newFakeStore())

	after := time.UnixMilli(123456)
	wm, err := h.Process(context.Background(), after, time.Time{})
	if err == nil {
		t.Fatalf("expected listing error")
	}
	if !wm.Equal(after) {
		t.Fatalf("watermark moved on listing failure: %s", wm)
	}
}

func TestSettledFilesSkipped(t *testing.T) {
	fi := fileAt(t, 100)
	src := &fakeSource{files: []feed.FileInfo{fi}}
	store := newFakeStore()
	store.settled[fi.Key] = struct{}{}
	h, _ := newTestHandler(src, store)

	after := time.UnixMilli(0)
	wm, err := h.Process(context.Background(), after, time.Time{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if store.inited[fi.Key] {
		t.Fatalf("settled file was reprocessed")
	}
	if !wm.Equal(after) {
		t.Fatalf("watermark must not advance when nothing was processed, got %s", wm)
	}
}

func TestZeroWitnessReportDropped(t *testing.T) {
	fi := fileAt(t, 100)
	src := &fakeSource{
		files: []feed.FileInfo{fi},
		frames: map[string][][]byte{
			fi.Key: {makeFrame(t, "lonely", 0), makeFrame(t, "heard", 1)},
		},
	}
	store := newFakeStore()
	h, n := newTestHandler(src, store)

	if _, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !store.completed[fi.Key] {
		t.Fatalf("file with a dropped report must still complete")
	}
	if len(store.beacons) != 1 {
		t.Fatalf("beacons = %d, want 1", len(store.beacons))
	}
	if len(n.ids) != 1 {
		t.Fatalf("notifications = %d, want 1", len(n.ids))
	}
}

func TestUndecodableFrameDropped(t *testing.T) {
	fi := fileAt(t, 100)
	src := &fakeSource{
		files: []feed.FileInfo{fi},
		frames: map[string][][]byte{
			fi.Key: {[]byte("{not json"), makeFrame(t, "ok", 1)},
		},
	}
	store := newFakeStore()
	h, _ := newTestHandler(src, store)

	if _, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !store.completed[fi.Key] {
		t.Fatalf("file with undecodable frame must still complete")
	}
	if len(store.beacons) != 1 {
		t.Fatalf("beacons = %d, want 1", len(store.beacons))
	}
}

func TestExistingBeaconSkipsWrites(t *testing.T) {
	fi := fileAt(t, 100)
	src := &fakeSource{
		files:  []feed.FileInfo{fi},
		frames: map[string][][]byte{fi.Key: {makeFrame(t, "dup", 2)}},
	}
	store := newFakeStore()
	store.existing[poc.PocID([]byte("dup"))] = true
	h, n := newTestHandler(src, store)

	if _, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if store.hotspots != 0 || store.edges != 0 || len(store.beacons) != 0 {
		t.Fatalf("redelivered report wrote documents: hotspots=%d edges=%d beacons=%d",
			store.hotspots, store.edges, len(store.beacons))
	}
	if len(n.ids) != 0 {
		t.Fatalf("redelivered report was announced")
	}
	if !store.completed[fi.Key] {
		t.Fatalf("file not completed")
	}
}

func TestPersistErrorFailsFile(t *testing.T) {
	fi := fileAt(t, 100)
	src := &fakeSource{
		files:  []feed.FileInfo{fi},
		frames: map[string][][]byte{fi.Key: {makeFrame(t, "x", 1)}},
	}
	store := newFakeStore()
	store.beaconErr = func(string) error { return errors.New("service unavailable") }
	h, _ := newTestHandler(src, store)

	wm, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if store.completed[fi.Key] {
		t.Fatalf("file completed despite write failure")
	}
	if store.retries[fi.Key] != 1 {
		t.Fatalf("retries = %d, want 1", store.retries[fi.Key])
	}
	if !wm.Equal(fi.Timestamp) {
		t.Fatalf("watermark = %s, want %s", wm, fi.Timestamp)
	}
}

func TestFileConcurrencyBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentFiles = 2

	var files []feed.FileInfo
	frames := map[string][][]byte{}
	for i := 0; i < 12; i++ {
		fi := fileAt(t, int64(100+i))
		files = append(files, fi)
		frames[fi.Key] = [][]byte{makeFrame(t, fmt.Sprintf("c%d", i), 1)}
	}
	src := &fakeSource{files: files, frames: frames}
	h := NewHandler(cfg, src, newFakeStore(), nil, notify.Nop{}, metrics.New())

	if _, err := h.Process(context.Background(), time.UnixMilli(0), time.Time{}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if src.peakOpen > 2 {
		t.Fatalf("peak concurrent files = %d, want <= 2", src.peakOpen)
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	fi := fileAt(t, 100)
	src := &fakeSource{
		files:  []feed.FileInfo{fi},
		frames: map[string][][]byte{fi.Key: {makeFrame(t, "s", 1)}},
	}
	store := newFakeStore()
	h, _ := newTestHandler(src, store)
	srv := NewServer(h, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan time.Time, 1)
	go func() { done <- srv.Run(ctx, time.UnixMilli(0)) }()

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		completed := store.completed[fi.Key]
		store.mu.Unlock()
		if completed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("file never completed")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()

	select {
	case wm := <-done:
		if !wm.Equal(fi.Timestamp) {
			t.Fatalf("final watermark = %s, want %s", wm, fi.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
}
