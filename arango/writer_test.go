package arango

import (
	"strings"
	"testing"
	"time"

	"poctracker/feed"
	"poctracker/poc"
)

func TestHotspotBindVarsRoleGate(t *testing.T) {
	h := &poc.Hotspot{Key: "pkA", PocIDs: []string{"poc1"}, Role: poc.RoleBeacon}
	bind := hotspotBindVars(h, 1000)
	if ids := bind["poc_ids"].([]string); len(ids) != 1 || ids[0] != "poc1" {
		t.Fatalf("beacon role must bind its poc_id, got %v", ids)
	}

	// The witness role never contributes to the set, even if a caller left
	// PocIDs populated.
	h.Role = poc.RoleWitness
	bind = hotspotBindVars(h, 1000)
	if ids := bind["poc_ids"].([]string); len(ids) != 0 {
		t.Fatalf("witness role must bind an empty poc_ids, got %v", ids)
	}
	if bind["now"].(int64) != 1000 {
		t.Fatalf("now bind = %v", bind["now"])
	}
}

func TestEdgeBindVarsHistogramKeys(t *testing.T) {
	e := &poc.Edge{
		Key:           "beacon_1_witness_2",
		BeaconPubKey:  "pkA",
		WitnessPubKey: "pkB",
		Distance:      12.5,
		WitnessSnr:    -7,
		WitnessSignal: -1040,
		IngestLatency: 350,
	}
	bind := edgeBindVars(e, 2000)
	// Bucket keys are object attribute names and must bind as strings.
	if bind["snr"] != "-7" || bind["signal"] != "-1040" || bind["latency"] != "350" {
		t.Fatalf("histogram keys must be strings: %v %v %v", bind["snr"], bind["signal"], bind["latency"])
	}
	if bind["key"] != e.Key || bind["beacon_pub_key"] != "pkA" || bind["witness_pub_key"] != "pkB" {
		t.Fatalf("edge identity binds wrong: %v", bind)
	}
}

func TestMergeExpressionsAreSingleOperations(t *testing.T) {
	// The merge must be one server-side UPSERT; a read-then-write pair
	// would race under concurrent witnesses for the same edge key.
	for name, q := range map[string]string{"hotspot": upsertHotspotAQL, "edge": upsertEdgeAQL} {
		if strings.Count(q, "UPSERT") != 1 {
			t.Fatalf("%s merge must contain exactly one UPSERT", name)
		}
		if !strings.Contains(q, "INSERT") || !strings.Contains(q, "UPDATE") {
			t.Fatalf("%s merge must carry both INSERT and UPDATE arms", name)
		}
	}
	for _, expr := range []string{
		"UNION_DISTINCT(NOT_NULL(OLD.poc_ids, []), @poc_ids)",
		"MAX([NOT_NULL(OLD.last_updated_at, 0), @now])",
		// Both arms stamp last_updated_at from the same wall clock and take
		// poc_ids through the role-gated bind.
		"INSERT MERGE(@hotspot, { last_updated_at: @now, poc_ids: @poc_ids })",
	} {
		if !strings.Contains(upsertHotspotAQL, expr) {
			t.Fatalf("hotspot merge lost %q", expr)
		}
	}
	for _, expr := range []string{
		"count: OLD.count + 1",
		"NOT_NULL(OLD.snr_hist[@snr], 0) + 1",
		"NOT_NULL(OLD.signal_hist[@signal], 0) + 1",
		"NOT_NULL(OLD.ingest_latency_hist[@latency], 0) + 1",
	} {
		if !strings.Contains(upsertEdgeAQL, expr) {
			t.Fatalf("edge merge lost %q", expr)
		}
	}
}

func TestNewFileDoc(t *testing.T) {
	ts := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	doc := NewFileDoc(feed.FileInfo{Key: "iot_poc.1680350400000.gz", Timestamp: ts, Size: 2048})
	if doc.Key != "iot_poc.1680350400000.gz" {
		t.Fatalf("key = %q", doc.Key)
	}
	if doc.UnixTS != ts.UnixMilli() {
		t.Fatalf("unix_ts = %d, want %d", doc.UnixTS, ts.UnixMilli())
	}
	if doc.Done || doc.Abandoned || doc.Retries != 0 {
		t.Fatalf("fresh checkpoint must start pending: %+v", doc)
	}
}
