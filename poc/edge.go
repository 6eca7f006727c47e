package poc

import "strconv"

// unknownCell is the sentinel used in edge keys when either endpoint had no
// asserted location.
const unknownCell = "unknown"

// Edge is one observation of the directed beacon→witness relationship,
// keyed by the ordered pair of location cells. The store aggregates
// observations with the same key into counters and histograms; this struct
// carries a single observation's values.
type Edge struct {
	Key           string  `json:"_key"`
	BeaconPubKey  string  `json:"beacon_pub_key"`
	WitnessPubKey string  `json:"witness_pub_key"`
	Distance      float64 `json:"distance"`
	WitnessSnr    int32   `json:"witness_snr"`
	WitnessSignal int32   `json:"witness_signal"`
	IngestLatency int64   `json:"ingest_latency"`
}

// EdgeKey derives the deterministic edge document key from the ordered
// (beacon cell, witness cell) pair, substituting "unknown" for absent cells.
func EdgeKey(beaconLoc, witnessLoc *uint64) string {
	return "beacon_" + cellOrUnknown(beaconLoc) + "_witness_" + cellOrUnknown(witnessLoc)
}

func cellOrUnknown(loc *uint64) string {
	if loc == nil {
		return unknownCell
	}
	return strconv.FormatUint(*loc, 10)
}

func newEdge(b *Beacon, w *Witness) Edge {
	latency := w.IngestTimeUnix - b.IngestTimeUnix
	if latency < 0 {
		// A witness cannot be ingested before its beacon; clamp clock skew.
		latency = 0
	}
	return Edge{
		Key:           EdgeKey(b.Location, w.Location),
		BeaconPubKey:  b.PubKey,
		WitnessPubKey: w.PubKey,
		Distance:      w.Distance,
		WitnessSnr:    w.Snr,
		WitnessSignal: w.Signal,
		IngestLatency: latency,
	}
}
