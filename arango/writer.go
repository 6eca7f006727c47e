package arango

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"poctracker/poc"
)

// The three merge policies, each a single atomic server-side operation.
// Beacons are insert-only; hotspots merge monotonically on the poc_ids set
// and last_updated_at while scalar fields are last-writer-wins; edges are
// pure accumulators (count plus per-bucket histogram sums). All three are
// associative and order-independent, which is what makes unordered
// concurrent application and at-least-once redelivery safe.

const upsertHotspotAQL = `
UPSERT { _key: @pub_key }
INSERT MERGE(@hotspot, { last_updated_at: @now, poc_ids: @poc_ids })
UPDATE {
    poc_ids: UNION_DISTINCT(NOT_NULL(OLD.poc_ids, []), @poc_ids),
    last_updated_at: MAX([NOT_NULL(OLD.last_updated_at, 0), @now]),
    location: @hotspot.location,
    str_location: @hotspot.str_location,
    latitude: @hotspot.latitude,
    longitude: @hotspot.longitude,
    geo: @hotspot.geo,
    parent_geo: @hotspot.parent_geo,
    gain: @hotspot.gain,
    elevation: @hotspot.elevation
}
IN @@collection`

const upsertEdgeAQL = `
UPSERT { _key: @key }
INSERT {
    _key: @key,
    _from: CONCAT_SEPARATOR("/", @hotspot_collection, @beacon_pub_key),
    _to: CONCAT_SEPARATOR("/", @hotspot_collection, @witness_pub_key),
    beacon_pub_key: @beacon_pub_key,
    witness_pub_key: @witness_pub_key,
    count: 1,
    distance: @distance,
    snr_hist: { [@snr]: 1 },
    signal_hist: { [@signal]: 1 },
    ingest_latency_hist: { [@latency]: 1 },
    last_updated_at: @now
}
UPDATE {
    count: OLD.count + 1,
    snr_hist: MERGE(NOT_NULL(OLD.snr_hist, {}), { [@snr]: NOT_NULL(OLD.snr_hist[@snr], 0) + 1 }),
    signal_hist: MERGE(NOT_NULL(OLD.signal_hist, {}), { [@signal]: NOT_NULL(OLD.signal_hist[@signal], 0) + 1 }),
    ingest_latency_hist: MERGE(NOT_NULL(OLD.ingest_latency_hist, {}), { [@latency]: NOT_NULL(OLD.ingest_latency_hist[@latency], 0) + 1 }),
    last_updated_at: MAX([NOT_NULL(OLD.last_updated_at, 0), @now])
}
IN @@collection`

// BeaconExists reports whether a beacon with this poc_id was already
// persisted.
func (c *Client) BeaconExists(ctx context.Context, pocID string) (bool, error) {
	exists, err := c.beacons.DocumentExists(ctx, pocID)
	if err != nil {
		return false, fmt.Errorf("arango: beacon exists %s: %w", pocID, err)
	}
	return exists, nil
}

// InsertBeacon writes the beacon document once. A conflict means the same
// report was already applied by an earlier delivery; that is success.
func (c *Client) InsertBeacon(ctx context.Context, b *poc.Beacon) error {
	if _, err := c.beacons.CreateDocument(ctx, b); err != nil {
		if Classify(err) == KindConflict {
			log.Printf("Beacon %s already present; redelivery ignored", b.PocID)
			return nil
		}
		return fmt.Errorf("arango: insert beacon %s: %w", b.PocID, err)
	}
	return nil
}

// UpsertHotspot merges one device sighting into its hotspot document.
func (c *Client) UpsertHotspot(ctx context.Context, h *poc.Hotspot) error {
	err := c.exec(ctx, upsertHotspotAQL, hotspotBindVars(h, time.Now().UnixMilli()))
	if err != nil {
		if Classify(err) == KindConflict {
			// Two concurrent first sightings raced the INSERT arm; the
			// loser's merge lands on retry, so drop this one.
			log.Printf("Hotspot %s upsert conflict (%s role); redelivery ignored", h.Key, h.Role)
			return nil
		}
		return fmt.Errorf("arango: upsert hotspot %s (%s): %w", h.Key, h.Role, err)
	}
	return nil
}

// UpsertEdge folds one beacon→witness observation into its aggregate edge.
func (c *Client) UpsertEdge(ctx context.Context, e *poc.Edge) error {
	err := c.exec(ctx, upsertEdgeAQL, edgeBindVars(e, time.Now().UnixMilli()))
	if err != nil {
		return fmt.Errorf("arango: upsert edge %s: %w", e.Key, err)
	}
	return nil
}

func hotspotBindVars(h *poc.Hotspot, nowMillis int64) map[string]interface{} {
	pocIDs := h.PocIDs
	if h.Role != poc.RoleBeacon {
		// Only the beacon role contributes to the accumulating set.
		pocIDs = []string{}
	}
	return map[string]interface{}{
		"@collection": HotspotCollection,
		"pub_key":     h.Key,
		"hotspot":     h,
		"poc_ids":     pocIDs,
		"now":         nowMillis,
	}
}

func edgeBindVars(e *poc.Edge, nowMillis int64) map[string]interface{} {
	return map[string]interface{}{
		"@collection":        EdgeCollection,
		"hotspot_collection": HotspotCollection,
		"key":                e.Key,
		"beacon_pub_key":     e.BeaconPubKey,
		"witness_pub_key":    e.WitnessPubKey,
		"distance":           e.Distance,
		// Histogram buckets are object attributes, so the observed values
		// bind as strings.
		"snr":     strconv.FormatInt(int64(e.WitnessSnr), 10),
		"signal":  strconv.FormatInt(int64(e.WitnessSignal), 10),
		"latency": strconv.FormatInt(e.IngestLatency, 10),
		"now":     nowMillis,
	}
}
