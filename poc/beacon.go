package poc

import (
	"encoding/base64"
	"fmt"
	"time"

	"poctracker/geocell"
)

// Beacon is the store document for one accepted report, keyed by poc_id.
// It embeds the full witness list and is written exactly once; redeliveries
// are suppressed by the insert-only merge policy.
type Beacon struct {
	Key               string            `json:"_key"`
	PocID             string            `json:"poc_id"`
	IngestTime        time.Time         `json:"ingest_time"`
	IngestTimeUnix    int64             `json:"ingest_time_unix"`
	Location          *uint64           `json:"location"`
	StrLocation       *string           `json:"str_location"`
	Latitude          *float64          `json:"latitude"`
	Longitude         *float64          `json:"longitude"`
	Geo               *geocell.Geometry `json:"geo"`
	ParentLocation    *uint64           `json:"parent_location"`
	ParentStrLocation *string           `json:"parent_str_location"`
	ParentLatitude    *float64          `json:"parent_latitude"`
	ParentLongitude   *float64          `json:"parent_longitude"`
	ParentGeo         *geocell.Geometry `json:"parent_geo"`
	Gain              int32             `json:"gain"`
	Elevation         int32             `json:"elevation"`
	HexScale          *float64          `json:"hex_scale"`
	RewardUnit        *float64          `json:"reward_unit"`
	PubKey            string            `json:"pub_key"`
	Name              string            `json:"name"`
	Frequency         uint64            `json:"frequency"`
	Channel           int32             `json:"channel"`
	TxPower           int32             `json:"tx_power"`
	Timestamp         time.Time         `json:"timestamp"`
	Tmst              uint32            `json:"tmst"`
	Witnesses         []Witness         `json:"witnesses"`
}

// Witness is embedded in a Beacon document; it never stands alone in the
// store. Distance is always recomputed at transform time, never trusted
// from upstream.
type Witness struct {
	IngestTime         time.Time `json:"ingest_time"`
	IngestTimeUnix     int64     `json:"ingest_time_unix"`
	Location           *uint64   `json:"location"`
	Latitude           *float64  `json:"latitude"`
	Longitude          *float64  `json:"longitude"`
	Gain               int32     `json:"gain"`
	Elevation          int32     `json:"elevation"`
	HexScale           *float64  `json:"hex_scale"`
	RewardUnit         *float64  `json:"reward_unit"`
	InvalidReason      string    `json:"invalid_reason"`
	VerificationStatus string    `json:"verification_status"`
	ParticipantSide    string    `json:"participant_side"`
	PubKey             string    `json:"pub_key"`
	Timestamp          time.Time `json:"timestamp"`
	Tmst               uint32    `json:"tmst"`
	Signal             int32     `json:"signal"`
	Snr                int32     `json:"snr"`
	Selected           bool      `json:"selected"`
	Distance           float64   `json:"distance"`
}

// PocID encodes the report's opaque id in the key form shared by the beacon
// document key and the hotspot poc_ids set: URL-safe base64 without padding.
func PocID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

func buildBeacon(r *Report) (*Beacon, error) {
	pocID := PocID(r.PocID)
	pubKey, err := pubKeyString(r.Beacon.Report.PubKey)
	if err != nil {
		return nil, fmt.Errorf("poc: beacon %s: %w", pocID, err)
	}
	loc, err := geocell.Locate(r.Beacon.Location)
	if err != nil {
		return nil, fmt.Errorf("poc: beacon %s: %w", pocID, err)
	}
	parent, err := geocell.ParentLocate(r.Beacon.Location)
	if err != nil {
		return nil, fmt.Errorf("poc: beacon %s: %w", pocID, err)
	}

	witnesses, err := buildWitnesses(r)
	if err != nil {
		return nil, err
	}

	ingest := time.UnixMilli(r.Beacon.ReceivedTimestampMs).UTC()
	b := &Beacon{
		Key:               pocID,
		PocID:             pocID,
		IngestTime:        ingest,
		IngestTimeUnix:    r.Beacon.ReceivedTimestampMs,
		Location:          loc.Cell,
		StrLocation:       loc.StrCell,
		Latitude:          loc.Lat,
		Longitude:         loc.Lng,
		Geo:               loc.Geo,
		ParentLocation:    parent.Cell,
		ParentStrLocation: parent.StrCell,
		ParentLatitude:    parent.Lat,
		ParentLongitude:   parent.Lng,
		ParentGeo:         parent.Geo,
		Gain:              r.Beacon.Gain,
		Elevation:         r.Beacon.Elevation,
		HexScale:          r.Beacon.HexScale,
		RewardUnit:        r.Beacon.RewardUnit,
		PubKey:            pubKey,
		Name:              hotspotName(pubKey),
		Frequency:         r.Beacon.Report.Frequency,
		Channel:           r.Beacon.Report.Channel,
		TxPower:           r.Beacon.Report.TxPower,
		Timestamp:         time.UnixMilli(r.Beacon.Report.TimestampMs).UTC(),
		Tmst:              r.Beacon.Report.Tmst,
		Witnesses:         witnesses,
	}

	for i := range b.Witnesses {
		w := &b.Witnesses[i]
		w.Distance = geocell.DistanceKm(b.Latitude, b.Longitude, w.Latitude, w.Longitude)
	}
	return b, nil
}

func buildWitnesses(r *Report) ([]Witness, error) {
	witnesses := make([]Witness, 0, len(r.SelectedWitnesses)+len(r.UnselectedWitnesses))
	for i := range r.SelectedWitnesses {
		w, err := buildWitness(&r.SelectedWitnesses[i], true)
		if err != nil {
			return nil, err
		}
		witnesses = append(witnesses, w)
	}
	for i := range r.UnselectedWitnesses {
		w, err := buildWitness(&r.UnselectedWitnesses[i], false)
		if err != nil {
			return nil, err
		}
		witnesses = append(witnesses, w)
	}
	return witnesses, nil
}

func buildWitness(wr *WitnessReport, selected bool) (Witness, error) {
	pubKey, err := pubKeyString(wr.Report.PubKey)
	if err != nil {
		return Witness{}, fmt.Errorf("poc: witness: %w", err)
	}
	loc, err := geocell.Locate(wr.Location)
	if err != nil {
		return Witness{}, fmt.Errorf("poc: witness %s: %w", pubKey, err)
	}
	return Witness{
		IngestTime:         time.UnixMilli(wr.ReceivedTimestampMs).UTC(),
		IngestTimeUnix:     wr.ReceivedTimestampMs,
		Location:           loc.Cell,
		Latitude:           loc.Lat,
		Longitude:          loc.Lng,
		Gain:               wr.Gain,
		Elevation:          wr.Elevation,
		HexScale:           wr.HexScale,
		RewardUnit:         wr.RewardUnit,
		InvalidReason:      wr.InvalidReason,
		VerificationStatus: wr.Status,
		ParticipantSide:    wr.ParticipantSide,
		PubKey:             pubKey,
		Timestamp:          time.UnixMilli(wr.Report.TimestampMs).UTC(),
		Tmst:               wr.Report.Tmst,
		Signal:             wr.Report.Signal,
		Snr:                wr.Report.Snr,
		Selected:           selected,
	}, nil
}
