package poc

import (
	"poctracker/geocell"
)

// HotspotRole distinguishes how a hotspot document was derived from a
// report. The role selects the merge policy: only the beacon role
// contributes a poc_id to the accumulating set.
type HotspotRole int

const (
	RoleBeacon HotspotRole = iota
	RoleWitness
)

func (r HotspotRole) String() string {
	if r == RoleBeacon {
		return "beacon"
	}
	return "witness"
}

// Hotspot is the persistent identity document for one physical device,
// keyed by its public key and merged across every beacon and witness role
// it plays. Scalar fields are last-writer-wins; PocIDs and LastUpdatedAt
// merge monotonically.
type Hotspot struct {
	Key           string            `json:"_key"`
	Name          string            `json:"name"`
	Location      *uint64           `json:"location"`
	StrLocation   *string           `json:"str_location"`
	Latitude      *float64          `json:"latitude"`
	Longitude     *float64          `json:"longitude"`
	Geo           *geocell.Geometry `json:"geo"`
	ParentGeo     *geocell.Geometry `json:"parent_geo"`
	Gain          int32             `json:"gain"`
	Elevation     int32             `json:"elevation"`
	PocIDs        []string          `json:"poc_ids"`
	LastUpdatedAt int64             `json:"last_updated_at"`

	Role HotspotRole `json:"-"`
}

func beaconHotspot(b *Beacon) Hotspot {
	return Hotspot{
		Key:           b.PubKey,
		Name:          b.Name,
		Location:      b.Location,
		StrLocation:   b.StrLocation,
		Latitude:      b.Latitude,
		Longitude:     b.Longitude,
		Geo:           b.Geo,
		ParentGeo:     b.ParentGeo,
		Gain:          b.Gain,
		Elevation:     b.Elevation,
		PocIDs:        []string{b.PocID},
		LastUpdatedAt: b.IngestTimeUnix,
		Role:          RoleBeacon,
	}
}

func witnessHotspot(w *Witness) Hotspot {
	// Location was validated when the witness was built, so enrichment
	// cannot fail here.
	loc, _ := geocell.Locate(w.Location)
	parent, _ := geocell.ParentLocate(w.Location)
	return Hotspot{
		Key:           w.PubKey,
		Name:          hotspotName(w.PubKey),
		Location:      w.Location,
		StrLocation:   loc.StrCell,
		Latitude:      w.Latitude,
		Longitude:     w.Longitude,
		Geo:           loc.Geo,
		ParentGeo:     parent.Geo,
		Gain:          w.Gain,
		Elevation:     w.Elevation,
		PocIDs:        []string{},
		LastUpdatedAt: w.IngestTimeUnix,
		Role:          RoleWitness,
	}
}
