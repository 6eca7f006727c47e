// Package geocell enriches H3 cell indexes with coordinates, parent cells,
// and GeoJSON geometry, and computes great-circle distances. All functions
// are pure so the transform layer can be tested without I/O.
package geocell

import (
	"fmt"

	"github.com/uber/h3-go/v4"
)

// parentResolution is the coarser aggregation resolution used for regional
// rollups. Hotspot asserted locations are res 12; res 5 cells cover roughly
// a metro area.
const parentResolution = 5

// Geometry is a GeoJSON geometry object. Only Polygon is produced here
// (an H3 cell boundary as a single closed ring).
type Geometry struct {
	Type        string         `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// Loc carries everything derivable from one cell index. A nil input cell
// yields the zero Loc: all pointers nil, no error.
type Loc struct {
	Cell    *uint64   `json:"location,omitempty"`
	StrCell *string   `json:"str_location,omitempty"`
	Lat     *float64  `json:"latitude,omitempty"`
	Lng     *float64  `json:"longitude,omitempty"`
	Geo     *Geometry `json:"geo,omitempty"`
}

// Locate resolves a cell index to its center coordinates and boundary
// geometry. Returns an error only for a present-but-invalid index; absence
// is not an error.
func Locate(cell *uint64) (Loc, error) {
	if cell == nil {
		return Loc{}, nil
	}
	c := h3.Cell(*cell)
	if !c.IsValid() {
		return Loc{}, fmt.Errorf("geocell: invalid cell index %d", *cell)
	}
	return locOf(c)
}

// ParentLocate resolves the parent cell at the aggregation resolution.
// Cells already coarser than the parent resolution yield the zero Loc,
// matching Locate's absence semantics.
func ParentLocate(cell *uint64) (Loc, error) {
	if cell == nil {
		return Loc{}, nil
	}
	c := h3.Cell(*cell)
	if !c.IsValid() {
		return Loc{}, fmt.Errorf("geocell: invalid cell index %d", *cell)
	}
	parent, err := c.Parent(parentResolution)
	if err != nil {
		// No parent exists when the cell is already coarser than the
		// aggregation resolution; treat it like an absent location.
		return Loc{}, nil
	}
	return locOf(parent)
}

func locOf(c h3.Cell) (Loc, error) {
	ll, err := c.LatLng()
	if err != nil {
		return Loc{}, fmt.Errorf("geocell: center of %s: %w", c, err)
	}
	geo, err := boundaryGeometry(c)
	if err != nil {
		return Loc{}, err
	}
	idx := uint64(c)
	str := c.String()
	lat := ll.Lat
	lng := ll.Lng
	return Loc{Cell: &idx, StrCell: &str, Lat: &lat, Lng: &lng, Geo: geo}, nil
}

// boundaryGeometry renders the cell outline as a GeoJSON Polygon. GeoJSON
// rings are [lng, lat] ordered and must close on the first vertex.
func boundaryGeometry(c h3.Cell) (*Geometry, error) {
	boundary, err := c.Boundary()
	if err != nil {
		return nil, fmt.Errorf("geocell: boundary of %s: %w", c, err)
	}
	if len(boundary) == 0 {
		return nil, fmt.Errorf("geocell: empty boundary for %s", c)
	}
	ring := make([][2]float64, 0, len(boundary)+1)
	for _, v := range boundary {
		ring = append(ring, [2]float64{v.Lng, v.Lat})
	}
	ring = append(ring, ring[0])
	return &Geometry{Type: "Polygon", Coordinates: [][][2]float64{ring}}, nil
}

// DistanceKm returns the great-circle distance between two coordinates in
// kilometers. Any absent coordinate yields 0; per policy an unknown
// endpoint is never an error.
func DistanceKm(lat1, lng1, lat2, lng2 *float64) float64 {
	if lat1 == nil || lng1 == nil || lat2 == nil || lng2 == nil {
		return 0
	}
	return h3.GreatCircleDistanceKm(h3.NewLatLng(*lat1, *lng1), h3.NewLatLng(*lat2, *lng2))
}
