package poc

// Build transforms one decoded report into the documents the writer
// persists: the beacon (with embedded witnesses), one edge per
// beacon→witness pair, and one hotspot per device seen (the beacon's plus
// one per distinct witness public key).
//
// Build is deterministic and performs no I/O. It fails only on a
// structurally invalid report (unparsable location cell, malformed public
// key); a report with zero witnesses returns ErrNoWitnesses and must be
// treated as an intentional drop.
func Build(r *Report) (*Beacon, []Edge, []Hotspot, error) {
	if len(r.SelectedWitnesses)+len(r.UnselectedWitnesses) == 0 {
		return nil, nil, nil, ErrNoWitnesses
	}

	beacon, err := buildBeacon(r)
	if err != nil {
		return nil, nil, nil, err
	}

	hotspots := make([]Hotspot, 0, 1+len(beacon.Witnesses))
	hotspots = append(hotspots, beaconHotspot(beacon))

	edges := make([]Edge, 0, len(beacon.Witnesses))
	seen := make(map[string]struct{}, len(beacon.Witnesses))
	for i := range beacon.Witnesses {
		w := &beacon.Witnesses[i]
		if _, dup := seen[w.PubKey]; !dup {
			seen[w.PubKey] = struct{}{}
			hotspots = append(hotspots, witnessHotspot(w))
		}
		edges = append(edges, newEdge(beacon, w))
	}

	return beacon, edges, hotspots, nil
}
