// Package poc defines the proof-of-coverage report wire shape and the
// transform from one decoded report into the beacon, hotspot, and edge
// documents persisted by the pipeline.
package poc

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/mr-tron/base58"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoWitnesses marks a report that nobody heard. Such reports are dropped
// deliberately: a beacon without witnesses carries no coverage information.
// Callers must treat this as an ignored outcome, not a failure.
var ErrNoWitnesses = errors.New("poc: report has no witnesses")

// Report is one decoded proof-of-coverage report: a beacon transmission plus
// the witness reports gathered for it, already verified upstream.
type Report struct {
	PocID               []byte          `json:"poc_id"`
	Beacon              BeaconReport    `json:"beacon_report"`
	SelectedWitnesses   []WitnessReport `json:"selected_witnesses"`
	UnselectedWitnesses []WitnessReport `json:"unselected_witnesses"`
}

// BeaconReport is the beacon-side half of a report.
type BeaconReport struct {
	ReceivedTimestampMs int64         `json:"received_timestamp"`
	Location            *uint64       `json:"location"`
	HexScale            *float64      `json:"hex_scale"`
	RewardUnit          *float64      `json:"reward_unit"`
	Gain                int32         `json:"gain"`
	Elevation           int32         `json:"elevation"`
	Report              BeaconPayload `json:"report"`
}

// BeaconPayload carries the radio parameters sent by the beaconing device.
type BeaconPayload struct {
	PubKey      []byte `json:"pub_key"`
	Frequency   uint64 `json:"frequency"`
	Channel     int32  `json:"channel"`
	TxPower     int32  `json:"tx_power"`
	TimestampMs int64  `json:"timestamp"`
	Tmst        uint32 `json:"tmst"`
}

// WitnessReport is one device's account of hearing a beacon, including the
// verifier's verdict.
type WitnessReport struct {
	ReceivedTimestampMs int64          `json:"received_timestamp"`
	Location            *uint64        `json:"location"`
	HexScale            *float64       `json:"hex_scale"`
	RewardUnit          *float64       `json:"reward_unit"`
	Gain                int32          `json:"gain"`
	Elevation           int32          `json:"elevation"`
	Status              string         `json:"status"`
	InvalidReason       string         `json:"invalid_reason"`
	ParticipantSide     string         `json:"participant_side"`
	Report              WitnessPayload `json:"report"`
}

// WitnessPayload carries the witness-side radio measurements.
type WitnessPayload struct {
	PubKey      []byte `json:"pub_key"`
	Frequency   uint64 `json:"frequency"`
	TimestampMs int64  `json:"timestamp"`
	Tmst        uint32 `json:"tmst"`
	Signal      int32  `json:"signal"`
	Snr         int32  `json:"snr"`
}

// DecodeReport parses one report frame. The feed's writers emit JSON frames;
// other codecs plug in through tracker.DecodeFunc.
func DecodeReport(buf []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(buf, &r); err != nil {
		return nil, fmt.Errorf("poc: decode report: %w", err)
	}
	return &r, nil
}

// pubKeyString renders a public key in its canonical base58 form.
func pubKeyString(key []byte) (string, error) {
	if len(key) == 0 {
		return "", errors.New("poc: empty public key")
	}
	return base58.Encode(key), nil
}
