// Package strike defines the lightning strike report that sensor nodes send
// to the receiver, and the sources that produce them.
package strike

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/lunixbochs/struc"
)

// Size is the encoded length of a Record.
const Size = 8

// Distance estimates reported by the AS3935 detector.
const (
	DistanceOverhead   uint8 = 0x01
	DistanceOutOfRange uint8 = 0x3F
)

var wireOptions = &struc.Options{Order: binary.LittleEndian}

// Record is one strike report as carried on the wire: little-endian, padded
// to the alignment of the time field.
type Record struct {
	DetectorID uint8    `json:"detectorId"`
	DistanceKM uint8    `json:"distanceKm"`
	Reserved   [2]uint8 `json:"-"`
	// SinceLastMS is the time since the detector's previous strike.
	SinceLastMS uint32 `json:"sinceLastMs"`
}

// MarshalBinary encodes r in its wire layout.
func (r Record) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(Size)
	if err := struc.PackWithOptions(&buf, &r, wireOptions); err != nil {
		return nil, fmt.Errorf("strike: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes exactly one wire record.
func (r *Record) UnmarshalBinary(b []byte) error {
	if len(b) != Size {
		return fmt.Errorf("strike: record is %d bytes, want %d", len(b), Size)
	}
	if err := struc.UnpackWithOptions(bytes.NewReader(b), r, wireOptions); err != nil {
		return fmt.Errorf("strike: decode: %w", err)
	}
	return nil
}

// OutOfRange reports whether the detector saw the strike but could not
// estimate its distance.
func (r Record) OutOfRange() bool { return r.DistanceKM == DistanceOutOfRange }

// Overhead reports whether the storm is directly above the detector.
func (r Record) Overhead() bool { return r.DistanceKM == DistanceOverhead }

// SinceLast returns SinceLastMS as a duration.
func (r Record) SinceLast() time.Duration {
	return time.Duration(r.SinceLastMS) * time.Millisecond
}

func (r Record) String() string {
	switch {
	case r.OutOfRange():
		return fmt.Sprintf("detector %d: strike out of range", r.DetectorID)
	case r.Overhead():
		return fmt.Sprintf("detector %d: storm overhead", r.DetectorID)
	}
	return fmt.Sprintf("detector %d: strike %d km", r.DetectorID, r.DistanceKM)
}

// Event is a Record as seen by the receiver.
type Event struct {
	Record
	Received time.Time `json:"received"`
	// Origin is the network address the record arrived from.
	Origin string `json:"origin"`
}
