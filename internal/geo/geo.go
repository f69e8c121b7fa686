// Package geo packs a GPS fix into the 48-bit coordinate code carried in a
// beacon advertisement.
//
// Each axis is a 24-bit fixed-point value. Latitude maps [-90, 90] onto
// 0..2^24-2, leaving 0xFFFFFF as the "no fix" marker. Longitude maps
// [-180, 180) onto 0..2^24-1 and wraps at the antimeridian. One latitude step
// is about 1.19 m and one longitude step about 2.39 m at the equator (less
// toward the poles), so the worst-case round trip error is under
// MaxErrorMeters.
package geo

import (
	"errors"
	"fmt"
	"math"
)

const (
	axisBits = 24
	axisMask = 1<<axisBits - 1
	latSteps = axisMask - 1
	lonSteps = 1 << axisBits

	// NoFix marks a beacon sent without a usable position.
	NoFix Code = axisMask<<axisBits | axisMask

	// MaxErrorMeters bounds the distance between a coordinate and its round trip.
	MaxErrorMeters = 1.5

	earthRadiusMeters = 6371008.8
)

// ErrOutOfRange is returned for coordinates outside the valid WGS84 range.
var ErrOutOfRange = errors.New("coordinate out of range")

// Code is the quantized coordinate: latitude in bits 24..47, longitude in bits 0..23.
type Code uint64

// FixQuality mirrors what the platform location service reports.
type FixQuality uint8

const (
	QualityNone FixQuality = iota
	Quality2D
	Quality3D
)

// Fix is one reading from the location service.
type Fix struct {
	Lat       float64
	Lon       float64
	Quality   FixQuality
	Available bool
}

// Quantize encodes a coordinate.
func Quantize(lat, lon float64) (Code, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return NoFix, fmt.Errorf("%w: lat=%v lon=%v", ErrOutOfRange, lat, lon)
	}

	latCode := uint64(math.Round((lat + 90) / 180 * latSteps))
	lonCode := uint64(math.Round((lon+180)/360*lonSteps)) % lonSteps

	return Code(latCode<<axisBits | lonCode), nil
}

// Dequantize returns the center of the cell a code refers to. ok is false for
// NoFix and for codes that are not canonical.
func Dequantize(c Code) (lat, lon float64, ok bool) {
	if !c.Valid() || c == NoFix {
		return 0, 0, false
	}
	lat = float64(c.latBits())/latSteps*180 - 90
	lon = float64(c.lonBits())/lonSteps*360 - 180
	return lat, lon, true
}

// FromFix converts a location reading, falling back to NoFix when there is no
// usable position. The error is informational; the returned code is always usable.
func FromFix(f Fix) (Code, error) {
	if !f.Available || f.Quality == QualityNone {
		return NoFix, nil
	}
	return Quantize(f.Lat, f.Lon)
}

// Valid reports whether c fits in 48 bits and, when the latitude field holds the
// no-fix marker, is the canonical NoFix value.
func (c Code) Valid() bool {
	if c>>(2*axisBits) != 0 {
		return false
	}
	if c.latBits() == axisMask {
		return c == NoFix
	}
	return true
}

// HasFix reports whether the code carries a position.
func (c Code) HasFix() bool {
	return c != NoFix && c.Valid()
}

func (c Code) latBits() uint32 { return uint32(c>>axisBits) & axisMask }
func (c Code) lonBits() uint32 { return uint32(c) & axisMask }

// Bytes returns the 6-byte big-endian wire form.
func (c Code) Bytes() [6]byte {
	var out [6]byte
	lat, lon := c.latBits(), c.lonBits()
	out[0], out[1], out[2] = byte(lat>>16), byte(lat>>8), byte(lat)
	out[3], out[4], out[5] = byte(lon>>16), byte(lon>>8), byte(lon)
	return out
}

// FromBytes is the inverse of Bytes.
func FromBytes(b [6]byte) Code {
	lat := uint64(b[0])<<16 | uint64(b[1])<<8 | uint64(b[2])
	lon := uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	return Code(lat<<axisBits | lon)
}

func (c Code) String() string {
	lat, lon, ok := Dequantize(c)
	if !ok {
		return "no-fix"
	}
	return fmt.Sprintf("%.6f,%.6f", lat, lon)
}

// MarshalText renders the code for JSON payloads of the event interface.
func (c Code) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText accepts the output of MarshalText.
func (c *Code) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "no-fix" {
		*c = NoFix
		return nil
	}
	var lat, lon float64
	if _, err := fmt.Sscanf(s, "%f,%f", &lat, &lon); err != nil {
		return fmt.Errorf("parse coordinate %q: %w", s, err)
	}
	code, err := Quantize(lat, lon)
	if err != nil {
		return err
	}
	*c = code
	return nil
}

// Distance is the great-circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}
