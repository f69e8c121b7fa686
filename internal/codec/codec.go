// Package codec converts beacon messages to and from the fixed 26-byte
// advertisement payload.
//
// Layout (big-endian):
//
//	0      version (high nibble) | emergency type (low nibble)
//	1      hop budget
//	2..9   origin id
//	10..11 sequence
//	12..17 coordinate code (lat 24 bits, lon 24 bits)
//	18..21 origin time, seconds
//	22..25 integrity tag
//
// The tag is the first four bytes of a keyed BLAKE2s-256 over bytes 0..21.
// The key is derived from the mesh passphrase, so relays that decrement the
// hop budget simply re-encode the message.
package codec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/hkdf"

	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/model"
)

const (
	// PayloadSize is the exact size of an encoded beacon.
	PayloadSize = 26
	// Version is the only wire version this codec speaks.
	Version = 1

	tagOffset = 22
	tagSize   = PayloadSize - tagOffset

	// DefaultPassphrase is used when a deployment does not configure its own.
	DefaultPassphrase = "echosos-open-mesh"

	keyInfo = "echosos beacon integrity v1"
)

var (
	// ErrMalformed reports a payload of the wrong shape.
	ErrMalformed = errors.New("malformed payload")
	// ErrIntegrityMismatch reports a payload whose tag does not verify.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	// ErrInvalidMessage is returned by Encode for messages that cannot be represented.
	ErrInvalidMessage = errors.New("invalid beacon message")
)

// DecodeErrorKind classifies a decode failure.
type DecodeErrorKind uint8

const (
	Malformed DecodeErrorKind = iota + 1
	IntegrityMismatch
)

func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case IntegrityMismatch:
		return "integrity_mismatch"
	default:
		return "unknown"
	}
}

// DecodeError is returned by Decode. It unwraps to ErrMalformed or ErrIntegrityMismatch.
type DecodeError struct {
	Kind   DecodeErrorKind
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode beacon: %s: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Unwrap() error {
	if e.Kind == IntegrityMismatch {
		return ErrIntegrityMismatch
	}
	return ErrMalformed
}

// Codec encodes and verifies beacons for one mesh passphrase.
type Codec struct {
	key [32]byte
}

// New derives the integrity key for the passphrase.
func New(passphrase string) (*Codec, error) {
	if passphrase == "" {
		passphrase = DefaultPassphrase
	}
	c := &Codec{}
	r := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, c.key[:]); err != nil {
		return nil, fmt.Errorf("derive integrity key: %w", err)
	}
	return c, nil
}

// Encode serializes m and seals it with a fresh tag.
func (c *Codec) Encode(m model.BeaconMessage) ([]byte, error) {
	if !m.Emergency.Valid() {
		return nil, fmt.Errorf("%w: emergency type %d", ErrInvalidMessage, m.Emergency)
	}
	if !m.Coordinate.Valid() {
		return nil, fmt.Errorf("%w: coordinate %#x", ErrInvalidMessage, uint64(m.Coordinate))
	}

	buf := make([]byte, PayloadSize)
	buf[0] = Version<<4 | byte(m.Emergency)
	buf[1] = m.HopBudget
	binary.BigEndian.PutUint64(buf[2:10], m.OriginID)
	binary.BigEndian.PutUint16(buf[10:12], m.Sequence)
	coord := m.Coordinate.Bytes()
	copy(buf[12:18], coord[:])
	binary.BigEndian.PutUint32(buf[18:22], m.OriginTime)

	tag := c.tag(buf[:tagOffset])
	copy(buf[tagOffset:], tag[:])
	return buf, nil
}

// Decode verifies and parses a payload.
func (c *Codec) Decode(b []byte) (model.BeaconMessage, error) {
	if len(b) != PayloadSize {
		return model.BeaconMessage{}, &DecodeError{Kind: Malformed, Reason: fmt.Sprintf("length %d, want %d", len(b), PayloadSize)}
	}

	want := c.tag(b[:tagOffset])
	if subtle.ConstantTimeCompare(want[:], b[tagOffset:]) != 1 {
		return model.BeaconMessage{}, &DecodeError{Kind: IntegrityMismatch, Reason: "tag does not match payload"}
	}

	if v := b[0] >> 4; v != Version {
		return model.BeaconMessage{}, &DecodeError{Kind: Malformed, Reason: fmt.Sprintf("unsupported version %d", v)}
	}

	emergency := model.EmergencyType(b[0] & 0x0F)
	if !emergency.Valid() {
		return model.BeaconMessage{}, &DecodeError{Kind: Malformed, Reason: fmt.Sprintf("unknown emergency type %d", emergency)}
	}

	var coordRaw [6]byte
	copy(coordRaw[:], b[12:18])
	coord := geo.FromBytes(coordRaw)
	if !coord.Valid() {
		return model.BeaconMessage{}, &DecodeError{Kind: Malformed, Reason: "non-canonical coordinate"}
	}

	return model.BeaconMessage{
		OriginID:   binary.BigEndian.Uint64(b[2:10]),
		Sequence:   binary.BigEndian.Uint16(b[10:12]),
		Emergency:  emergency,
		Coordinate: coord,
		HopBudget:  b[1],
		OriginTime: binary.BigEndian.Uint32(b[18:22]),
	}, nil
}

func (c *Codec) tag(body []byte) [tagSize]byte {
	var out [tagSize]byte
	h, err := blake2s.New256(c.key[:])
	if err != nil {
		// Only reachable with a key longer than 32 bytes.
		panic(err)
	}
	h.Write(body)
	sum := h.Sum(nil)
	copy(out[:], sum[:tagSize])
	return out
}
