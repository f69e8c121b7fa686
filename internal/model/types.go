package model

import (
	"fmt"
	"strings"
	"time"

	"echosos/beacon-node/internal/geo"
)

// EmergencyType is the 4-bit distress category carried in every beacon.
type EmergencyType uint8

const (
	EmergencyGeneral EmergencyType = iota
	EmergencyMedical
	EmergencyTrapped
	EmergencyFire
	EmergencyHarassment
)

// MaxEmergencyType is the highest code currently assigned.
const MaxEmergencyType = EmergencyHarassment

var emergencyNames = [...]string{
	EmergencyGeneral:    "general",
	EmergencyMedical:    "medical",
	EmergencyTrapped:    "trapped",
	EmergencyFire:       "fire",
	EmergencyHarassment: "harassment",
}

// Valid reports whether the code is an assigned emergency type.
func (e EmergencyType) Valid() bool {
	return e <= MaxEmergencyType
}

func (e EmergencyType) String() string {
	if !e.Valid() {
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
	return emergencyNames[e]
}

// MarshalText renders the type by name in JSON.
func (e EmergencyType) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (e *EmergencyType) UnmarshalText(b []byte) error {
	v, err := ParseEmergency(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// ParseEmergency maps a user supplied name onto an emergency type.
func ParseEmergency(name string) (EmergencyType, error) {
	cleaned := strings.ToLower(strings.TrimSpace(name))
	for i, n := range emergencyNames {
		if n == cleaned {
			return EmergencyType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown emergency type %q", name)
}

// Identity is the globally unique key of a beacon message.
type Identity struct {
	Origin   uint64 `json:"origin_id"`
	Sequence uint16 `json:"sequence"`
}

func (id Identity) String() string {
	return fmt.Sprintf("%016x/%d", id.Origin, id.Sequence)
}

// BeaconMessage is one distress record. It is passed by value between devices;
// relays only ever touch HopBudget. The integrity tag exists only in the
// encoded form and is recomputed by the codec on every encode.
type BeaconMessage struct {
	OriginID   uint64        `json:"origin_id"`
	Sequence   uint16        `json:"sequence"`
	Emergency  EmergencyType `json:"emergency"`
	Coordinate geo.Code      `json:"coordinate"`
	HopBudget  uint8         `json:"hop_budget"`
	// OriginTime is seconds on the origin's monotonic clock. It is only
	// comparable with other messages from the same origin.
	OriginTime uint32 `json:"origin_time"`
}

// ID returns the message identity.
func (m BeaconMessage) ID() Identity {
	return Identity{Origin: m.OriginID, Sequence: m.Sequence}
}

// PeerAlert is a distress message heard from another device.
type PeerAlert struct {
	Message    BeaconMessage `json:"message"`
	ReceivedAt time.Time     `json:"received_at"`
	Relayed    bool          `json:"relayed"`
}

// LocalAlert is the device's own active distress message.
type LocalAlert struct {
	Message  BeaconMessage `json:"message"`
	RaisedAt time.Time     `json:"raised_at"`
}

// Detection is a confirmed close-range acoustic beacon.
type Detection struct {
	Emergency EmergencyType `json:"emergency"`
	// SNR is the pulse energy above the measured noise floor in dB.
	SNR float64 `json:"snr_db"`
	// Strength maps SNR onto 0..1 for display.
	Strength   float64   `json:"strength"`
	PeakHz     float64   `json:"peak_hz"`
	DetectedAt time.Time `json:"detected_at"`
}

// DecodeFailure captures an advertisement that failed to decode.
type DecodeFailure struct {
	Source  string    `json:"source"`
	Payload string    `json:"payload"`
	Error   string    `json:"error"`
	SeenAt  time.Time `json:"seen_at"`
}

// JournalEntry is one persisted event for after-action review.
type JournalEntry struct {
	Kind       string    `json:"kind"`
	Identity   string    `json:"identity,omitempty"`
	Emergency  string    `json:"emergency,omitempty"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}
