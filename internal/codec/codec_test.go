package codec

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/model"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New("")
	require.NoError(t, err)
	return c
}

func sampleMessage(t *testing.T) model.BeaconMessage {
	t.Helper()
	coord, err := geo.Quantize(47.6062, -122.3321)
	require.NoError(t, err)
	return model.BeaconMessage{
		OriginID:   0x0123456789ABCDEF,
		Sequence:   42,
		Emergency:  model.EmergencyTrapped,
		Coordinate: coord,
		HopBudget:  5,
		OriginTime: 3600,
	}
}

func TestRoundTrip(t *testing.T) {
	c := newTestCodec(t)
	rng := rand.New(rand.NewSource(7))

	msgs := []model.BeaconMessage{sampleMessage(t)}
	noFix := sampleMessage(t)
	noFix.Coordinate = geo.NoFix
	noFix.HopBudget = 0
	msgs = append(msgs, noFix)

	for i := 0; i < 2000; i++ {
		coord, err := geo.Quantize(rng.Float64()*180-90, rng.Float64()*360-180)
		require.NoError(t, err)
		msgs = append(msgs, model.BeaconMessage{
			OriginID:   rng.Uint64(),
			Sequence:   uint16(rng.Intn(1 << 16)),
			Emergency:  model.EmergencyType(rng.Intn(int(model.MaxEmergencyType) + 1)),
			Coordinate: coord,
			HopBudget:  uint8(rng.Intn(256)),
			OriginTime: rng.Uint32(),
		})
	}

	for _, m := range msgs {
		payload, err := c.Encode(m)
		require.NoError(t, err)
		require.Len(t, payload, PayloadSize)

		got, err := c.Decode(payload)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	c := newTestCodec(t)
	m := sampleMessage(t)

	a, err := c.Encode(m)
	require.NoError(t, err)
	b, err := c.Encode(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeWrongLength(t *testing.T) {
	c := newTestCodec(t)
	payload, err := c.Encode(sampleMessage(t))
	require.NoError(t, err)

	for _, b := range [][]byte{nil, payload[:PayloadSize-1], append(payload, 0)} {
		_, err := c.Decode(b)
		assert.ErrorIs(t, err, ErrMalformed)

		var de *DecodeError
		require.True(t, errors.As(err, &de))
		assert.Equal(t, Malformed, de.Kind)
	}
}

func TestDecodeTagBitFlip(t *testing.T) {
	c := newTestCodec(t)
	payload, err := c.Encode(sampleMessage(t))
	require.NoError(t, err)

	for bit := 0; bit < tagSize*8; bit++ {
		corrupt := append([]byte(nil), payload...)
		corrupt[tagOffset+bit/8] ^= 1 << (bit % 8)

		_, err := c.Decode(corrupt)
		require.ErrorIs(t, err, ErrIntegrityMismatch, "bit %d", bit)
	}
}

func TestDecodeBodyBitFlip(t *testing.T) {
	c := newTestCodec(t)
	payload, err := c.Encode(sampleMessage(t))
	require.NoError(t, err)

	for bit := 0; bit < tagOffset*8; bit++ {
		corrupt := append([]byte(nil), payload...)
		corrupt[bit/8] ^= 1 << (bit % 8)

		_, err := c.Decode(corrupt)
		require.ErrorIs(t, err, ErrIntegrityMismatch, "bit %d", bit)
	}
}

func TestDecodeRejectsOtherPassphrase(t *testing.T) {
	a := newTestCodec(t)
	b, err := New("another deployment")
	require.NoError(t, err)

	payload, err := a.Encode(sampleMessage(t))
	require.NoError(t, err)

	_, err = b.Decode(payload)
	assert.ErrorIs(t, err, ErrIntegrityMismatch)
}

func TestDecodeRejectsUnknownFieldsUnderValidTag(t *testing.T) {
	c := newTestCodec(t)

	reseal := func(body []byte) []byte {
		tag := c.tag(body[:tagOffset])
		copy(body[tagOffset:], tag[:])
		return body
	}

	payload, err := c.Encode(sampleMessage(t))
	require.NoError(t, err)

	badVersion := append([]byte(nil), payload...)
	badVersion[0] = 2<<4 | badVersion[0]&0x0F
	_, err = c.Decode(reseal(badVersion))
	assert.ErrorIs(t, err, ErrMalformed)

	badType := append([]byte(nil), payload...)
	badType[0] = Version<<4 | 0x0E
	_, err = c.Decode(reseal(badType))
	assert.ErrorIs(t, err, ErrMalformed)

	badCoord := append([]byte(nil), payload...)
	copy(badCoord[12:18], []byte{0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x01})
	_, err = c.Decode(reseal(badCoord))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeRejectsInvalidMessage(t *testing.T) {
	c := newTestCodec(t)

	m := sampleMessage(t)
	m.Emergency = 9
	_, err := c.Encode(m)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	m = sampleMessage(t)
	m.Coordinate = geo.Code(1 << 50)
	_, err = c.Encode(m)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
