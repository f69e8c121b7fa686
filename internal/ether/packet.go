package ether

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// MQTT 3.1.1 control packet types handled by the hub.
const (
	packetConnect     = 1
	packetPublish     = 3
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetPingReq     = 12
	packetDisconnect  = 14
)

// Connect flags the hub cannot honour: will, will QoS, will retain, password, username.
const unsupportedConnectFlags = 0b1111_1100

type publishPacket struct {
	Topic   string
	Payload []byte
}

func decodePublish(header byte, body []byte) (publishPacket, error) {
	if qos := (header >> 1) & 0x03; qos != 0 {
		return publishPacket{}, fmt.Errorf("unsupported qos %d", qos)
	}
	f := fields(body)
	topic, err := f.str()
	if err != nil {
		return publishPacket{}, fmt.Errorf("read topic: %w", err)
	}
	return publishPacket{Topic: topic, Payload: f.rest()}, nil
}

func encodePublish(topic string, payload []byte) ([]byte, error) {
	if len(topic) > 0xFFFF {
		return nil, fmt.Errorf("topic too long (%d bytes)", len(topic))
	}
	n := 2 + len(topic) + len(payload)
	out := make([]byte, 0, 5+n)
	out = append(out, packetPublish<<4)
	out = appendLength(out, n)
	out = append(out, byte(len(topic)>>8), byte(len(topic)))
	out = append(out, topic...)
	return append(out, payload...), nil
}

func encodeSubAck(id uint16, granted int) []byte {
	out := []byte{0x90}
	out = appendLength(out, 2+granted)
	out = append(out, byte(id>>8), byte(id))
	for i := 0; i < granted; i++ {
		out = append(out, 0x00)
	}
	return out
}

func encodeUnsubAck(id uint16) []byte {
	return []byte{0xB0, 0x02, byte(id >> 8), byte(id)}
}

var (
	connAck  = []byte{0x20, 0x02, 0x00, 0x00}
	pingResp = []byte{0xD0, 0x00}
)

// fields walks the variable header and payload of a packet.
type fields []byte

func (f *fields) byte() (byte, error) {
	if len(*f) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	v := (*f)[0]
	*f = (*f)[1:]
	return v, nil
}

func (f *fields) uint16() (uint16, error) {
	if len(*f) < 2 {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint16((*f)[0])<<8 | uint16((*f)[1])
	*f = (*f)[2:]
	return v, nil
}

func (f *fields) str() (string, error) {
	n, err := f.uint16()
	if err != nil {
		return "", err
	}
	if len(*f) < int(n) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*f)[:n])
	*f = (*f)[n:]
	return s, nil
}

func (f *fields) rest() []byte {
	out := append([]byte(nil), (*f)...)
	*f = nil
	return out
}

func (f fields) empty() bool { return len(f) == 0 }

func readLength(r *bufio.Reader) (int, error) {
	value, shift := 0, 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value |= int(digit&0x7F) << shift
		if digit&0x80 == 0 {
			return value, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func appendLength(out []byte, n int) []byte {
	for {
		digit := byte(n & 0x7F)
		n >>= 7
		if n > 0 {
			digit |= 0x80
		}
		out = append(out, digit)
		if n == 0 {
			return out
		}
	}
}

// matchTopic reports whether topic matches an MQTT subscription filter.
func matchTopic(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, part := range fl {
		switch {
		case part == "#":
			return true
		case i >= len(tl):
			return false
		case part != "+" && part != tl[i]:
			return false
		}
	}
	return len(fl) == len(tl)
}
