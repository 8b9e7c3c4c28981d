package mqttbroker

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

const (
	packetConnect     = 1
	packetPublish     = 3
	packetPubAck      = 4
	packetSubscribe   = 8
	packetUnsubscribe = 10
	packetUnsubAck    = 11
	packetPingReq     = 12
	packetDisconnect  = 14

	subAckFailure = 0x80
)

func parsePublish(header byte, payload []byte) (PublishMessage, uint16, error) {
	qos := (header >> 1) & 0x03
	if qos > 1 {
		return PublishMessage{}, 0, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return PublishMessage{}, 0, fmt.Errorf("read topic: %w", err)
	}
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return PublishMessage{}, 0, fmt.Errorf("invalid publish topic %q", topic)
	}

	var packetID uint16
	if qos == 1 {
		if packetID, err = rd.readUint16(); err != nil {
			return PublishMessage{}, 0, fmt.Errorf("read packet id: %w", err)
		}
	}

	msg := PublishMessage{
		Topic:  topic,
		QoS:    qos,
		Retain: header&0x01 != 0,
	}
	if rd.remaining() > 0 {
		msg.Payload = rd.readBytes(rd.remaining())
	}
	return msg, packetID, nil
}

// buildPublishPacket encodes a QoS 0 publish. Subscribers always receive QoS 0.
func buildPublishPacket(topic string, payload []byte, retain bool) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	header := byte(packetPublish << 4)
	if retain {
		header |= 0x01
	}

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, header)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func buildAck(packetType byte, packetID uint16) []byte {
	return []byte{packetType << 4, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
}

func buildSubAck(packetID uint16, granted []byte) ([]byte, error) {
	if len(granted) == 0 {
		return nil, fmt.Errorf("no topics to ack")
	}
	remaining := 2 + len(granted)
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	packet = append(packet, granted...)
	return packet, nil
}

// validFilter reports whether filter is a well-formed subscription filter: '#' only as the
// last level and wildcards occupying a whole level.
func validFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(level, "+") && level != "+" {
			return false
		}
	}
	return true
}

// topicMatches applies MQTT filter semantics. Topics starting with '$' never match a
// leading wildcard.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	raw, err := b.readBinary()
	return string(raw), err
}

// readBinary reads a two-byte length prefixed field.
func (b *bytesReader) readBinary() ([]byte, error) {
	l, err := b.readUint16()
	if err != nil {
		return nil, err
	}
	if len(*b) < int(l) {
		return nil, io.ErrUnexpectedEOF
	}
	return b.readBytes(int(l)), nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
