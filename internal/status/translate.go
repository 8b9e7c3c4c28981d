package status

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"consultease/central/internal/model"
)

var (
	errTopic   = errors.New("not a faculty status topic")
	errPayload = errors.New("unrecognized status payload")
)

// Payload is a decoded status message body: either Structured or PlainText.
type Payload interface {
	status() (model.FacultyStatus, bool)
}

// Structured is a JSON object body such as {"status":"Available"}.
type Structured struct {
	Status string `json:"status"`
}

func (s Structured) status() (model.FacultyStatus, bool) {
	return model.ParseFacultyStatus(s.Status)
}

// PlainText is a bare keyword body such as "present".
type PlainText string

func (p PlainText) status() (model.FacultyStatus, bool) {
	return model.ParseFacultyStatus(string(p))
}

// DecodePayload picks the variant for raw. A JSON object is Structured, anything else is PlainText.
func DecodePayload(raw []byte) Payload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var s Structured
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	}
	return PlainText(trimmed)
}

// DeviceID extracts the device id from <namespace>/faculty/<id>/status.
func DeviceID(namespace, topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != namespace || parts[1] != "faculty" || parts[3] != "status" {
		return "", false
	}
	if parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// Translate converts a status message into a FacultyStatusEvent.
func Translate(namespace, topic string, payload []byte) (model.FacultyStatusEvent, bool) {
	ev, err := translate(namespace, topic, payload)
	return ev, err == nil
}

func translate(namespace, topic string, payload []byte) (model.FacultyStatusEvent, error) {
	id, ok := DeviceID(namespace, topic)
	if !ok {
		return model.FacultyStatusEvent{}, fmt.Errorf("%w: %q", errTopic, topic)
	}
	st, ok := DecodePayload(payload).status()
	if !ok {
		return model.FacultyStatusEvent{}, fmt.Errorf("%w: %q", errPayload, truncate(payload, 64))
	}
	return model.FacultyStatusEvent{DeviceID: id, Status: st}, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
