package natsmirror

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/nats-io/nats.go"

	"consultease/central/internal/model"
)

// Publisher is the subset of *nats.Conn the mirror uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the message body mirrored onto NATS.
type Event struct {
	DeviceID  string              `json:"ble_identifier"`
	Status    model.FacultyStatus `json:"status"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Mirror republishes stored faculty status events on consultease.faculty.<id>.status.
type Mirror struct {
	pub    Publisher
	conn   *nats.Conn
	logger *slog.Logger
	now    func() time.Time
}

// Connect dials url and returns a Mirror that owns the connection.
func Connect(url string, logger *slog.Logger) (*Mirror, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	nc, err := nats.Connect(url,
		nats.Name("consultease-central"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}

	m := New(nc, logger)
	m.conn = nc
	logger.Info("nats mirror connected", "url", url)
	return m, nil
}

func New(pub Publisher, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{pub: pub, logger: logger, now: time.Now}
}

// Subject is the NATS subject a device's status is mirrored on. Characters that would
// split or wildcard a NATS token are replaced with '_'; the event body keeps the raw id.
func Subject(deviceID string) string {
	return fmt.Sprintf("consultease.faculty.%s.status", subjectToken(deviceID))
}

func subjectToken(id string) string {
	token := strings.Map(func(r rune) rune {
		if r == '.' || r == '*' || r == '>' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, id)
	if token == "" {
		return "_"
	}
	return token
}

// Observe has the status.Observer signature.
func (m *Mirror) Observe(ev model.FacultyStatusEvent) {
	data, err := json.Marshal(Event{DeviceID: ev.DeviceID, Status: ev.Status, UpdatedAt: m.now().UTC()})
	if err != nil {
		m.logger.Error("encode status event", "error", err)
		return
	}
	subject := Subject(ev.DeviceID)
	if err := m.pub.Publish(subject, data); err != nil {
		m.logger.Warn("mirror status event", "subject", subject, "error", err)
		return
	}
	m.logger.Debug("status event mirrored", "subject", subject)
}

// Close drains and closes a connection opened by Connect.
func (m *Mirror) Close() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Drain(); err != nil {
		m.logger.Warn("drain nats connection", "error", err)
		m.conn.Close()
	}
	m.conn = nil
}
