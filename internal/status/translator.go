package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"consultease/central/internal/metrics"
	"consultease/central/internal/model"
	"consultease/central/internal/store"
)

const updateTimeout = 2 * time.Second

// Updater persists a desk unit's presence.
type Updater interface {
	UpdateFacultyStatusByDevice(ctx context.Context, deviceID string, status model.FacultyStatus) error
}

// Observer is notified of every event that was stored.
type Observer func(model.FacultyStatusEvent)

// Translator turns inbound status messages into store updates.
type Translator struct {
	namespace string
	store     Updater
	logger    *slog.Logger
	observers []Observer
}

func NewTranslator(namespace string, st Updater, logger *slog.Logger, observers ...Observer) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{
		namespace: namespace,
		store:     st,
		logger:    logger.With("component", "status"),
		observers: observers,
	}
}

// HandleMessage has the mqttclient.MessageHandler signature.
func (t *Translator) HandleMessage(topic string, payload []byte) {
	ev, err := translate(t.namespace, topic, payload)
	if err != nil {
		metrics.StatusUpdates.WithLabelValues("", "invalid").Inc()
		t.logger.Warn("ignoring status message", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), updateTimeout)
	defer cancel()

	if err := t.store.UpdateFacultyStatusByDevice(ctx, ev.DeviceID, ev.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.StatusUpdates.WithLabelValues(string(ev.Status), "unknown_device").Inc()
			t.logger.Warn("status for unknown device", "device_id", ev.DeviceID, "status", ev.Status)
			return
		}
		metrics.StatusUpdates.WithLabelValues(string(ev.Status), "error").Inc()
		t.logger.Error("update faculty status", "device_id", ev.DeviceID, "error", err)
		return
	}

	metrics.StatusUpdates.WithLabelValues(string(ev.Status), "ok").Inc()
	t.logger.Info("faculty status updated", "device_id", ev.DeviceID, "status", ev.Status)

	for _, obs := range t.observers {
		t.notify(obs, ev)
	}
}

func (t *Translator) notify(obs Observer, ev model.FacultyStatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("status observer panic", "device_id", ev.DeviceID, "panic", r)
		}
	}()
	obs(ev)
}
