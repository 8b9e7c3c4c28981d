package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TagsScanned counts tag events delivered by the scan worker, labelled by source mode.
	TagsScanned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consultease_rfid_tags_scanned_total",
		Help: "Total number of RFID tag events read by the scan worker",
	}, []string{"mode"})

	ListenerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "consultease_rfid_listener_panics_total",
		Help: "Total number of recovered panics raised by scan listeners",
	})

	// ScanWorkerExits counts scan workers that ended without a Stop request.
	ScanWorkerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consultease_rfid_worker_exits_total",
		Help: "Total number of scan workers that exited on their own",
	}, []string{"reason"})

	// BrokerConnected is 1 while the MQTT client holds a live broker connection.
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "consultease_mqtt_connected",
		Help: "Current broker connection status (1 connected, 0 otherwise)",
	})

	BrokerConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consultease_mqtt_connect_attempts_total",
		Help: "Total number of broker connection attempts",
	}, []string{"result"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consultease_mqtt_messages_received_total",
		Help: "Total number of inbound MQTT messages",
	}, []string{"result"})

	Publishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consultease_mqtt_publishes_total",
		Help: "Total number of outbound MQTT publishes",
	}, []string{"result"})

	// StatusUpdates counts faculty status events, labelled by outcome of the store update.
	StatusUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consultease_faculty_status_updates_total",
		Help: "Total number of faculty status events processed",
	}, []string{"status", "result"})

	ConsultationRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consultease_consultation_requests_total",
		Help: "Total number of consultation requests submitted",
	}, []string{"result"})
)
