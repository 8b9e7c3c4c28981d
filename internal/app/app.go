package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"consultease/central/internal/config"
	"consultease/central/internal/consult"
	"consultease/central/internal/discovery"
	"consultease/central/internal/mqttbroker"
	"consultease/central/internal/mqttclient"
	"consultease/central/internal/natsmirror"
	"consultease/central/internal/rfid"
	"consultease/central/internal/status"
	"consultease/central/internal/store"
)

const (
	browseTimeout   = 5 * time.Second
	shutdownTimeout = 5 * time.Second
)

// App wires together the ConsultEase services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store   *store.Store
	broker  *mqttbroker.Broker
	mdns    *discovery.Advertiser
	mirror  *natsmirror.Mirror
	mqtt    *mqttclient.Client
	scanner *rfid.Service
	consult *consult.Publisher
	logins  *loginTracker
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, logins: newLoginTracker()}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return err
	}
	a.store = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}
	if a.cfg.Seed {
		if err := a.store.Seed(ctx, a.cfg.RFID.SimTags); err != nil {
			return err
		}
	}

	var brokerErrCh <-chan error
	if a.cfg.EmbeddedBroker != "" {
		if brokerErrCh, err = a.startEmbeddedBroker(); err != nil {
			return err
		}
	}
	defer a.stopEmbeddedBroker()

	if a.cfg.NATSURL != "" {
		mirror, err := natsmirror.Connect(a.cfg.NATSURL, a.logger)
		if err != nil {
			a.logger.Warn("failed to connect to nats, continuing without status mirror", "error", err)
		} else {
			a.mirror = mirror
			defer a.mirror.Close()
		}
	}

	brokerURL := a.resolveBrokerURL(ctx)
	a.startMessaging(brokerURL)
	defer func() {
		if err := a.mqtt.Stop(); err != nil {
			a.logger.Warn("mqtt client stop", "error", err)
		}
	}()

	a.startScanner()
	defer func() {
		if err := a.scanner.Close(); err != nil {
			a.logger.Warn("rfid service close", "error", err)
		}
	}()

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")
			return nil
		case err := <-httpErrCh:
			return err
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				return err
			}
		}
	}
}

func (a *App) startEmbeddedBroker() (<-chan error, error) {
	broker := mqttbroker.New(a.logger)
	broker.SetPublishHandler(a.observeBrokerPublish)
	errCh, err := broker.Start(a.cfg.EmbeddedBroker)
	if err != nil {
		return nil, err
	}
	a.broker = broker

	if a.cfg.MDNS {
		a.mdns = discovery.NewAdvertiser(a.logger)
		if tcp, ok := broker.Addr().(*net.TCPAddr); ok {
			if err := a.mdns.Start(tcp.Port, a.cfg.HTTPPort); err != nil {
				a.logger.Warn("failed to start mDNS advertisement", "error", err)
			}
		}
	}
	return errCh, nil
}

func (a *App) stopEmbeddedBroker() {
	if a.mdns != nil {
		a.mdns.Stop()
	}
	if a.broker == nil {
		return
	}
	if err := a.broker.Stop(); err != nil {
		a.logger.Error("mqtt broker stop", "error", err)
		return
	}
	a.logger.Info("mqtt broker stopped")
}

// observeBrokerPublish logs desk unit traffic passing through the embedded broker.
func (a *App) observeBrokerPublish(_ context.Context, msg mqttbroker.PublishMessage) {
	a.logger.Debug("broker publish", "client_id", msg.ClientID, "topic", msg.Topic, "qos", msg.QoS, "retain", msg.Retain)
}

// resolveBrokerURL expands "auto": the embedded broker when running, otherwise an mDNS browse.
func (a *App) resolveBrokerURL(ctx context.Context) string {
	url := a.cfg.MQTT.BrokerURL
	if !strings.EqualFold(url, "auto") {
		return url
	}

	if a.broker != nil {
		if tcp, ok := a.broker.Addr().(*net.TCPAddr); ok {
			return fmt.Sprintf("tcp://127.0.0.1:%d", tcp.Port)
		}
	}

	found, err := discovery.Browse(ctx, browseTimeout, a.logger)
	if err != nil {
		a.logger.Warn("mqtt broker discovery failed, using localhost", "error", err)
		return "tcp://localhost:1883"
	}
	return found
}

func (a *App) startMessaging(brokerURL string) {
	var observers []status.Observer
	if a.mirror != nil {
		observers = append(observers, a.mirror.Observe)
	}
	translator := status.NewTranslator(a.cfg.MQTT.Namespace, a.store, a.logger, observers...)

	opts := mqttOptions(a.cfg.MQTT, brokerURL)
	opts.ClientID = fmt.Sprintf("%s-%s", opts.ClientID, uuid.NewString()[:8])
	a.mqtt = mqttclient.New(opts, translator.HandleMessage, a.logger)

	if err := a.mqtt.Start(); err != nil {
		a.logger.Error("start mqtt client", "error", err)
	}

	a.consult = consult.NewPublisher(a.mqtt, a.store, a.logger)
}

func (a *App) startScanner() {
	a.scanner = rfid.NewService(rfidConfig(a.cfg.RFID), a.logger)
	a.scanner.RegisterListener(a.handleTag)

	if err := a.scanner.Start(); err != nil {
		a.logger.Warn("rfid scanning not started", "mode", a.scanner.ActiveMode(), "error", err)
		return
	}
	a.logger.Info("rfid scanning started", "mode", a.scanner.ActiveMode())
}

func mqttOptions(mc config.MQTTConfig, brokerURL string) mqttclient.Options {
	return mqttclient.Options{
		BrokerURL:        brokerURL,
		ClientID:         mc.ClientID,
		Username:         mc.Username,
		Password:         mc.Password,
		Namespace:        mc.Namespace,
		ConnectTimeout:   mc.ConnectTimeout,
		RetryInterval:    mc.RetryInterval,
		RetryMaxInterval: mc.RetryMaxInterval,
		PollInterval:     mc.PollInterval,
		JoinTimeout:      mc.JoinTimeout,
		PublishTimeout:   mc.PublishTimeout,
		KeepAlive:        mc.KeepAlive,
	}
}

func rfidConfig(c config.RFIDConfig) rfid.Config {
	// Validate has already rejected unknown modes.
	mode, _ := rfid.ParseMode(c.Mode)
	return rfid.Config{
		Mode:           mode,
		Fallback:       c.Fallback,
		SerialPort:     c.SerialPort,
		SerialBaud:     c.SerialBaud,
		SerialVID:      c.SerialVID,
		SerialPID:      c.SerialPID,
		KeyboardDevice: c.KeyboardDevice,
		KeyboardName:   c.KeyboardName,
		SimTags:        c.SimTags,
		SimMinInterval: c.SimMinInterval,
		SimMaxInterval: c.SimMaxInterval,
		JoinTimeout:    c.JoinTimeout,
	}
}
