package mqttclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"consultease/central/internal/metrics"
)

var (
	ErrStopped     = errors.New("mqtt client stopped")
	ErrStopTimeout = errors.New("mqtt management loop did not exit in time")
)

// State is the broker connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Stopping
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Stopping:
		return "stopping"
	default:
		return "disconnected"
	}
}

// MessageHandler receives inbound status messages.
type MessageHandler func(topic string, payload []byte)

// Factory builds the underlying paho client. Tests substitute a fake.
type Factory func(*mqtt.ClientOptions) mqtt.Client

type Options struct {
	BrokerURL        string
	ClientID         string
	Username         string
	Password         string
	Namespace        string
	ConnectTimeout   time.Duration
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration
	PollInterval     time.Duration
	JoinTimeout      time.Duration
	PublishTimeout   time.Duration
	KeepAlive        time.Duration

	Factory Factory
}

func (o *Options) applyDefaults() {
	if o.Namespace == "" {
		o.Namespace = "consultease"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 5 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.KeepAlive <= 0 {
		o.KeepAlive = 30 * time.Second
	}
	if o.Factory == nil {
		o.Factory = mqtt.NewClient
	}
}

// Client keeps one logical broker connection alive, relays status messages to a handler
// and publishes outbound requests.
type Client struct {
	opts    Options
	logger  *slog.Logger
	handler MessageHandler
	retry   backoff.BackOff

	mu      sync.RWMutex
	state   State
	paho    mqtt.Client
	ready   chan struct{}
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	// dispatchMu is held for reading while a handler runs; Stop takes it for writing.
	dispatchMu sync.RWMutex
}

func New(opts Options, handler MessageHandler, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()

	c := &Client{
		opts:    opts,
		logger:  logger.With("component", "mqtt"),
		handler: handler,
	}
	if opts.RetryMaxInterval > opts.RetryInterval {
		c.retry = newRetryBackoff(opts.RetryInterval, opts.RetryMaxInterval)
	}
	return c
}

// Namespace returns the topic namespace the client subscribes and publishes under.
func (c *Client) Namespace() string {
	return c.opts.Namespace
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == Connected
}

// Start launches the connection management loop. Calling Start twice is a no-op;
// calling it after Stop returns ErrStopped.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	if c.started {
		c.logger.Warn("mqtt client already started")
		return nil
	}

	c.paho = c.opts.Factory(c.clientOptions())
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)

	c.logger.Info("mqtt client started", "broker", c.opts.BrokerURL, "client_id", c.opts.ClientID)
	return nil
}

func (c *Client) clientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	o.AddBroker(c.opts.BrokerURL)
	o.SetClientID(c.opts.ClientID)
	if c.opts.Username != "" {
		o.SetUsername(c.opts.Username)
		o.SetPassword(c.opts.Password)
	}
	o.SetCleanSession(true)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetConnectTimeout(c.opts.ConnectTimeout)
	o.SetKeepAlive(c.opts.KeepAlive)
	o.SetOnConnectHandler(c.onConnect)
	o.SetConnectionLostHandler(c.onConnectionLost)
	o.SetDefaultPublishHandler(c.onMessage)
	return o
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		if c.State() == Connected {
			if !sleepCtx(ctx, c.opts.PollInterval) {
				return
			}
			continue
		}

		if c.connect(ctx) {
			if c.retry != nil {
				c.retry.Reset()
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}

		wait := c.retryDelay()
		c.logger.Info("retrying broker connection", "in", wait)
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (c *Client) retryDelay() time.Duration {
	if c.retry == nil {
		return c.opts.RetryInterval
	}
	return c.retry.NextBackOff()
}

// connect makes one attempt and waits for the OnConnect confirmation.
func (c *Client) connect(ctx context.Context) bool {
	ready := make(chan struct{})

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.state = Connecting
	c.ready = ready
	cli := c.paho
	c.mu.Unlock()

	c.logger.Debug("connecting to broker", "broker", c.opts.BrokerURL)

	timer := time.NewTimer(c.opts.ConnectTimeout)
	defer timer.Stop()

	tok := cli.Connect()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		c.connectFailed("timeout", fmt.Errorf("no connack within %s", c.opts.ConnectTimeout))
		return false
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			c.connectFailed("refused", err)
			return false
		}
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		c.connectFailed("timeout", errors.New("connection not confirmed"))
		return false
	case <-ready:
		metrics.BrokerConnectAttempts.WithLabelValues("ok").Inc()
		return true
	}
}

func (c *Client) connectFailed(result string, err error) {
	metrics.BrokerConnectAttempts.WithLabelValues(result).Inc()
	c.logger.Warn("broker connection failed", "broker", c.opts.BrokerURL, "error", err)

	c.mu.Lock()
	if c.state == Connecting {
		c.state = Disconnected
	}
	c.ready = nil
	c.mu.Unlock()
}

func (c *Client) onConnect(cli mqtt.Client) {
	c.mu.RLock()
	stopped := c.stopped
	c.mu.RUnlock()
	if stopped {
		c.dropLateConnection(cli)
		return
	}

	filter := StatusFilter(c.opts.Namespace)
	tok := cli.Subscribe(filter, 1, c.onMessage)
	if !tok.WaitTimeout(c.opts.ConnectTimeout) {
		c.logger.Error("subscribe timed out", "filter", filter)
	} else if err := tok.Error(); err != nil {
		c.logger.Error("subscribe failed", "filter", filter, "error", err)
	} else {
		c.logger.Info("subscribed", "filter", filter)
	}

	// Connected implies the status subscription is in place.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.dropLateConnection(cli)
		return
	}
	if !cli.IsConnected() {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	ready := c.ready
	c.ready = nil
	c.mu.Unlock()

	metrics.BrokerConnected.Set(1)
	c.logger.Info("connected to broker", "broker", c.opts.BrokerURL)

	if ready != nil {
		close(ready)
	}
}

// dropLateConnection closes a handshake that completed after Stop gave up waiting for it.
func (c *Client) dropLateConnection(cli mqtt.Client) {
	c.logger.Info("closing broker connection established after stop", "broker", c.opts.BrokerURL)
	cli.Disconnect(0)
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	if !c.stopped {
		c.state = Disconnected
	}
	c.mu.Unlock()

	metrics.BrokerConnected.Set(0)
	c.logger.Warn("broker connection lost", "error", err)
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	topic := msg.Topic()
	if !IsStatusTopic(c.opts.Namespace, topic) {
		metrics.MessagesReceived.WithLabelValues("dropped").Inc()
		c.logger.Warn("dropping message on unexpected topic", "topic", topic)
		return
	}

	c.dispatchMu.RLock()
	defer c.dispatchMu.RUnlock()

	c.mu.RLock()
	stopped := c.stopped
	h := c.handler
	c.mu.RUnlock()
	if stopped || h == nil {
		metrics.MessagesReceived.WithLabelValues("dropped").Inc()
		return
	}

	metrics.MessagesReceived.WithLabelValues("dispatched").Inc()
	c.safeInvoke(h, topic, msg.Payload())
}

func (c *Client) safeInvoke(h MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("message handler panic", "topic", topic, "panic", r)
		}
	}()
	h(topic, payload)
}

// Publish sends payload on topic. Strings and byte slices are sent as-is, anything else
// is JSON encoded. It reports true only when the broker acknowledged the publish within
// the publish timeout.
func (c *Client) Publish(topic string, payload any, qos byte, retain bool) bool {
	c.mu.RLock()
	cli := c.paho
	connected := c.state == Connected
	c.mu.RUnlock()

	if !connected || cli == nil {
		metrics.Publishes.WithLabelValues("not_connected").Inc()
		c.logger.Warn("publish skipped, not connected", "topic", topic)
		return false
	}

	data, err := encodePayload(payload)
	if err != nil {
		metrics.Publishes.WithLabelValues("error").Inc()
		c.logger.Error("encode payload", "topic", topic, "error", err)
		return false
	}

	tok := cli.Publish(topic, qos, retain, data)
	if !tok.WaitTimeout(c.opts.PublishTimeout) {
		metrics.Publishes.WithLabelValues("timeout").Inc()
		c.logger.Warn("publish timed out", "topic", topic, "timeout", c.opts.PublishTimeout)
		return false
	}
	if err := tok.Error(); err != nil {
		metrics.Publishes.WithLabelValues("error").Inc()
		c.logger.Warn("publish failed", "topic", topic, "error", err)
		return false
	}

	metrics.Publishes.WithLabelValues("ok").Inc()
	c.logger.Debug("published", "topic", topic, "bytes", len(data))
	return true
}

// PublishConsultationRequest sends payload to the desk unit's request topic at QoS 1.
func (c *Client) PublishConsultationRequest(deviceID string, payload any) bool {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		c.logger.Error("cannot publish consultation request without a device id")
		return false
	}
	return c.Publish(RequestTopic(c.opts.Namespace, deviceID), payload, 1, false)
}

// Stop ends the management loop and disconnects. It is idempotent and the client cannot
// be restarted. No handler runs after Stop returns.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.state = Stopping
	cancel, done, cli := c.cancel, c.done, c.paho
	c.mu.Unlock()

	c.dispatchMu.Lock()
	c.dispatchMu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-time.After(c.opts.JoinTimeout):
			err = ErrStopTimeout
			c.logger.Warn("mqtt management loop did not stop in time", "timeout", c.opts.JoinTimeout)
		}
	}

	if cli != nil && cli.IsConnected() {
		cli.Disconnect(250)
	}

	c.mu.Lock()
	c.state = Disconnected
	c.mu.Unlock()
	metrics.BrokerConnected.Set(0)

	c.logger.Info("mqtt client stopped")
	return err
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
