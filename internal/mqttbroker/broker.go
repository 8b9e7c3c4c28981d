package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// PublishMessage is a publish received from a client. QoS 1 publishes are acknowledged
// before they are handed to the handler and subscribers.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

type clientSession struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	clientID string
	closed   atomic.Bool

	subMu         sync.RWMutex
	subscriptions map[string]struct{}

	will         *PublishMessage
	disconnected bool
}

func newSession(conn net.Conn) *clientSession {
	return &clientSession{
		conn:          conn,
		reader:        bufio.NewReader(conn),
		subscriptions: make(map[string]struct{}),
	}
}

func (c *clientSession) subscribed(topic string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for filter := range c.subscriptions {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (c *clientSession) addSubscription(filter string) {
	c.subMu.Lock()
	c.subscriptions[filter] = struct{}{}
	c.subMu.Unlock()
}

func (c *clientSession) removeSubscription(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}

func (c *clientSession) writePacket(packet []byte) error {
	if c.closed.Load() {
		return net.ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(packet)
	return err
}

// Broker is a small MQTT v3.1.1 broker for development and tests. It accepts QoS 0 and 1
// publishes, supports '+' and '#' subscription filters, keeps retained messages and
// delivers last-will messages. Subscribers always receive QoS 0.
type Broker struct {
	logger       *slog.Logger
	listener     net.Listener
	handler      atomic.Value // stores Handler
	mu           sync.Mutex
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*clientSession]struct{}

	retainedMu sync.RWMutex
	retained   map[string][]byte
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		logger:   logger.With("component", "mqttbroker"),
		clients:  make(map[*clientSession]struct{}),
		retained: make(map[string][]byte),
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
					close(errCh)
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			session := newSession(conn)
			b.addClient(session)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleConn(session)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.Lock()
	for session := range b.clients {
		session.closed.Store(true)
		_ = session.conn.Close()
	}
	b.clients = make(map[*clientSession]struct{})
	b.clientsMu.Unlock()

	b.wg.Wait()
	return nil
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// Publish delivers a message to every client whose filters match topic. A retained
// message replaces the stored one; an empty retained payload clears it.
func (b *Broker) Publish(topic string, payload []byte, retain bool) error {
	if retain {
		b.storeRetained(topic, payload)
	}
	return b.forwardToSubscribers(topic, payload, nil)
}

// Retained returns the retained payload for topic.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.retainedMu.RLock()
	defer b.retainedMu.RUnlock()
	p, ok := b.retained[topic]
	return p, ok
}

func (b *Broker) storeRetained(topic string, payload []byte) {
	b.retainedMu.Lock()
	defer b.retainedMu.Unlock()
	if len(payload) == 0 {
		delete(b.retained, topic)
		return
	}
	b.retained[topic] = append([]byte(nil), payload...)
}

func (b *Broker) addClient(session *clientSession) {
	b.clientsMu.Lock()
	b.clients[session] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Broker) removeClient(session *clientSession) {
	b.clientsMu.Lock()
	delete(b.clients, session)
	b.clientsMu.Unlock()
}

func (b *Broker) handleConn(session *clientSession) {
	defer func() {
		session.closed.Store(true)
		b.removeClient(session)
		_ = session.conn.Close()
		if session.will != nil && !session.disconnected && !b.shuttingDown.Load() {
			b.logger.Debug("publishing last will", "client", session.clientID, "topic", session.will.Topic)
			b.dispatch(session, *session.will)
		}
	}()

	for {
		header, err := session.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(session.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(session.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4
		if packetType != packetConnect && session.clientID == "" {
			b.logger.Debug("packet before connect", "type", packetType)
			return
		}

		switch packetType {
		case packetConnect:
			if err := b.handleConnect(session, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
		case packetPublish:
			msg, packetID, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			if msg.QoS == 1 {
				if err := session.writePacket(buildAck(packetPubAck, packetID)); err != nil {
					b.logger.Debug("write puback error", "error", err)
					return
				}
			}
			msg.ClientID = session.clientID
			b.dispatch(session, msg)
		case packetSubscribe:
			if err := b.handleSubscribe(session, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case packetUnsubscribe:
			if err := b.handleUnsubscribe(session, payload); err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
		case packetPingReq:
			if err := session.writePacket([]byte{0xD0, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case packetDisconnect:
			session.disconnected = true
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) dispatch(from *clientSession, msg PublishMessage) {
	if h, ok := b.handler.Load().(Handler); ok {
		safeInvoke(h, context.Background(), msg, b.logger)
	}
	if msg.Retain {
		b.storeRetained(msg.Topic, msg.Payload)
	}
	if err := b.forwardToSubscribers(msg.Topic, msg.Payload, from); err != nil {
		b.logger.Debug("forward publish failed", "topic", msg.Topic, "error", err)
	}
}

func (b *Broker) handleConnect(session *clientSession, payload []byte) error {
	if session.clientID != "" {
		return errors.New("duplicate connect")
	}

	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		_ = session.writePacket([]byte{0x20, 0x02, 0x00, 0x01})
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0x01 != 0 {
		return fmt.Errorf("reserved connect flag set %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}

	if flags&0x04 != 0 {
		willTopic, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read will topic: %w", err)
		}
		willPayload, err := rd.readBinary()
		if err != nil {
			return fmt.Errorf("read will message: %w", err)
		}
		session.will = &PublishMessage{
			ClientID: clientID,
			Topic:    willTopic,
			Payload:  willPayload,
			QoS:      (flags >> 3) & 0x03,
			Retain:   flags&0x20 != 0,
		}
	}
	// Credentials are read to keep the stream aligned; they are not checked.
	if flags&0x80 != 0 {
		if _, err := rd.readString(); err != nil {
			return fmt.Errorf("read username: %w", err)
		}
	}
	if flags&0x40 != 0 {
		if _, err := rd.readBinary(); err != nil {
			return fmt.Errorf("read password: %w", err)
		}
	}

	session.clientID = clientID

	if err := session.writePacket([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("client connected", "client", clientID, "remote", session.conn.RemoteAddr().String())
	return nil
}

func (b *Broker) handleSubscribe(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	var (
		granted []byte
		added   []string
	)
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		if rd.remaining() == 0 {
			return fmt.Errorf("missing qos byte")
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos > 2 || !validFilter(filter) {
			granted = append(granted, subAckFailure)
			continue
		}
		session.addSubscription(filter)
		added = append(added, filter)
		granted = append(granted, 0x00)
	}

	packet, err := buildSubAck(packetID, granted)
	if err != nil {
		return err
	}
	if err := session.writePacket(packet); err != nil {
		return err
	}

	b.sendRetained(session, added)
	return nil
}

func (b *Broker) sendRetained(session *clientSession, filters []string) {
	if len(filters) == 0 {
		return
	}
	b.retainedMu.RLock()
	defer b.retainedMu.RUnlock()
	for topic, payload := range b.retained {
		for _, filter := range filters {
			if !topicMatches(filter, topic) {
				continue
			}
			packet, err := buildPublishPacket(topic, payload, true)
			if err == nil {
				err = session.writePacket(packet)
			}
			if err != nil {
				b.logger.Debug("send retained failed", "client", session.clientID, "topic", topic, "error", err)
			}
			break
		}
	}
}

func (b *Broker) handleUnsubscribe(session *clientSession, payload []byte) error {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic: %w", err)
		}
		session.removeSubscription(filter)
	}
	return session.writePacket(buildAck(packetUnsubAck, packetID))
}

func (b *Broker) forwardToSubscribers(topic string, payload []byte, exclude *clientSession) error {
	packet, err := buildPublishPacket(topic, payload, false)
	if err != nil {
		return err
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	for session := range b.clients {
		if session == exclude {
			continue
		}
		if session.subscribed(topic) {
			if err := session.writePacket(packet); err != nil {
				b.logger.Debug("forward publish failed", "client", session.clientID, "error", err)
			}
		}
	}
	return nil
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "panic", r)
		}
	}()
	h(ctx, msg)
}
