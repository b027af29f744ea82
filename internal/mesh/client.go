// Package mesh owns the connection to the pub/sub broker that all
// sensor traffic flows through. It exposes subscribe/publish, demuxes
// inbound messages into typed notifications, and classifies messages
// that carry the canonical sensor-event shape.
package mesh

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/time/rate"

	"github.com/petalacloud/roomsense/internal/config"
	"github.com/petalacloud/roomsense/internal/metrics"
	"github.com/petalacloud/roomsense/internal/sensor"
)

// ErrNotConnected is returned by operations that need a live broker
// session before Connect has succeeded (or after the client gave up).
var ErrNotConnected = errors.New("mesh: not connected to broker")

// defaultMaxReconnects bounds automatic reconnection attempts before the
// client forcibly disconnects and leaves recovery to the owning process.
const defaultMaxReconnects = 10

// connectTimeout bounds how long Connect waits for the broker to
// acknowledge the initial session.
const connectTimeout = 30 * time.Second

// PublishOptions control delivery of an outbound message.
type PublishOptions struct {
	QoS    byte
	Retain bool
}

// Client maintains one logical connection to the mesh broker. The
// underlying transport reconnects automatically; Client counts attempts
// and gives up past the configured ceiling rather than retrying forever.
type Client struct {
	cfg     config.MeshConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	dropped atomic.Int64

	mu        sync.Mutex
	cm        *autopaho.ConnectionManager
	connected bool
	attempts  int
	gaveUp    bool
	lastErr   error
	subs      map[string]byte // topic → qos, restored on every connect

	listeners listenerSet
}

// New creates a Client but does not connect. Call [Client.Connect] to
// establish the session.
func New(cfg config.MeshConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]byte),
	}

	if cfg.MessageRateLimit > 0 {
		burst := cfg.MessageRateBurst
		if burst <= 0 {
			burst = int(cfg.MessageRateLimit)
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessageRateLimit), burst)
	}

	// Topics configured at construction time are treated as standing
	// subscriptions and restored on every (re-)connect.
	for _, t := range cfg.Topics {
		c.subs[t] = 1
	}

	return c
}

// Connect establishes the broker session with the configured client
// identity, keep-alive, and optional last-will message. It returns once
// the broker acknowledges the connection, or an error if the first
// attempt fails before the session comes up. ctx governs the lifetime
// of the connection: cancelling it stops reconnection and releases the
// transport.
func (c *Client) Connect(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mesh broker URL: %w", err)
	}

	// A fresh session starts with fresh accounting. Without this, a
	// client that previously gave up would keep its ceiling disabled
	// for the rest of its life.
	c.mu.Lock()
	c.gaveUp = false
	c.attempts = 0
	c.lastErr = nil
	c.mu.Unlock()

	keepAlive := c.cfg.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       keepAlive,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.onConnectionUp(ctx, cm)
		},
		OnConnectError: c.onConnectError,
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.onPublishReceived,
			},
		},
	}

	if c.cfg.WillTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.cfg.WillTopic,
			Payload: []byte(c.cfg.WillPayload),
			QoS:     1,
			Retain:  true,
		}
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mesh connect: %w", err)
	}

	c.mu.Lock()
	c.cm = cm
	c.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// First connection never came up; tear down rather than letting
		// the transport retry behind the caller's back.
		_ = cm.Disconnect(context.Background())

		c.mu.Lock()
		connErr := c.lastErr
		c.mu.Unlock()
		if connErr != nil {
			return fmt.Errorf("mesh connect: %w", connErr)
		}
		return fmt.Errorf("mesh connect: %w", err)
	}

	go c.dropReporter(ctx)

	return nil
}

// Disconnect gracefully closes the session. It is idempotent: calling
// it when already disconnected is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cm := c.cm
	wasConnected := c.connected
	c.connected = false
	c.cm = nil
	c.mu.Unlock()

	if cm == nil {
		return nil
	}

	err := cm.Disconnect(ctx)
	metrics.MeshConnected.Set(0)
	if wasConnected {
		c.listeners.notifyDisconnect()
	}
	return err
}

// IsConnected reports whether the broker session is currently up.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.cm != nil
}

// Subscribe registers interest in a topic. It is an error to call this
// before a successful Connect.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte) error {
	return c.SubscribeMultiple(ctx, map[string]byte{topic: qos})
}

// SubscribeMultiple registers interest in several topics at once.
func (c *Client) SubscribeMultiple(ctx context.Context, topics map[string]byte) error {
	c.mu.Lock()
	cm := c.cm
	connected := c.connected
	c.mu.Unlock()

	if !connected || cm == nil {
		return ErrNotConnected
	}

	sub := &paho.Subscribe{}
	for topic, qos := range topics {
		sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{
			Topic: topic,
			QoS:   qos,
		})
	}

	if _, err := cm.Subscribe(ctx, sub); err != nil {
		return fmt.Errorf("mesh subscribe: %w", err)
	}

	c.mu.Lock()
	for topic, qos := range topics {
		c.subs[topic] = qos
	}
	c.mu.Unlock()

	return nil
}

// Unsubscribe deregisters interest in a topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	cm := c.cm
	connected := c.connected
	delete(c.subs, topic)
	c.mu.Unlock()

	if !connected || cm == nil {
		return ErrNotConnected
	}

	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}}); err != nil {
		return fmt.Errorf("mesh unsubscribe: %w", err)
	}
	return nil
}

// Publish sends a message to a topic. Structured payloads are
// serialized to JSON; strings and byte slices pass through untouched.
// Fails with ErrNotConnected when the session is down.
func (c *Client) Publish(ctx context.Context, topic string, payload any, opts PublishOptions) error {
	c.mu.Lock()
	cm := c.cm
	connected := c.connected
	c.mu.Unlock()

	if !connected || cm == nil {
		return ErrNotConnected
	}

	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("mesh publish %s: %w", topic, err)
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: data,
		QoS:     opts.QoS,
		Retain:  opts.Retain,
	}); err != nil {
		return fmt.Errorf("mesh publish %s: %w", topic, err)
	}
	return nil
}

// DroppedMessages returns how many inbound messages were discarded by
// the rate limiter since the client started.
func (c *Client) DroppedMessages() int64 {
	return c.dropped.Load()
}

// onConnectionUp restores standing subscriptions and notifies listeners.
// Runs on every (re-)connect.
func (c *Client) onConnectionUp(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.Lock()
	c.connected = true
	c.attempts = 0
	c.gaveUp = false
	c.lastErr = nil
	subs := make(map[string]byte, len(c.subs))
	for topic, qos := range c.subs {
		subs[topic] = qos
	}
	c.mu.Unlock()

	c.logger.Info("mesh connected to broker", "broker", c.cfg.Broker)
	metrics.MeshConnected.Set(1)

	if len(subs) > 0 {
		sub := &paho.Subscribe{}
		for topic, qos := range subs {
			sub.Subscriptions = append(sub.Subscriptions, paho.SubscribeOptions{Topic: topic, QoS: qos})
		}
		if _, err := cm.Subscribe(ctx, sub); err != nil {
			c.logger.Warn("mesh re-subscribe failed", "topics", len(subs), "error", err)
			c.listeners.notifyError(err)
		}
	}

	c.listeners.notifyConnect()
}

// onConnectError counts reconnection attempts. Past the ceiling the
// client forcibly disconnects so a broken broker cannot cause an
// unbounded retry storm; recovery is left to the owning process.
func (c *Client) onConnectError(err error) {
	c.mu.Lock()
	if c.gaveUp {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.lastErr = err
	c.attempts++
	attempt := c.attempts

	ceiling := c.cfg.MaxReconnects
	if ceiling <= 0 {
		ceiling = defaultMaxReconnects
	}
	// The ceiling counts retries: attempts 1..ceiling each emit a
	// reconnecting notification, and the failure after the last retry
	// triggers give-up. Never an 11th reconnecting at the default
	// ceiling of 10.
	gaveUp := attempt > ceiling
	if gaveUp {
		c.gaveUp = true
	}
	cm := c.cm
	c.mu.Unlock()

	metrics.MeshConnected.Set(0)
	c.listeners.notifyError(err)

	if !gaveUp {
		c.logger.Warn("mesh connection error, retrying",
			"attempt", attempt,
			"ceiling", ceiling,
			"error", err,
		)
		metrics.MeshReconnects.Inc()
		c.listeners.notifyReconnecting(attempt)
		return
	}

	c.logger.Error("mesh reconnection ceiling exceeded, giving up",
		"attempts", ceiling,
		"error", err,
	)
	if cm != nil {
		go func() { _ = cm.Disconnect(context.Background()) }()
	}
	c.mu.Lock()
	c.cm = nil
	c.mu.Unlock()
	c.listeners.notifyDisconnect()
}

// onPublishReceived is the single inbound demux point. Every message is
// wrapped into a Message; messages carrying the canonical sensor-event
// shape additionally fan out as sensor notifications.
func (c *Client) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	c.handleInbound(pr.Packet.Topic, pr.Packet.Payload, pr.Packet.QoS, pr.Packet.Retain)
	return true, nil
}

// handleInbound processes one raw delivery. Split from onPublishReceived
// so tests can inject traffic without a broker.
func (c *Client) handleInbound(topic string, payload []byte, qos byte, retained bool) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.dropped.Add(1)
		metrics.MeshMessagesDropped.Inc()
		return
	}

	metrics.MeshMessages.Inc()

	m := newMessage(topic, payload, qos, retained)
	c.listeners.notifyMessage(m)

	ev, ok := sensor.Classify(payload)
	if !ok {
		return
	}
	if ev.TenantID == "" {
		ev.TenantID = c.cfg.TenantID
	}
	if ev.Vertical == "" {
		ev.Vertical = c.cfg.Vertical
	}

	metrics.SensorEvents.WithLabelValues(string(ev.Type)).Inc()
	c.listeners.notifySensor(ev)
}

// dropReporter periodically logs how many inbound messages the rate
// limiter discarded, so drops are visible without log spam on the hot
// path.
func (c *Client) dropReporter(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := c.dropped.Load()
			if delta := total - last; delta > 0 {
				c.logger.Warn("mesh messages dropped due to rate limit",
					"dropped", delta,
					"total_dropped", total,
				)
			}
			last = total
		}
	}
}

// encodePayload serializes an outbound payload. Byte slices and strings
// pass through; everything else is marshalled to JSON.
func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
