package mesh

import (
	"sync"

	"github.com/petalacloud/roomsense/internal/sensor"
)

// listenerSet is an explicit registry of typed callbacks. Consumers
// register for exactly the notifications they care about, so the fan-out
// surface is statically known and testable without a live broker.
type listenerSet struct {
	mu           sync.RWMutex
	connect      []func()
	disconnect   []func()
	reconnecting []func(attempt int)
	errs         []func(error)
	message      []func(Message)
	topics       []topicListener
	sensors      []func(sensor.Event)
	sensorTypes  map[sensor.EventType][]func(sensor.Event)
}

type topicListener struct {
	filter string
	fn     func(Message)
}

// OnConnect registers a callback fired each time the broker session
// comes up, including after automatic reconnects.
func (c *Client) OnConnect(fn func()) {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	c.listeners.connect = append(c.listeners.connect, fn)
}

// OnDisconnect registers a callback fired when the session closes, both
// for graceful Disconnect calls and for reconnection give-up.
func (c *Client) OnDisconnect(fn func()) {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	c.listeners.disconnect = append(c.listeners.disconnect, fn)
}

// OnReconnecting registers a callback fired per reconnection attempt
// with the current attempt count.
func (c *Client) OnReconnecting(fn func(attempt int)) {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	c.listeners.reconnecting = append(c.listeners.reconnecting, fn)
}

// OnError registers a callback for non-fatal transport errors.
func (c *Client) OnError(fn func(error)) {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	c.listeners.errs = append(c.listeners.errs, fn)
}

// OnMessage registers a callback for every inbound message.
func (c *Client) OnMessage(fn func(Message)) {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	c.listeners.message = append(c.listeners.message, fn)
}

// OnTopic registers a callback for inbound messages whose topic matches
// the given MQTT filter (wildcards allowed).
func (c *Client) OnTopic(filter string, fn func(Message)) {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	c.listeners.topics = append(c.listeners.topics, topicListener{filter: filter, fn: fn})
}

// OnSensorEvent registers a callback for every message classified as a
// canonical sensor event.
func (c *Client) OnSensorEvent(fn func(sensor.Event)) {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	c.listeners.sensors = append(c.listeners.sensors, fn)
}

// OnSensorType registers a callback scoped to a single event type.
func (c *Client) OnSensorType(t sensor.EventType, fn func(sensor.Event)) {
	c.listeners.mu.Lock()
	defer c.listeners.mu.Unlock()
	if c.listeners.sensorTypes == nil {
		c.listeners.sensorTypes = make(map[sensor.EventType][]func(sensor.Event))
	}
	c.listeners.sensorTypes[t] = append(c.listeners.sensorTypes[t], fn)
}

func (l *listenerSet) notifyConnect() {
	l.mu.RLock()
	fns := l.connect
	l.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *listenerSet) notifyDisconnect() {
	l.mu.RLock()
	fns := l.disconnect
	l.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *listenerSet) notifyReconnecting(attempt int) {
	l.mu.RLock()
	fns := l.reconnecting
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(attempt)
	}
}

func (l *listenerSet) notifyError(err error) {
	l.mu.RLock()
	fns := l.errs
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func (l *listenerSet) notifyMessage(m Message) {
	l.mu.RLock()
	fns := l.message
	topics := l.topics
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(m)
	}
	for _, tl := range topics {
		if MatchTopic(tl.filter, m.Topic) {
			tl.fn(m)
		}
	}
}

func (l *listenerSet) notifySensor(ev sensor.Event) {
	l.mu.RLock()
	fns := l.sensors
	typed := l.sensorTypes[ev.Type]
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	for _, fn := range typed {
		fn(ev)
	}
}
