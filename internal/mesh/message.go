package mesh

import (
	"encoding/json"
	"time"
)

// Message wraps a single inbound broker message. Messages are transient:
// constructed per delivery, handed to listeners, never persisted.
type Message struct {
	// Topic is the broker topic the message arrived on.
	Topic string

	// Payload is the parsed JSON value when the payload is valid JSON,
	// or the raw text otherwise. Both forms are valid traffic; a parse
	// failure is not an error.
	Payload any

	// Raw is the untouched payload bytes.
	Raw []byte

	// QoS is the delivery-guarantee level the message arrived with.
	QoS byte

	// Retained reports whether the broker flagged this as a retained
	// message replayed on subscribe.
	Retained bool

	// ReceivedAt is when this client received the message.
	ReceivedAt time.Time
}

// newMessage builds a Message from raw delivery fields, opportunistically
// parsing the payload as JSON.
func newMessage(topic string, payload []byte, qos byte, retained bool) Message {
	return Message{
		Topic:      topic,
		Payload:    parsePayload(payload),
		Raw:        payload,
		QoS:        qos,
		Retained:   retained,
		ReceivedAt: time.Now().UTC(),
	}
}

// parsePayload decodes payload bytes as JSON, falling back to the raw
// text when they are not valid JSON.
func parsePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
