// Package bus implements the Stream Broker Client (§4.A): ordered,
// bounded, per-channel message logs with consumer-group semantics,
// at-least-once delivery, and backpressure.
package bus

import (
	"encoding/json"
	"time"
)

// Envelope is the wire shape every producer/consumer exchanges with the
// bus (§6).
type Envelope struct {
	MessageID     string          `json:"message_id"`
	Channel       string          `json:"channel"`
	MessageType   string          `json:"message_type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	SourceService string          `json:"source_service"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Priority      int             `json:"priority"`
	TTL           int             `json:"ttl"`

	// Offset is assigned by the channel on append; zero-value until then.
	Offset uint64 `json:"-"`
}
