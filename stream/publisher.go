// Package stream publishes generation lifecycle events to NATS so
// downstream consumers can react without polling the artifact store.
package stream

import (
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Event types published on the stream.
const (
	EventGenerationStarted = "generation.started"
	EventGridReady         = "generation.grid"
	EventUpscaleSaved      = "generation.upscale"
	EventGenerationFailed  = "generation.failed"
)

// Envelope wraps every published payload with its type and emit time.
type Envelope struct {
	Type string      `msgpack:"type"`
	At   time.Time   `msgpack:"at"`
	Data interface{} `msgpack:"data"`
}

// GenerationStarted is emitted when the slash command is accepted.
type GenerationStarted struct {
	Prompt      string `msgpack:"prompt"`
	Fingerprint string `msgpack:"fingerprint"`
}

// GridReady is emitted when the four-image grid has been stored.
type GridReady struct {
	GridMessageID string `msgpack:"grid_message_id"`
	Prompt        string `msgpack:"prompt"`
	ImageURL      string `msgpack:"image_url"`
	StorageID     string `msgpack:"storage_id"`
}

// UpscaleSaved is emitted per stored variant.
type UpscaleSaved struct {
	GridMessageID string `msgpack:"grid_message_id"`
	MessageID     string `msgpack:"message_id"`
	VariantIndex  int    `msgpack:"variant_idx"`
	ImageURL      string `msgpack:"image_url"`
	StorageID     string `msgpack:"storage_id"`
}

// GenerationFailed is emitted when a generation ends in any failure
// outcome.
type GenerationFailed struct {
	Prompt string `msgpack:"prompt"`
	Kind   string `msgpack:"kind"`
	Reason string `msgpack:"reason"`
}

// Publisher writes msgpack-encoded envelopes to NATS subjects under a
// configurable prefix. Publishing is fire and forget; a lost event
// never fails the generation that produced it.
type Publisher struct {
	conn    *nats.Conn
	prefix  string
	ownConn bool
	log     zerolog.Logger
}

// NewPublisher connects to the NATS server at address.
func NewPublisher(address, prefix string, log zerolog.Logger) (*Publisher, error) {
	conn, err := nats.Connect(address,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second))
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, prefix: prefix, ownConn: true, log: log}, nil
}

// NewPublisherWithConn wraps an existing connection, mainly for tests.
func NewPublisherWithConn(conn *nats.Conn, prefix string, log zerolog.Logger) *Publisher {
	return &Publisher{conn: conn, prefix: prefix, log: log}
}

// Publish encodes and sends one envelope. Errors are logged and
// swallowed.
func (p *Publisher) Publish(eventType string, data interface{}) {
	payload, err := msgpack.Marshal(Envelope{
		Type: eventType,
		At:   time.Now().UTC(),
		Data: data,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("type", eventType).Msg("failed to encode stream event")
		return
	}

	subject := p.prefix + "." + eventType
	if err := p.conn.Publish(subject, payload); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("failed to publish stream event")
	}
}

// Close flushes pending publishes and drops the connection if this
// publisher owns it.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Flush(); err != nil {
		p.log.Warn().Err(err).Msg("stream flush failed during shutdown")
	}
	if p.ownConn {
		p.conn.Close()
	}
}
