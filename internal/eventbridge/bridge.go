// Package eventbridge mirrors engine notifications to a Kafka topic.
package eventbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/turnloop/turnloop/internal/bus"
)

// Bridge publishes terminal turn notifications to Kafka. Publishing is
// best-effort: a broker outage never blocks or fails a turn.
type Bridge struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// mirrored kinds; streaming deltas and tool output chunks stay local.
var mirroredKinds = map[string]bool{
	bus.NoteAssistant:       true,
	bus.NoteToolEnd:         true,
	bus.NoteApprovalRequest: true,
	bus.NoteTurnComplete:    true,
	bus.NoteTurnAborted:     true,
	bus.NoteTurnError:       true,
}

// New creates a Bridge writing to the given brokers and topic.
func New(brokers []string, topic string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchTimeout: 100 * time.Millisecond,
		},
		logger: logger.With("component", "eventbridge"),
	}
}

// Attach subscribes the bridge to all bus notifications.
func (b *Bridge) Attach(busRef *bus.Bus) {
	busRef.Subscribe("", func(note *bus.Notification) {
		b.publish(note)
	})
}

func (b *Bridge) publish(note *bus.Notification) {
	if !mirroredKinds[note.Kind] {
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(note.TurnID),
		Value: payload,
	})
	if err != nil {
		b.logger.Warn("publish failed", "kind", note.Kind, "error", err)
	}
}

// Close flushes and closes the underlying writer.
func (b *Bridge) Close() error {
	return b.writer.Close()
}
