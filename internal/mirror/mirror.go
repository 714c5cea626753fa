// Package mirror streams bus events to a Kafka topic so other systems can
// observe the coordinator without reading its database.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/KafClaw/agentbus/internal/bus"
	"github.com/KafClaw/agentbus/internal/config"
)

// Writer is the part of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher mirrors events into Kafka. Failures are logged and dropped; the
// store remains the record.
type Publisher struct {
	w       Writer
	topic   string
	timeout time.Duration
}

// NewPublisher connects a publisher to the configured brokers.
func NewPublisher(cfg config.MirrorConfig) (*Publisher, error) {
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("mirror: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mirror: no topic configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return NewPublisherWithWriter(w, cfg.Topic), nil
}

// NewPublisherWithWriter wraps an existing writer.
func NewPublisherWithWriter(w Writer, topic string) *Publisher {
	return &Publisher{w: w, topic: topic, timeout: 5 * time.Second}
}

// Attach subscribes the publisher to every event on the hub.
func (p *Publisher) Attach(h *bus.Hub) {
	h.Subscribe(bus.Wildcard, func(e *bus.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := p.Write(ctx, e); err != nil {
			slog.Warn("Mirror write failed", "kind", e.Kind, "topic", p.topic, "error", err)
		}
	})
}

// Write publishes one event keyed by its channel or spawn.
func (p *Publisher) Write(ctx context.Context, e *bus.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.Key()),
		Value:   value,
		Time:    e.Timestamp,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(e.Kind)}},
	})
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// Tail reads mirrored events from the topic and hands each to fn until ctx
// is cancelled. Records that do not decode are skipped.
func Tail(ctx context.Context, cfg config.MirrorConfig, fromStart bool, fn func(*bus.Event) error) error {
	brokers := splitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return errors.New("mirror: no brokers configured")
	}
	rc := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	}
	if fromStart {
		rc.StartOffset = kafka.FirstOffset
	} else {
		rc.StartOffset = kafka.LastOffset
	}
	r := kafka.NewReader(rc)
	defer r.Close()

	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("mirror read: %w", err)
		}
		e, err := Decode(msg.Value)
		if err != nil {
			slog.Warn("Skipping undecodable mirror record", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Decode parses one mirrored record.
func Decode(value []byte) (*bus.Event, error) {
	var e bus.Event
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, err
	}
	if e.Kind == "" {
		return nil, errors.New("event without kind")
	}
	return &e, nil
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
