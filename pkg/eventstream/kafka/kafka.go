// Package kafka publishes frame events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/papercomputeco/captain/pkg/eventstream"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "captain.frames"

// Config is the configuration of the Kafka publisher.
type Config struct {
	// Brokers are host:port addresses of the cluster.
	Brokers []string

	Topic string

	// WriteTimeout bounds one write.
	WriteTimeout time.Duration
}

// messageWriter is the part of kafka-go's Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes each event as one JSON message keyed by frame id, so the
// events of a frame stay ordered within a partition.
type Publisher struct {
	writer messageWriter
	topic  string
}

var _ eventstream.Publisher = (*Publisher)(nil)

// NewPublisher creates a Kafka publisher.
func NewPublisher(c Config) (*Publisher, error) {
	if len(c.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(c.Brokers...),
		Topic:                  c.Topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		WriteTimeout:           c.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
	return newPublisher(w, c.Topic), nil
}

func newPublisher(w messageWriter, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic}
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// PublishFrame implements eventstream.Publisher.
func (p *Publisher) PublishFrame(ctx context.Context, event *eventstream.FrameEvent) error {
	if event == nil {
		return eventstream.ErrNilFrameEvent
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling frame event: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(event.Frame.ID.String()),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "schema_version", Value: []byte(fmt.Sprintf("%d", event.SchemaVersion))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("writing to topic %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending writes and closes the connection.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
