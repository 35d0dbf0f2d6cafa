// Package eventbus fans committed ledger events out to Kafka and
// Redis pub/sub.
package eventbus

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"github.com/example/private-dispatch/internal/models"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer MessageWriter
}

// publishBatchTimeout caps how long the writer waits to fill a batch.
// The ledger hands over one committed operation at a time, so waiting
// for kafka-go's one second default only adds latency.
const publishBatchTimeout = 5 * time.Millisecond

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: publishBatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}
}

func NewKafkaPublisherWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Name() string { return "kafka" }

// Publish writes one message per event. Events about the same request
// share a partition key so consumers see them in order.
func (k *KafkaPublisher) Publish(ctx context.Context, events []models.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		b, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "encode event")
		}
		msgs = append(msgs, kafka.Message{
			Key:     PartitionKey(ev),
			Value:   b,
			Headers: []kafka.Header{{Key: "kind", Value: []byte(ev.Kind)}},
		})
	}
	return errors.Wrap(k.writer.WriteMessages(ctx, msgs...), "kafka write")
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func PartitionKey(ev models.Event) []byte {
	switch {
	case ev.RequestID != 0:
		return []byte("request:" + strconv.FormatUint(ev.RequestID, 10))
	case !ev.Driver.IsZero():
		return []byte("driver:" + ev.Driver.String())
	default:
		return []byte("gateway")
	}
}
