package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/cannahum/eventsourcing-chain/eventstore"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// Kafka publishes committed records to a topic.
type Kafka struct {
	writer MessageWriter
	log    *slog.Logger
}

// NewKafka creates a publisher writing to topic on brokers.
func NewKafka(brokers []string, topic string, log *slog.Logger) *Kafka {
	return NewKafkaWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, log)
}

// NewKafkaWithWriter wraps an existing writer.
func NewKafkaWithWriter(w MessageWriter, log *slog.Logger) *Kafka {
	if log == nil {
		log = slog.Default()
	}
	return &Kafka{writer: w, log: log.With(slog.String("bus", "kafka"))}
}

// Publish implements eventsourcing.Publisher. All records go out in one
// batch.
func (k *Kafka) Publish(ctx context.Context, records ...eventstore.Record) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msg, err := Message(rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		k.log.Error("publish records", slog.Int("count", len(msgs)), slog.Any("err", err))
		return err
	}
	k.log.Debug("published records", slog.Int("count", len(msgs)))
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// NewReader creates a Kafka reader (consumer) for a topic and consumer group.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
}

// Read errors are retried with exponential backoff between these bounds.
const (
	minReadBackoff = 100 * time.Millisecond
	maxReadBackoff = 5 * time.Second
)

func nextBackoff(d time.Duration) time.Duration {
	if d < minReadBackoff {
		return minReadBackoff
	}
	return min(2*d, maxReadBackoff)
}

// Consume reads records in a loop and calls handler for each. Messages
// that do not decode or that the handler rejects are logged and skipped.
// Failed reads are retried after a growing pause that resets once a read
// succeeds. It blocks until ctx is cancelled.
func Consume(ctx context.Context, reader MessageReader, log *slog.Logger, handler func(ctx context.Context, rec eventstore.Record) error) {
	if log == nil {
		log = slog.Default()
	}
	var backoff time.Duration
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("consumer shutting down")
				return
			}
			backoff = nextBackoff(backoff)
			log.Error("error reading message", slog.Any("err", err), slog.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				log.Info("consumer shutting down")
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		rec, err := DecodeMessage(msg)
		if err != nil {
			log.Error("error decoding message",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.Any("err", err),
			)
			continue
		}
		if err := handler(ctx, rec); err != nil {
			log.Error("error handling message",
				slog.String("stream", rec.Key().String()),
				slog.Uint64("version", rec.Version().Uint64()),
				slog.Any("err", err),
			)
		}
	}
}
