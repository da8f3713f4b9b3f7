package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const (
	kafkaBatchTimeout = 50 * time.Millisecond
	kafkaMinBytes     = 1
	kafkaMaxBytes     = 10 * 1024 * 1024 // 10MB, bounds a single fetch
)

// KafkaLog implements Log on Kafka topics. Messages are keyed by game id
// and the hash balancer pins each game to one partition, which gives the
// per-game FIFO the engine depends on. Writers are shared per topic and
// block under broker backpressure (RequireAll acks).
type KafkaLog struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers []*kafka.Reader
	closed  bool
}

// Compile-time interface check.
var _ Log = (*KafkaLog)(nil)

// NewKafkaLog creates the adapter for the given broker list.
func NewKafkaLog(brokers []string) *KafkaLog {
	return &KafkaLog{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

func (k *KafkaLog) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: kafkaBatchTimeout,
	}
	k.writers[topic] = w
	return w
}

// Publish implements Publisher. WriteMessages blocks until the broker
// acknowledges the record, so producer backpressure propagates to the
// caller.
func (k *KafkaLog) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := k.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
	})
	return errors.Wrapf(err, "publish to %s", topic)
}

// Subscribe implements Log. Each subscriber is one member of the consumer
// group; Kafka assigns it a disjoint set of partitions. Commits are
// explicit and synchronous (CommitInterval zero): the offset moves only
// after the step work is durable.
func (k *KafkaLog) Subscribe(topic, group string) Subscriber {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: k.brokers,
		GroupID: group,
		Topic:   topic,
		// Groups that never commit (the timer coordinator) replay the topic
		// from the start on every rejoin; committed groups resume normally.
		StartOffset: kafka.FirstOffset,
		MinBytes:    kafkaMinBytes,
		MaxBytes:    kafkaMaxBytes,
	})

	k.mu.Lock()
	k.readers = append(k.readers, r)
	k.mu.Unlock()

	return &kafkaSubscriber{reader: r, topic: topic}
}

// Close implements Log.
func (k *KafkaLog) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true

	var firstErr error
	for _, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range k.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	log.Println("📡 Kafka log adapter closed")
	return errors.Wrap(firstErr, "close kafka adapter")
}

type kafkaSubscriber struct {
	reader *kafka.Reader
	topic  string
}

// Fetch implements Subscriber. Transport failures surface as errors; an
// empty partition blocks until a record arrives or ctx is cancelled.
func (s *kafkaSubscriber) Fetch(ctx context.Context) (Message, error) {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Message{}, errors.Wrapf(err, "fetch from %s", s.topic)
	}
	return Message{
		Topic:     m.Topic,
		Key:       string(m.Key),
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
	}, nil
}

// Commit implements Subscriber.
func (s *kafkaSubscriber) Commit(ctx context.Context, msg Message) error {
	err := s.reader.CommitMessages(ctx, kafka.Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	return errors.Wrapf(err, "commit offset on %s", s.topic)
}

// Close implements Subscriber.
func (s *kafkaSubscriber) Close() error {
	return errors.Wrap(s.reader.Close(), "close kafka reader")
}
