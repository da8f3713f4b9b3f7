// Package stream is the ordered log adapter: a bounded producer/consumer
// surface over a partitioned log keyed by game id. Delivery is
// at-least-once with per-partition FIFO; consumers dedupe by command_id or
// step_seq. The production implementation is Kafka; MemLog provides the
// same semantics in-process for tests and development.
package stream

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
)

// Topic names shared by all components.
const (
	// CommandTopic is the input log: command envelopes keyed by game_id,
	// written by the ingress, the timer coordinator and the control API.
	CommandTopic = "cowboy.commands"

	// StepTopic is the output log: step records keyed by game_id, written
	// by the turn engine.
	StepTopic = "cowboy.steps"
)

// Consumer group ids.
const (
	EngineGroup = "cowboy-engine"
	TimerGroup  = "cowboy-timer"
)

// ErrClosed is returned by Fetch once the log has been shut down. Apart from
// context cancellation, it is the only non-transport way a Fetch ends: an
// empty partition blocks instead.
var ErrClosed = errors.New("stream: log closed")

// Message is one record read from a topic partition.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int
	Offset    int64
}

// Publisher appends records to a topic. Publish blocks under producer
// backpressure and returns only transport errors; ordering per key is
// guaranteed by the log.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Subscriber is one member of a consumer group. Fetch blocks until a record
// is available and yields records in partition order; Commit acknowledges a
// record after its work is durable.
type Subscriber interface {
	Fetch(ctx context.Context) (Message, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Log is the full adapter surface.
type Log interface {
	Publisher
	Subscribe(topic, group string) Subscriber
	Close() error
}

// Backoff parameters for transient transport failures. Retries block the
// caller: a per-game worker must never skip work.
const (
	backoffInitial = 100 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Retry runs fn until it succeeds or ctx is cancelled, backing off
// exponentially between attempts. onRetry, if non-nil, observes each
// failure (metrics).
func Retry(ctx context.Context, label string, onRetry func(), fn func() error) error {
	delay := backoffInitial
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry()
		}
		log.Printf("⚠️ %s failed (attempt %d), retrying in %s: %v", label, attempt, delay, err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
}
