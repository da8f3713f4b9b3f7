package stream

import (
	"context"
	"sync"
)

// MemLog is an in-process Log with single-partition-per-topic semantics:
// every topic is one FIFO, which is the strongest form of the per-game
// ordering the Kafka adapter provides. Group offsets survive subscriber
// close, so a re-subscribe resumes from the last commit exactly like a
// consumer-group rejoin. Intended for tests and single-process development;
// one subscriber per group at a time.
type MemLog struct {
	mu      sync.Mutex
	cond    *sync.Cond
	topics  map[string][]Message
	commits map[string]int64 // topic/group -> next offset to deliver
	closed  bool
}

// NewMemLog creates an empty in-memory log.
func NewMemLog() *MemLog {
	m := &MemLog{
		topics:  make(map[string][]Message),
		commits: make(map[string]int64),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Compile-time interface check.
var _ Log = (*MemLog)(nil)

// Publish implements Publisher.
func (m *MemLog) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	v := make([]byte, len(value))
	copy(v, value)
	m.topics[topic] = append(m.topics[topic], Message{
		Topic:  topic,
		Key:    key,
		Value:  v,
		Offset: int64(len(m.topics[topic])),
	})
	m.cond.Broadcast()
	return nil
}

// Subscribe implements Log.
func (m *MemLog) Subscribe(topic, group string) Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &memSubscriber{
		log:    m,
		topic:  topic,
		group:  group,
		cursor: m.commits[topic+"/"+group],
	}
}

// Close implements Log. Blocked Fetch calls return ErrClosed.
func (m *MemLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}

// Messages returns a copy of everything published to a topic, for test
// assertions.
func (m *MemLog) Messages(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.topics[topic]))
	copy(out, m.topics[topic])
	return out
}

type memSubscriber struct {
	log    *MemLog
	topic  string
	group  string
	cursor int64
	closed bool
}

// Fetch implements Subscriber. Blocks until a record is available, the
// subscriber or log is closed, or ctx is cancelled.
func (s *memSubscriber) Fetch(ctx context.Context) (Message, error) {
	m := s.log
	m.mu.Lock()
	defer m.mu.Unlock()

	// Wake the cond wait when the context dies.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	for {
		if s.closed || m.closed {
			return Message{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		if msgs := m.topics[s.topic]; s.cursor < int64(len(msgs)) {
			msg := msgs[s.cursor]
			s.cursor++
			return msg, nil
		}
		m.cond.Wait()
	}
}

// Commit implements Subscriber.
func (s *memSubscriber) Commit(_ context.Context, msg Message) error {
	m := s.log
	m.mu.Lock()
	defer m.mu.Unlock()

	key := s.topic + "/" + s.group
	if next := msg.Offset + 1; next > m.commits[key] {
		m.commits[key] = next
	}
	return nil
}

// Close implements Subscriber.
func (s *memSubscriber) Close() error {
	m := s.log
	m.mu.Lock()
	defer m.mu.Unlock()
	s.closed = true
	m.cond.Broadcast()
	return nil
}
