// Package engine is the turn engine: the only component that mutates
// authoritative game state. It consumes the input log, evaluates commands
// through the pure rule evaluator, and keeps the audit store and output log
// in lock-step, one durable step per consumed command.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cowboy-core/internal/api"
	"cowboy-core/internal/audit"
	"cowboy-core/internal/game"
	"cowboy-core/internal/stream"
)

// Config carries the engine's wiring parameters.
type Config struct {
	CommandTopic    string
	StepTopic       string
	Workers         int // Consumer loops; the log spreads partitions across them
	DedupeIndexSize int // Recent command ids kept per game before falling back to the store
	MaxActiveGames  int // Hard cap on runtimes held by one process
}

// Manager owns all per-game runtimes in this process. Each worker loop owns
// a disjoint set of input partitions, so every game is driven by exactly one
// goroutine: the single logical writer.
type Manager struct {
	cfg   Config
	log   stream.Log
	store audit.Store
	now   func() time.Time

	mu    sync.Mutex
	games map[string]*runtime

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates the engine. Workers do not start until Start.
func NewManager(cfg Config, lg stream.Log, store audit.Store) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.DedupeIndexSize <= 0 {
		cfg.DedupeIndexSize = 256
	}
	return &Manager{
		cfg:   cfg,
		log:   lg,
		store: store,
		now:   time.Now,
		games: make(map[string]*runtime),
	}
}

// SetClock replaces the engine clock. Tests use this to make turn
// timestamps deterministic.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Start launches the consumer loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.runWorker(ctx, i)
	}
	log.Printf("🤠 Turn engine started (%d workers on %s)", m.cfg.Workers, m.cfg.CommandTopic)
}

// Stop cancels the workers and waits for in-flight steps to settle.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	log.Println("🛑 Turn engine stopped")
}

// runWorker is one consumer loop. It processes records strictly in fetch
// order and commits each offset only after the step is durable, so a crash
// replays uncommitted records and dedupe absorbs them.
func (m *Manager) runWorker(ctx context.Context, id int) {
	defer m.wg.Done()

	sub := m.log.Subscribe(m.cfg.CommandTopic, stream.EngineGroup)
	defer sub.Close()

	for {
		msg, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return
			}
			log.Printf("⚠️ worker %d fetch error: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// The step I/O runs on a detached context: once a command is picked
		// up it is finished to a durable state even during shutdown.
		m.process(context.WithoutCancel(ctx), msg)

		if err := stream.Retry(ctx, "commit input offset", api.RecordPublishRetry, func() error {
			return sub.Commit(ctx, msg)
		}); err != nil {
			return
		}
	}
}

// process routes one input record to its game runtime. The record's key is
// the game id; the envelope itself does not repeat it.
func (m *Manager) process(ctx context.Context, msg stream.Message) {
	start := m.now()

	cmd, err := game.DecodeCommand(msg.Value)
	if err != nil {
		// Malformed input cannot yield a step record: there is no command id
		// to dedupe on. The ingress shape-validates, so this is noise or
		// corruption, not a player action.
		log.Printf("⚠️ dropping malformed command on %s/%d@%d: %v",
			msg.Topic, msg.Partition, msg.Offset, err)
		api.RecordSkippedCommand("malformed")
		return
	}
	if msg.Key == "" {
		log.Printf("⚠️ dropping command %s without a game key", cmd.CommandID)
		api.RecordSkippedCommand("malformed")
		return
	}

	rt := m.runtime(msg.Key)
	if rt == nil {
		api.RecordSkippedCommand("quarantined")
		return
	}
	rt.handle(ctx, cmd)

	if status := rt.lastStatus; status != "" {
		api.RecordStep(string(status), m.now().Sub(start))
	}
}

// runtime returns the runtime for a game, creating it on first contact.
// Returns nil when the process is at its game cap.
func (m *Manager) runtime(gameID string) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt, ok := m.games[gameID]; ok {
		return rt
	}
	if m.cfg.MaxActiveGames > 0 && len(m.games) >= m.cfg.MaxActiveGames {
		log.Printf("⚠️ game cap reached (%d), refusing runtime for %s", m.cfg.MaxActiveGames, gameID)
		return nil
	}
	rt := newRuntime(gameID, m)
	m.games[gameID] = rt
	api.SetActiveGames(len(m.games))
	return rt
}

// GameCount returns how many runtimes this process holds.
func (m *Manager) GameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.games)
}
