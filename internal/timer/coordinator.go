// Package timer is the per-turn deadline coordinator. It watches the output
// log for turn-advancing events, arms one deadline per running game, and
// publishes a timeout command into the input log when a player runs out the
// clock. The turn engine's gating rules resolve all races: a stale timeout
// is recorded and ignored, never applied.
package timer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"cowboy-core/internal/api"
	"cowboy-core/internal/game"
	"cowboy-core/internal/stream"
)

// Config carries the coordinator's wiring parameters.
type Config struct {
	CommandTopic string
	StepTopic    string
}

// deadline is one armed turn timer, remembering the turn and player it was
// scheduled for.
type deadline struct {
	timer    *time.Timer
	turnNo   int64
	playerID string
}

// Coordinator observes step events and enforces turn timeouts.
//
// The coordinator never commits offsets: on restart it replays the output
// log from the start, and the last turn-advancing event of each game
// rebuilds its deadline (GAME_FINISHED rows cancel along the way). Stale
// deadlines fired during replay publish timeout commands under old turn
// numbers, which the engine's turn gating records as IGNORED_TIMEOUT.
type Coordinator struct {
	cfg Config
	log stream.Log
	now func() time.Time

	mu        sync.Mutex
	deadlines map[string]*deadline

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoordinator creates the coordinator. It does not consume until Start.
func NewCoordinator(cfg Config, lg stream.Log) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		log:       lg,
		now:       time.Now,
		deadlines: make(map[string]*deadline),
	}
}

// SetClock replaces the coordinator clock for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// Start launches the event consumer loop.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run(ctx)
	log.Printf("⏱️ Timer coordinator started on %s", c.cfg.StepTopic)
}

// Stop cancels the consumer and disarms every deadline.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.mu.Lock()
	for gameID, d := range c.deadlines {
		d.timer.Stop()
		delete(c.deadlines, gameID)
	}
	c.mu.Unlock()
	log.Println("🛑 Timer coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	sub := c.log.Subscribe(c.cfg.StepTopic, stream.TimerGroup)
	defer sub.Close()

	for {
		msg, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, stream.ErrClosed) {
				return
			}
			log.Printf("⚠️ timer fetch error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.observe(ctx, msg)
	}
}

// observe reacts to one step event.
func (c *Coordinator) observe(ctx context.Context, msg stream.Message) {
	rec, err := game.DecodeStep(msg.Value)
	if err != nil {
		log.Printf("⚠️ timer ignoring undecodable step event: %v", err)
		return
	}

	switch {
	case rec.EventType == game.EventGameFinished:
		c.cancelDeadline(rec.GameID)

	case rec.TurnAdvancing() && rec.StateAfter != nil && rec.StateAfter.Status == game.StatusRunning:
		c.armDeadline(ctx, rec.GameID, rec.StateAfter)
	}
	// Non-advancing steps (INVALID_*, IGNORED, DUPLICATE) leave the
	// existing deadline running: the turn did not restart.
}

// armDeadline replaces the game's pending deadline with one for the new
// turn.
func (c *Coordinator) armDeadline(ctx context.Context, gameID string, st *game.State) {
	due := st.TurnStartedAt.Add(time.Duration(st.TurnTimeoutSeconds) * time.Second)
	wait := due.Sub(c.now())
	if wait < 0 {
		wait = 0
	}

	turnNo := st.TurnNo
	playerID := st.CurrentPlayerID

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.deadlines[gameID]; ok {
		// Re-arming the same turn (redelivered event) keeps the running
		// timer; a new turn replaces it.
		if prev.turnNo == turnNo && prev.playerID == playerID {
			return
		}
		prev.timer.Stop()
		api.RecordDeadlineCancelled()
	}

	c.deadlines[gameID] = &deadline{
		turnNo:   turnNo,
		playerID: playerID,
		timer: time.AfterFunc(wait, func() {
			c.fire(ctx, gameID, turnNo, playerID)
		}),
	}
	api.RecordDeadlineArmed()
}

// cancelDeadline disarms a finished game.
func (c *Coordinator) cancelDeadline(gameID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.deadlines[gameID]; ok {
		d.timer.Stop()
		delete(c.deadlines, gameID)
		api.RecordDeadlineCancelled()
	}
}

// fire publishes the timeout command for an expired turn. The captured turn
// number makes the command self-gating: if the player acted in the
// meantime, the engine records the timeout as ignored.
func (c *Coordinator) fire(ctx context.Context, gameID string, turnNo int64, playerID string) {
	c.mu.Lock()
	if d, ok := c.deadlines[gameID]; ok && d.turnNo == turnNo {
		delete(c.deadlines, gameID)
	}
	c.mu.Unlock()

	cmd := game.NewTimeoutCommand(playerID, turnNo, c.now())
	data, err := cmd.Encode()
	if err != nil {
		log.Printf("⚠️ timer failed to encode timeout for %s: %v", gameID, err)
		return
	}

	if err := stream.Retry(ctx, "publish timeout command", api.RecordPublishRetry, func() error {
		return c.log.Publish(ctx, c.cfg.CommandTopic, gameID, data)
	}); err != nil {
		log.Printf("⚠️ timer gave up publishing timeout for %s turn %d: %v", gameID, turnNo, err)
		return
	}

	api.RecordDeadlineFired()
	log.Printf("⏰ turn %d timed out for %s in game %s", turnNo, playerID, gameID)
}

// PendingDeadlines returns how many deadlines are armed, for tests and
// stats.
func (c *Coordinator) PendingDeadlines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deadlines)
}
