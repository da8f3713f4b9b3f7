package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cowboy-core/internal/api"
	"cowboy-core/internal/audit"
	"cowboy-core/internal/game"
	"cowboy-core/internal/stream"
)

// runtime is the single logical writer for one game. It is owned by exactly
// one worker loop (the game's input partition has one consumer), so nothing
// here needs locking.
type runtime struct {
	gameID string
	m      *Manager

	state       *game.State // nil until bootstrapped
	lastSeq     int64
	recent      *dedupeIndex
	finished    bool
	quarantined bool

	// lastStatus is the result status of the most recent step, for metrics;
	// empty when the record produced no step.
	lastStatus game.ResultStatus
}

func newRuntime(gameID string, m *Manager) *runtime {
	return &runtime{
		gameID: gameID,
		m:      m,
		recent: newDedupeIndex(m.cfg.DedupeIndexSize),
	}
}

// handle consumes one command envelope for this game.
func (rt *runtime) handle(ctx context.Context, cmd *game.Command) {
	rt.lastStatus = ""

	if rt.quarantined {
		api.RecordSkippedCommand("quarantined")
		return
	}

	if rt.state == nil {
		consumed := rt.bootstrap(ctx, cmd)
		if consumed || rt.state == nil || rt.quarantined {
			return
		}
	}

	// A finished game consumes nothing further: late commands are ignored
	// without persistence, the GAME_FINISHED row stays terminal.
	if rt.finished || rt.state.Status == game.StatusFinished {
		api.RecordSkippedCommand("finished")
		return
	}

	// Dedupe before evaluation: a redelivered command already has its one
	// step record and must not consume another turn.
	if rt.isDuplicate(ctx, cmd.CommandID) {
		rt.emitStep(ctx, cmd, game.ResultDuplicate, "command_id already consumed", rt.state)
		return
	}

	switch cmd.Type {
	case game.CmdGameStarted:
		rt.emitStep(ctx, cmd, game.ResultInvalidCommand, "game already started", rt.state)
		return
	case game.CmdForceFinish:
		// Only system envelopes terminate a game; any other source falls
		// through to the evaluator, which rejects it as INVALID_COMMAND.
		if cmd.Source == game.SourceSystem {
			rt.forceFinish(ctx, cmd)
			return
		}
	case game.CmdGameFinished:
		// Only the engine itself mints these; one arriving on the input log
		// is forged or misrouted.
		rt.emitStep(ctx, cmd, game.ResultInvalidCommand, "game_finished is not an input command", rt.state)
		return
	}

	out := game.Evaluate(rt.state, cmd, rt.m.now())
	rt.emitStep(ctx, cmd, out.Status, out.Reason, out.State)
	rt.state = out.State

	if rt.state.Status == game.StatusFinished {
		rt.emitGameFinished(ctx, "last opponent eliminated")
	}
}

// bootstrap prepares the runtime on first contact: either recover the game
// from the audit trail or, for a game_started envelope, seed a new one.
// Returns true when the command was consumed (or dropped) by the bootstrap
// itself; a recovered runtime returns false so the command proceeds through
// the normal path, where dedupe absorbs redeliveries.
func (rt *runtime) bootstrap(ctx context.Context, cmd *game.Command) bool {
	var recs []*game.StepRecord
	err := stream.Retry(ctx, "scan audit trail", api.RecordPublishRetry, func() error {
		var scanErr error
		recs, scanErr = rt.m.store.Scan(ctx, rt.gameID)
		if errors.Is(scanErr, audit.ErrSeqGap) {
			rt.quarantine(scanErr)
			return nil
		}
		return scanErr
	})
	if err != nil || rt.quarantined {
		return true
	}

	if len(recs) == 0 {
		if cmd.Type != game.CmdGameStarted {
			log.Printf("⚠️ command %s for unknown game %s, skipping", cmd.CommandID, rt.gameID)
			api.RecordSkippedCommand("unknown_game")
			return true
		}
		rt.begin(ctx, cmd)
		return true
	}

	rt.recover(ctx, recs)
	return false
}

// begin seeds a brand-new game from a validated game_started envelope and
// emits the GAME_STARTED step at sequence 1.
func (rt *runtime) begin(ctx context.Context, cmd *game.Command) {
	seed := cmd.GameSeed
	if seed == nil || seed.GameID != rt.gameID {
		log.Printf("⚠️ game_started for %s carries no matching seed, skipping", rt.gameID)
		api.RecordSkippedCommand("malformed")
		return
	}
	if err := seed.ValidateSeed(); err != nil {
		// The control API validates before publishing; a bad seed here means
		// someone wrote to the topic directly.
		log.Printf("⚠️ invalid seed for %s: %v", rt.gameID, err)
		api.RecordSkippedCommand("malformed")
		return
	}

	st := seed.Clone()
	st.Status = game.StatusRunning
	st.TurnNo = 1
	st.RoundNo = 1
	st.CurrentPlayerID = firstSlot(st).ID
	st.TurnStartedAt = rt.m.now()
	for _, p := range st.Players {
		p.HP = game.InitialHP
		p.Alive = true
	}

	rt.state = st
	rt.emitStep(ctx, cmd, game.ResultApplied, "", st)
	log.Printf("🎮 game %s started with %d players", rt.gameID, len(st.Players))
}

// recover rebuilds the runtime from the audit trail. The trail is
// authoritative: the final snapshot is the state, and any rows the output
// log never saw are re-published.
func (rt *runtime) recover(ctx context.Context, recs []*game.StepRecord) {
	last := recs[len(recs)-1]
	st := last.StateAfter
	if st == nil {
		rt.quarantine(fmt.Errorf("step %d has no state snapshot", last.StepSeq))
		return
	}
	if err := st.CheckInvariants(); err != nil {
		rt.quarantine(errors.Wrap(err, "replayed state is inconsistent"))
		return
	}

	rt.state = st.Clone()
	rt.lastSeq = last.StepSeq
	for _, rec := range recs {
		rt.recent.add(rec.Command.CommandID)
	}
	if last.EventType == game.EventGameFinished {
		rt.finished = true
	}

	// Re-publish the tail the output log may have missed: rows appended
	// before a crash but never published.
	var mark int64
	if err := stream.Retry(ctx, "read publish mark", api.RecordPublishRetry, func() error {
		var err error
		mark, err = rt.m.store.PublishMark(ctx, rt.gameID)
		return err
	}); err != nil {
		return
	}
	for _, rec := range recs {
		if rec.StepSeq <= mark {
			continue
		}
		rt.publish(ctx, rec)
	}

	// A crash can also land between the final applied step and its
	// GAME_FINISHED companion; emit the missing terminal row now.
	if rt.state.Status == game.StatusFinished && !rt.finished {
		rt.emitGameFinished(ctx, "last opponent eliminated")
	}

	log.Printf("🔁 game %s recovered at step %d (turn %d, %s)",
		rt.gameID, rt.lastSeq, rt.state.TurnNo, rt.state.Status)
}

// isDuplicate consults the in-memory index first and falls back to the
// audit store's command index.
func (rt *runtime) isDuplicate(ctx context.Context, commandID string) bool {
	if rt.recent.has(commandID) {
		return true
	}
	var found *game.StepRecord
	if err := stream.Retry(ctx, "dedupe lookup", api.RecordPublishRetry, func() error {
		var err error
		found, err = rt.m.store.FindByCommand(ctx, rt.gameID, commandID)
		return err
	}); err != nil {
		return false
	}
	return found != nil
}

// forceFinish terminates an abandoned game administratively.
func (rt *runtime) forceFinish(ctx context.Context, cmd *game.Command) {
	st := rt.state.Clone()
	st.Status = game.StatusFinished
	rt.state = st
	rt.recent.add(cmd.CommandID)

	reason := cmd.Reason
	if reason == "" {
		reason = "force finished"
	}
	rt.emitGameFinished(ctx, reason)
	log.Printf("🛑 game %s force-finished: %s", rt.gameID, reason)
}

// emitGameFinished appends and publishes the terminal lifecycle step and
// stops this runtime.
func (rt *runtime) emitGameFinished(ctx context.Context, reason string) {
	cmd := &game.Command{
		CommandID: uuid.NewString(),
		Source:    game.SourceSystem,
		Type:      game.CmdGameFinished,
		SentAt:    rt.m.now(),
		Reason:    reason,
	}
	rt.emitStep(ctx, cmd, game.ResultApplied, reason, rt.state)
	rt.finished = true
}

// emitStep runs the commit sequence for one step record: allocate the next
// sequence, append to the audit store, publish on the output log, advance
// the publish mark. The caller commits the input offset afterwards.
func (rt *runtime) emitStep(ctx context.Context, cmd *game.Command, status game.ResultStatus, reason string, after *game.State) {
	if rt.quarantined {
		return
	}

	seq := rt.lastSeq + 1
	rec := &game.StepRecord{
		GameID:       rt.gameID,
		StepSeq:      seq,
		TurnNo:       stepTurnNo(cmd, rt.state, after),
		RoundNo:      stepRoundNo(rt.state, after),
		Command:      *cmd,
		ResultStatus: status,
		ResultReason: reason,
		EventType:    game.DeriveEventType(cmd.Type, status),
		StateAfter:   after,
		CreatedAt:    rt.m.now(),
	}

	var appendErr error
	if err := stream.Retry(ctx, "append step record", api.RecordPublishRetry, func() error {
		appendErr = rt.m.store.Append(ctx, rec)
		if errors.Is(appendErr, audit.ErrConflict) {
			return nil // not transient, handled below
		}
		return appendErr
	}); err != nil {
		return
	}
	if errors.Is(appendErr, audit.ErrConflict) {
		rt.quarantine(errors.Wrapf(appendErr, "step %d", seq))
		return
	}

	rt.publish(ctx, rec)

	rt.lastSeq = seq
	rt.recent.add(cmd.CommandID)
	rt.lastStatus = status
}

// publish sends a step record to the output log and advances the publish
// mark. At-least-once: a crash between the two redelivers the step and
// consumers dedupe by step_seq.
func (rt *runtime) publish(ctx context.Context, rec *game.StepRecord) {
	payload, err := rec.Marshal()
	if err != nil {
		rt.quarantine(errors.Wrapf(err, "marshal step %d", rec.StepSeq))
		return
	}
	if err := stream.Retry(ctx, "publish step record", api.RecordPublishRetry, func() error {
		return rt.m.log.Publish(ctx, rt.m.cfg.StepTopic, rt.gameID, payload)
	}); err != nil {
		return
	}
	if err := stream.Retry(ctx, "advance publish mark", api.RecordPublishRetry, func() error {
		return rt.m.store.SetPublishMark(ctx, rt.gameID, rec.StepSeq)
	}); err != nil {
		return
	}
}

// quarantine marks the game corrupted. The process keeps serving every
// other game; this one only answers to operators from here on.
func (rt *runtime) quarantine(err error) {
	rt.quarantined = true
	api.RecordQuarantine(rt.gameID, err)
}

// stepTurnNo picks the turn number recorded on a step: the turn that
// produced the evaluation, which is the pre-mutation turn for consumed
// commands and the post-state turn for lifecycle rows.
func stepTurnNo(cmd *game.Command, before, after *game.State) int64 {
	if cmd.Type == game.CmdGameStarted || cmd.Type == game.CmdGameFinished {
		return after.TurnNo
	}
	if before != nil {
		return before.TurnNo
	}
	return after.TurnNo
}

func stepRoundNo(before, after *game.State) int64 {
	if before != nil {
		return before.RoundNo
	}
	return after.RoundNo
}

// firstSlot returns the player in the earliest slot (A before B before C
// before D), the opening actor of every game.
func firstSlot(st *game.State) *game.Player {
	first := st.Players[0]
	for _, p := range st.Players[1:] {
		if p.Name < first.Name {
			first = p
		}
	}
	return first
}

// dedupeIndex is a bounded FIFO set of recently consumed command ids. It
// short-circuits the common dedupe case; the audit store's command index
// remains the full authority.
type dedupeIndex struct {
	cap   int
	order []string
	set   map[string]struct{}
}

func newDedupeIndex(cap int) *dedupeIndex {
	return &dedupeIndex{
		cap: cap,
		set: make(map[string]struct{}, cap),
	}
}

func (d *dedupeIndex) has(id string) bool {
	_, ok := d.set[id]
	return ok
}

func (d *dedupeIndex) add(id string) {
	if id == "" || d.has(id) {
		return
	}
	d.set[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.cap {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.set, oldest)
	}
}
