package game

import (
	"fmt"
	"time"
)

// Outcome is the result of evaluating one command against a state. When the
// command mutated the game, State is a fresh copy carrying the mutation;
// otherwise it is the input state untouched.
type Outcome struct {
	Status ResultStatus
	Reason string
	State  *State
}

func rejected(st *State, status ResultStatus, reason string) Outcome {
	return Outcome{Status: status, Reason: reason, State: st}
}

// Evaluate applies the rules of the grid combat world to a single command.
// It is a pure function: no I/O, no clock reads (the turn-advance instant is
// the now argument), identical inputs produce identical outputs. The engine
// replays it during recovery, so any nondeterminism here corrupts games.
func Evaluate(st *State, cmd *Command, now time.Time) Outcome {
	// Source discipline first: users may not forge timer or lifecycle
	// commands, and the timer only ever emits timeouts.
	switch cmd.Source {
	case SourceUser, SourceBot:
		switch cmd.Type {
		case CmdTimeout, CmdGameStarted, CmdForceFinish, CmdGameFinished:
			return rejected(st, ResultInvalidCommand,
				fmt.Sprintf("source %s may not send %s", cmd.Source, cmd.Type))
		}
	case SourceTimer:
		if cmd.Type != CmdTimeout {
			return rejected(st, ResultInvalidCommand,
				fmt.Sprintf("timer may only send timeout, got %s", cmd.Type))
		}
	}

	action, err := cmd.Hydrate()
	if err != nil {
		return rejected(st, ResultInvalidCommand, err.Error())
	}

	// Turn gating. A stale turn number means the turn was already consumed
	// by whichever command won the race (user action vs timeout); the loser
	// is recorded and ignored.
	if cmd.TurnNo < st.TurnNo {
		return rejected(st, ResultIgnoredTimeout,
			fmt.Sprintf("turn %d already consumed, now at %d", cmd.TurnNo, st.TurnNo))
	}
	if cmd.TurnNo > st.TurnNo {
		return rejected(st, ResultInvalidTurn,
			fmt.Sprintf("turn %d is ahead of current %d", cmd.TurnNo, st.TurnNo))
	}
	if cmd.PlayerID != st.CurrentPlayerID {
		return rejected(st, ResultInvalidTurn,
			fmt.Sprintf("not %s's turn", cmd.PlayerID))
	}

	switch a := action.(type) {
	case MoveAction:
		return evalMove(st, cmd.PlayerID, a.Direction, now)
	case ShootAction:
		return evalShoot(st, cmd.PlayerID, a.Direction, now)
	case ShieldAction:
		return evalShield(st, cmd.PlayerID, a.Direction, now)
	case SpeakAction:
		return evalSpeak(st, now)
	case TimeoutAction:
		next := st.Clone()
		next.advanceTurn(now)
		return Outcome{Status: ResultTimeoutApplied, State: next}
	}
	return rejected(st, ResultInvalidCommand, fmt.Sprintf("unhandled command_type %q", cmd.Type))
}

func evalMove(st *State, playerID string, dir Direction, now time.Time) Outcome {
	p := st.PlayerByID(playerID)
	dRow, dCol := dir.Delta()
	row, col := p.Row+dRow, p.Col+dCol

	if !st.Map.InBounds(row, col) {
		return rejected(st, ResultInvalidCommand, "out-of-bounds")
	}
	if st.Map.IsBlock(row, col) {
		return rejected(st, ResultInvalidCommand, "blocked")
	}
	if st.AlivePlayerAt(row, col) != nil {
		return rejected(st, ResultInvalidCommand, "occupied")
	}

	next := st.Clone()
	mover := next.PlayerByID(playerID)
	mover.Row, mover.Col = row, col
	next.advanceTurn(now)
	return Outcome{Status: ResultApplied, State: next}
}

func evalShield(st *State, playerID string, dir Direction, now time.Time) Outcome {
	next := st.Clone()
	next.PlayerByID(playerID).ShieldDirection = dir
	next.advanceTurn(now)
	return Outcome{Status: ResultApplied, State: next}
}

func evalSpeak(st *State, now time.Time) Outcome {
	next := st.Clone()
	next.advanceTurn(now)
	return Outcome{Status: ResultApplied, State: next}
}

// evalShoot resolves the T-shaped laser. The beam enters the adjacent cell
// in the shoot direction, then splits into two perpendicular sweeps; each
// sweep damages the first block or alive player in its path.
func evalShoot(st *State, playerID string, dir Direction, now time.Time) Outcome {
	shooter := st.PlayerByID(playerID)
	if dir == shooter.ShieldDirection {
		return rejected(st, ResultInvalidCommand, "cannot shoot through own shield")
	}

	dRow, dCol := dir.Delta()
	entryRow, entryCol := shooter.Row+dRow, shooter.Col+dCol
	if !st.Map.InBounds(entryRow, entryCol) {
		return rejected(st, ResultInvalidCommand, "entry cell out-of-bounds")
	}
	if st.Map.IsBlock(entryRow, entryCol) {
		return rejected(st, ResultInvalidCommand, "entry cell blocked")
	}
	if st.AlivePlayerAt(entryRow, entryCol) != nil {
		return rejected(st, ResultInvalidCommand, "entry cell occupied")
	}

	next := st.Clone()
	s1, s2 := dir.Perpendicular()
	runSweep(next, entryRow, entryCol, s1)
	runSweep(next, entryRow, entryCol, s2)
	next.advanceTurn(now)
	return Outcome{Status: ResultApplied, State: next}
}

// runSweep advances cell by cell from the entry cell until it leaves the
// grid (no impact) or reaches the first block or alive player.
func runSweep(st *State, entryRow, entryCol int, travel Direction) {
	dRow, dCol := travel.Delta()
	row, col := entryRow, entryCol
	for {
		row += dRow
		col += dCol
		if !st.Map.InBounds(row, col) {
			return
		}
		if st.Map.IsBlock(row, col) {
			st.Map.DamageBlock(row, col)
			return
		}
		if target := st.AlivePlayerAt(row, col); target != nil {
			// The shield blocks exactly when it faces back toward where the
			// sweep came from.
			if target.ShieldDirection != travel.Opposite() {
				target.HP--
				if target.HP <= 0 {
					target.HP = 0
					target.Alive = false
				}
			}
			return
		}
	}
}
