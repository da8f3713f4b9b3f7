package game

import (
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// emptyMap builds an all-empty rows x cols grid.
func emptyMap(rows, cols int) Map {
	cells := make([][]int, rows)
	for i := range cells {
		cells[i] = make([]int, cols)
	}
	return Map{Rows: rows, Cols: cols, Cells: cells}
}

// twoPlayerState builds a RUNNING game with players A and B at the given
// positions, both shields up, A to act on turn 1.
func twoPlayerState(rows, cols int, aRow, aCol, bRow, bCol int) *State {
	return &State{
		GameID: "g1",
		Status: StatusRunning,
		Map:    emptyMap(rows, cols),
		Players: []*Player{
			{ID: "p-a", Name: "A", Row: aRow, Col: aCol, HP: InitialHP, ShieldDirection: DirUp, Alive: true},
			{ID: "p-b", Name: "B", Row: bRow, Col: bCol, HP: InitialHP, ShieldDirection: DirUp, Alive: true},
		},
		TurnNo:             1,
		RoundNo:            1,
		CurrentPlayerID:    "p-a",
		TurnStartedAt:      testNow,
		TurnTimeoutSeconds: DefaultTurnTimeoutSeconds,
	}
}

func userCmd(playerID string, cmdType CommandType, dir Direction, turnNo int64) *Command {
	return &Command{
		CommandID: "c-" + playerID + "-" + string(cmdType),
		Source:    SourceUser,
		PlayerID:  playerID,
		Type:      cmdType,
		Direction: dir,
		TurnNo:    turnNo,
		SentAt:    testNow,
	}
}

// TestMoveClearsCell covers the basic move scenario: A moves right on a 3x3
// grid, the turn passes to B.
func TestMoveClearsCell(t *testing.T) {
	st := twoPlayerState(3, 3, 0, 0, 2, 2)

	out := Evaluate(st, userCmd("p-a", CmdMove, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	a := out.State.PlayerByID("p-a")
	if a.Row != 0 || a.Col != 1 {
		t.Errorf("expected A at (0,1), got (%d,%d)", a.Row, a.Col)
	}
	if out.State.TurnNo != 2 {
		t.Errorf("expected turn_no 2, got %d", out.State.TurnNo)
	}
	if out.State.CurrentPlayerID != "p-b" {
		t.Errorf("expected current player p-b, got %s", out.State.CurrentPlayerID)
	}
	// The input state must be untouched.
	if st.PlayerByID("p-a").Col != 0 {
		t.Error("evaluate mutated its input state")
	}
}

// TestMoveRejections covers the three move failure reasons.
func TestMoveRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*State)
		dir    Direction
		reason string
	}{
		{"off the grid", func(st *State) {}, DirUp, "out-of-bounds"},
		{"into a block", func(st *State) { st.Map.Cells[0][1] = 3 }, DirRight, "blocked"},
		{"into indestructible block", func(st *State) { st.Map.Cells[0][1] = CellIndestructible }, DirRight, "blocked"},
		{"into a player", func(st *State) {
			b := st.PlayerByID("p-b")
			b.Row, b.Col = 0, 1
		}, DirRight, "occupied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := twoPlayerState(3, 3, 0, 0, 2, 2)
			tt.setup(st)

			out := Evaluate(st, userCmd("p-a", CmdMove, tt.dir, 1), testNow)

			if out.Status != ResultInvalidCommand {
				t.Fatalf("expected INVALID_COMMAND, got %s", out.Status)
			}
			if out.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, out.Reason)
			}
			if out.State.TurnNo != 1 {
				t.Error("rejected move must not advance the turn")
			}
		})
	}
}

// TestMoveIntoDeadPlayerCell: dead players vacate their cell, so moving onto
// it succeeds.
func TestMoveIntoDeadPlayerCell(t *testing.T) {
	st := &State{
		GameID: "g1",
		Status: StatusRunning,
		Map:    emptyMap(3, 3),
		Players: []*Player{
			{ID: "p-a", Name: "A", Row: 0, Col: 0, HP: InitialHP, ShieldDirection: DirUp, Alive: true},
			{ID: "p-b", Name: "B", Row: 0, Col: 1, HP: 0, ShieldDirection: DirUp, Alive: false},
			{ID: "p-c", Name: "C", Row: 2, Col: 2, HP: InitialHP, ShieldDirection: DirUp, Alive: true},
		},
		TurnNo: 1, RoundNo: 1, CurrentPlayerID: "p-a",
		TurnStartedAt: testNow, TurnTimeoutSeconds: DefaultTurnTimeoutSeconds,
	}

	out := Evaluate(st, userCmd("p-a", CmdMove, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("moving onto a dead player's cell should succeed, got %s (%s)", out.Status, out.Reason)
	}
	if a := out.State.PlayerByID("p-a"); a.Col != 1 {
		t.Errorf("expected A at col 1, got %d", a.Col)
	}
}

// TestShootPerpendicularMiss is spec scenario 2: the sweeps traverse the
// whole column without a target.
func TestShootPerpendicularMiss(t *testing.T) {
	st := twoPlayerState(5, 5, 2, 0, 1, 2)
	st.PlayerByID("p-b").ShieldDirection = DirDown

	out := Evaluate(st, userCmd("p-a", CmdShoot, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if hp := out.State.PlayerByID("p-b").HP; hp != InitialHP {
		t.Errorf("no sweep reaches B, expected HP %d, got %d", InitialHP, hp)
	}
	if out.State.TurnNo != 2 {
		t.Error("zero-damage shot still consumes the turn")
	}
}

// TestShootParallelMiss is spec scenario 3: B sits on the shooter's row but
// past the entry cell, where no perpendicular sweep can reach.
func TestShootParallelMiss(t *testing.T) {
	st := twoPlayerState(5, 5, 2, 0, 2, 2)

	out := Evaluate(st, userCmd("p-a", CmdShoot, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if hp := out.State.PlayerByID("p-b").HP; hp != InitialHP {
		t.Errorf("expected B undamaged at %d HP, got %d", InitialHP, hp)
	}
}

// TestShootTHit is spec scenario 4: the up sweep from the entry cell reaches
// B whose shield faces up, not back toward the sweep, so B takes damage.
func TestShootTHit(t *testing.T) {
	st := twoPlayerState(5, 5, 2, 0, 1, 1)

	out := Evaluate(st, userCmd("p-a", CmdShoot, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if hp := out.State.PlayerByID("p-b").HP; hp != InitialHP-1 {
		t.Errorf("expected B at %d HP, got %d", InitialHP-1, hp)
	}
}

// TestShootBlockedByShield is spec scenario 5: B's shield faces down, back
// toward the upward-travelling sweep, and blocks it.
func TestShootBlockedByShield(t *testing.T) {
	st := twoPlayerState(5, 5, 2, 0, 1, 1)
	st.PlayerByID("p-b").ShieldDirection = DirDown

	out := Evaluate(st, userCmd("p-a", CmdShoot, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if hp := out.State.PlayerByID("p-b").HP; hp != InitialHP {
		t.Errorf("shield should block, expected %d HP, got %d", InitialHP, hp)
	}
}

// TestShootRejections covers own-shield and entry-cell failures.
func TestShootRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*State)
		dir    Direction
		reason string
	}{
		{"own shield direction", func(st *State) {
			st.PlayerByID("p-a").ShieldDirection = DirRight
		}, DirRight, "cannot shoot through own shield"},
		{"entry out of bounds", func(st *State) {
			a := st.PlayerByID("p-a")
			a.Row, a.Col = 0, 0
			a.ShieldDirection = DirDown
		}, DirUp, "entry cell out-of-bounds"},
		{"entry blocked", func(st *State) { st.Map.Cells[2][1] = 1 }, DirRight, "entry cell blocked"},
		{"entry occupied", func(st *State) {
			b := st.PlayerByID("p-b")
			b.Row, b.Col = 2, 1
		}, DirRight, "entry cell occupied"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := twoPlayerState(5, 5, 2, 0, 4, 4)
			tt.setup(st)

			out := Evaluate(st, userCmd("p-a", CmdShoot, tt.dir, 1), testNow)

			if out.Status != ResultInvalidCommand {
				t.Fatalf("expected INVALID_COMMAND, got %s (%s)", out.Status, out.Reason)
			}
			if out.Reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, out.Reason)
			}
		})
	}
}

// TestShootDamagesBlocks: a sweep stops at the first block, decrements
// destructible strength and clears the cell at zero, while indestructible
// blocks absorb the hit.
func TestShootDamagesBlocks(t *testing.T) {
	st := twoPlayerState(5, 5, 2, 0, 4, 4)
	st.Map.Cells[0][1] = 2                  // up sweep target after one empty cell
	st.Map.Cells[3][1] = CellIndestructible // down sweep target

	out := Evaluate(st, userCmd("p-a", CmdShoot, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if got := out.State.Map.Cells[0][1]; got != 1 {
		t.Errorf("destructible block should drop to 1, got %d", got)
	}
	if got := out.State.Map.Cells[3][1]; got != CellIndestructible {
		t.Errorf("indestructible block must not change, got %d", got)
	}

	// Shoot again as A on the next round to destroy the weakened block.
	st2 := out.State.Clone()
	st2.CurrentPlayerID = "p-a"
	st2.Map.Cells[0][1] = 1
	out2 := Evaluate(st2, userCmd("p-a", CmdShoot, DirRight, st2.TurnNo), testNow)
	if out2.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s", out2.Status)
	}
	if got := out2.State.Map.Cells[0][1]; got != CellEmpty {
		t.Errorf("block at zero strength should clear, got %d", got)
	}
}

// TestShootSweepStopsAtFirstTarget: a block shields the player standing
// behind it on the same sweep path.
func TestShootSweepStopsAtFirstTarget(t *testing.T) {
	st := twoPlayerState(5, 5, 2, 0, 0, 1)
	st.Map.Cells[1][1] = 5

	out := Evaluate(st, userCmd("p-a", CmdShoot, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if got := out.State.Map.Cells[1][1]; got != 4 {
		t.Errorf("block should absorb the sweep, got strength %d", got)
	}
	if hp := out.State.PlayerByID("p-b").HP; hp != InitialHP {
		t.Errorf("player behind block must be untouched, got %d HP", hp)
	}
}

// TestShieldAndSpeak: both set their effect and consume the turn.
func TestShieldAndSpeak(t *testing.T) {
	st := twoPlayerState(3, 3, 0, 0, 2, 2)

	out := Evaluate(st, userCmd("p-a", CmdShield, DirLeft, 1), testNow)
	if out.Status != ResultApplied {
		t.Fatalf("shield: expected APPLIED, got %s", out.Status)
	}
	if got := out.State.PlayerByID("p-a").ShieldDirection; got != DirLeft {
		t.Errorf("expected shield left, got %s", got)
	}
	if out.State.TurnNo != 2 {
		t.Error("shield must consume the turn")
	}

	st = twoPlayerState(3, 3, 0, 0, 2, 2)
	speak := userCmd("p-a", CmdSpeak, "", 1)
	speak.SpeakText = "yeehaw"
	out = Evaluate(st, speak, testNow)
	if out.Status != ResultApplied {
		t.Fatalf("speak: expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if out.State.TurnNo != 2 {
		t.Error("speak is a full turn action")
	}
}

// TestSpeakValidation rejects empty and oversized text.
func TestSpeakValidation(t *testing.T) {
	st := twoPlayerState(3, 3, 0, 0, 2, 2)

	out := Evaluate(st, userCmd("p-a", CmdSpeak, "", 1), testNow)
	if out.Status != ResultInvalidCommand {
		t.Errorf("empty speak_text: expected INVALID_COMMAND, got %s", out.Status)
	}

	long := userCmd("p-a", CmdSpeak, "", 1)
	for i := 0; i <= MaxSpeakLen; i++ {
		long.SpeakText += "y"
	}
	out = Evaluate(st, long, testNow)
	if out.Status != ResultInvalidCommand {
		t.Errorf("oversized speak_text: expected INVALID_COMMAND, got %s", out.Status)
	}
}

// TestTimeoutAdvancesTurn is spec scenario 6.
func TestTimeoutAdvancesTurn(t *testing.T) {
	st := twoPlayerState(3, 3, 0, 0, 2, 2)
	cmd := NewTimeoutCommand("p-a", 1, testNow.Add(10*time.Second))

	out := Evaluate(st, cmd, testNow.Add(10*time.Second))

	if out.Status != ResultTimeoutApplied {
		t.Fatalf("expected TIMEOUT_APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if out.State.TurnNo != 2 {
		t.Errorf("expected turn_no 2, got %d", out.State.TurnNo)
	}
	if out.State.CurrentPlayerID != "p-b" {
		t.Errorf("expected current player p-b, got %s", out.State.CurrentPlayerID)
	}
	if a := out.State.PlayerByID("p-a"); a.Row != 0 || a.Col != 0 || a.HP != InitialHP {
		t.Error("timeout must not change anything but the turn")
	}
}

// TestStaleTimeoutIgnored: a timeout that lost the race against the user's
// command arrives under an old turn number and is ignored.
func TestStaleTimeoutIgnored(t *testing.T) {
	st := twoPlayerState(3, 3, 0, 0, 2, 2)
	st.TurnNo = 2
	st.CurrentPlayerID = "p-b"

	out := Evaluate(st, NewTimeoutCommand("p-a", 1, testNow), testNow)

	if out.Status != ResultIgnoredTimeout {
		t.Fatalf("expected IGNORED_TIMEOUT, got %s", out.Status)
	}
	if out.State.TurnNo != 2 {
		t.Error("ignored timeout must not touch state")
	}
}

// TestTurnGating covers actor and turn-number gating.
func TestTurnGating(t *testing.T) {
	tests := []struct {
		name   string
		cmd    *Command
		status ResultStatus
	}{
		{"wrong player", userCmd("p-b", CmdMove, DirUp, 1), ResultInvalidTurn},
		{"stale turn", userCmd("p-a", CmdMove, DirRight, 0), ResultIgnoredTimeout},
		{"future turn", userCmd("p-a", CmdMove, DirRight, 5), ResultInvalidTurn},
		{"user forges timeout", userCmd("p-a", CmdTimeout, "", 1), ResultInvalidCommand},
		{"user forges game_started", userCmd("p-a", CmdGameStarted, "", 1), ResultInvalidCommand},
		{"bot forges force_finish", func() *Command {
			c := userCmd("p-a", CmdForceFinish, "", 1)
			c.Source = SourceBot
			return c
		}(), ResultInvalidCommand},
		{"timer sends move", func() *Command {
			c := userCmd("p-a", CmdMove, DirRight, 1)
			c.Source = SourceTimer
			return c
		}(), ResultInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := twoPlayerState(3, 3, 0, 0, 2, 2)
			out := Evaluate(st, tt.cmd, testNow)
			if out.Status != tt.status {
				t.Errorf("expected %s, got %s (%s)", tt.status, out.Status, out.Reason)
			}
			if out.State.TurnNo != 1 {
				t.Error("rejected command must not advance the turn")
			}
		})
	}
}

// TestGameFinish is spec scenario 8: the killing shot flips the game to
// FINISHED with the shooter as the sole survivor.
func TestGameFinish(t *testing.T) {
	st := twoPlayerState(5, 5, 2, 0, 1, 1)
	st.PlayerByID("p-a").HP = 1
	st.PlayerByID("p-b").HP = 1

	out := Evaluate(st, userCmd("p-a", CmdShoot, DirRight, 1), testNow)

	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	b := out.State.PlayerByID("p-b")
	if b.HP != 0 || b.Alive {
		t.Errorf("expected B dead at 0 HP, got hp=%d alive=%v", b.HP, b.Alive)
	}
	if out.State.Status != StatusFinished {
		t.Errorf("expected FINISHED, got %s", out.State.Status)
	}
	if out.State.AliveCount() != 1 {
		t.Errorf("expected one survivor, got %d", out.State.AliveCount())
	}
}

// TestTurnRotationSkipsDead: rotation walks slot order and skips dead slots,
// bumping round_no on wrap.
func TestTurnRotationSkipsDead(t *testing.T) {
	st := &State{
		GameID: "g1",
		Status: StatusRunning,
		Map:    emptyMap(4, 4),
		Players: []*Player{
			{ID: "p-a", Name: "A", Row: 0, Col: 0, HP: InitialHP, ShieldDirection: DirUp, Alive: true},
			{ID: "p-b", Name: "B", Row: 0, Col: 3, HP: 0, ShieldDirection: DirUp, Alive: false},
			{ID: "p-c", Name: "C", Row: 3, Col: 0, HP: InitialHP, ShieldDirection: DirUp, Alive: true},
			{ID: "p-d", Name: "D", Row: 3, Col: 3, HP: InitialHP, ShieldDirection: DirUp, Alive: true},
		},
		TurnNo: 7, RoundNo: 3, CurrentPlayerID: "p-a",
		TurnStartedAt: testNow, TurnTimeoutSeconds: DefaultTurnTimeoutSeconds,
	}

	out := Evaluate(st, userCmd("p-a", CmdMove, DirDown, 7), testNow)
	if out.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out.Status, out.Reason)
	}
	if out.State.CurrentPlayerID != "p-c" {
		t.Errorf("rotation should skip dead B, got %s", out.State.CurrentPlayerID)
	}
	if out.State.RoundNo != 3 {
		t.Errorf("no wrap yet, round should stay 3, got %d", out.State.RoundNo)
	}

	// D acts; rotation wraps back to A and the round increments.
	st2 := out.State.Clone()
	st2.CurrentPlayerID = "p-d"
	out2 := Evaluate(st2, userCmd("p-d", CmdMove, DirUp, st2.TurnNo), testNow)
	if out2.Status != ResultApplied {
		t.Fatalf("expected APPLIED, got %s (%s)", out2.Status, out2.Reason)
	}
	if out2.State.CurrentPlayerID != "p-a" {
		t.Errorf("rotation should wrap to A, got %s", out2.State.CurrentPlayerID)
	}
	if out2.State.RoundNo != 4 {
		t.Errorf("wrap should bump round to 4, got %d", out2.State.RoundNo)
	}
}

// TestEvaluateDeterminism: identical inputs produce identical marshaled
// outputs, the property replay depends on.
func TestEvaluateDeterminism(t *testing.T) {
	run := func() []byte {
		st := twoPlayerState(5, 5, 2, 0, 1, 1)
		out := Evaluate(st, userCmd("p-a", CmdShoot, DirRight, 1), testNow)
		rec := &StepRecord{
			GameID:       "g1",
			StepSeq:      2,
			TurnNo:       1,
			RoundNo:      1,
			Command:      *userCmd("p-a", CmdShoot, DirRight, 1),
			ResultStatus: out.Status,
			EventType:    DeriveEventType(CmdShoot, out.Status),
			StateAfter:   out.State,
			CreatedAt:    testNow,
		}
		data, err := rec.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		return data
	}

	first := run()
	for i := 0; i < 10; i++ {
		if string(run()) != string(first) {
			t.Fatal("evaluate+marshal is not deterministic")
		}
	}
}
