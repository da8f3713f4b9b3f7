package game

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a game instance.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
)

// Turn timeout bounds in seconds. Seeds outside this range are rejected at
// begin_game.
const (
	DefaultTurnTimeoutSeconds = 120
	MinTurnTimeoutSeconds     = 1
	MaxTurnTimeoutSeconds     = 3600
)

// InitialHP is every player's hit points at game creation.
const InitialHP = 10

// Player is one combatant. ID is the stable opaque identity; Name is the
// slot identity (A-D) that drives turn order.
type Player struct {
	ID              string    `json:"player_id"`
	Name            string    `json:"name"`
	Row             int       `json:"row"`
	Col             int       `json:"col"`
	HP              int       `json:"hp"`
	ShieldDirection Direction `json:"shield_direction"`
	Alive           bool      `json:"alive"`
}

// State is the authoritative snapshot of a single game. It is owned by
// exactly one turn engine runtime; everything else sees copies of it inside
// step records.
type State struct {
	GameID             string    `json:"game_id"`
	Status             Status    `json:"status"`
	Map                Map       `json:"map"`
	Players            []*Player `json:"players"`
	TurnNo             int64     `json:"turn_no"`
	RoundNo            int64     `json:"round_no"`
	CurrentPlayerID    string    `json:"current_player_id"`
	TurnStartedAt      time.Time `json:"turn_started_at"`
	TurnTimeoutSeconds int       `json:"turn_timeout_seconds"`
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	players := make([]*Player, len(s.Players))
	for i, p := range s.Players {
		cp := *p
		players[i] = &cp
	}
	return &State{
		GameID:             s.GameID,
		Status:             s.Status,
		Map:                s.Map.Clone(),
		Players:            players,
		TurnNo:             s.TurnNo,
		RoundNo:            s.RoundNo,
		CurrentPlayerID:    s.CurrentPlayerID,
		TurnStartedAt:      s.TurnStartedAt,
		TurnTimeoutSeconds: s.TurnTimeoutSeconds,
	}
}

// PlayerByID returns the player with the given stable id, or nil.
func (s *State) PlayerByID(id string) *Player {
	for _, p := range s.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// AliveCount returns how many players are still alive.
func (s *State) AliveCount() int {
	n := 0
	for _, p := range s.Players {
		if p.Alive {
			n++
		}
	}
	return n
}

// AlivePlayerAt returns the alive player occupying (row, col), or nil.
// Dead players vacate their cell for all collision purposes.
func (s *State) AlivePlayerAt(row, col int) *Player {
	for _, p := range s.Players {
		if p.Alive && p.Row == row && p.Col == col {
			return p
		}
	}
	return nil
}

// currentSlotIndex returns the slot index of the current player, or -1.
func (s *State) currentSlotIndex() int {
	for i, p := range s.Players {
		if p.ID == s.CurrentPlayerID {
			return i
		}
	}
	return -1
}

// advanceTurn rotates the current actor to the next alive slot (A->B->C->D->A,
// skipping dead slots), bumps round_no on wrap, increments turn_no and stamps
// the new turn start. If at most one player is left alive the game finishes.
func (s *State) advanceTurn(now time.Time) {
	cur := s.currentSlotIndex()
	n := len(s.Players)
	for step := 1; step <= n; step++ {
		idx := (cur + step) % n
		if !s.Players[idx].Alive {
			continue
		}
		if idx <= cur {
			s.RoundNo++
		}
		s.CurrentPlayerID = s.Players[idx].ID
		break
	}
	s.TurnNo++
	s.TurnStartedAt = now
	if s.AliveCount() <= 1 {
		s.Status = StatusFinished
	}
}

// ValidateSeed checks a game instance offered to begin_game: a legal map,
// 1-4 players on distinct in-bounds empty cells, unique slot names, a
// timeout within bounds and status CREATED.
func (s *State) ValidateSeed() error {
	if s.GameID == "" {
		return fmt.Errorf("game_id is required")
	}
	if s.Status != StatusCreated {
		return fmt.Errorf("seed status must be %s, got %q", StatusCreated, s.Status)
	}
	if err := s.Map.Validate(); err != nil {
		return err
	}
	if len(s.Players) < 1 || len(s.Players) > 4 {
		return fmt.Errorf("game needs 1-4 players, got %d", len(s.Players))
	}
	if s.TurnTimeoutSeconds < MinTurnTimeoutSeconds || s.TurnTimeoutSeconds > MaxTurnTimeoutSeconds {
		return fmt.Errorf("turn_timeout_seconds %d outside [%d, %d]",
			s.TurnTimeoutSeconds, MinTurnTimeoutSeconds, MaxTurnTimeoutSeconds)
	}
	seenID := make(map[string]bool, len(s.Players))
	seenName := make(map[string]bool, len(s.Players))
	seenCell := make(map[[2]int]bool, len(s.Players))
	for i, p := range s.Players {
		if p.ID == "" {
			return fmt.Errorf("player %d has empty player_id", i)
		}
		if seenID[p.ID] {
			return fmt.Errorf("duplicate player_id %q", p.ID)
		}
		seenID[p.ID] = true
		switch p.Name {
		case "A", "B", "C", "D":
		default:
			return fmt.Errorf("player %q has invalid slot name %q", p.ID, p.Name)
		}
		if seenName[p.Name] {
			return fmt.Errorf("duplicate slot name %q", p.Name)
		}
		seenName[p.Name] = true
		if !s.Map.InBounds(p.Row, p.Col) {
			return fmt.Errorf("player %q at (%d,%d) is off the %dx%d grid",
				p.ID, p.Row, p.Col, s.Map.Rows, s.Map.Cols)
		}
		if s.Map.IsBlock(p.Row, p.Col) {
			return fmt.Errorf("player %q at (%d,%d) stands on a block", p.ID, p.Row, p.Col)
		}
		cell := [2]int{p.Row, p.Col}
		if seenCell[cell] {
			return fmt.Errorf("players share cell (%d,%d)", p.Row, p.Col)
		}
		seenCell[cell] = true
		if !p.ShieldDirection.Valid() {
			return fmt.Errorf("player %q has invalid shield_direction %q", p.ID, p.ShieldDirection)
		}
	}
	return nil
}

// CheckInvariants verifies a state rebuilt from the audit trail is
// self-consistent. A failure here quarantines the game.
func (s *State) CheckInvariants() error {
	occupied := make(map[[2]int]string)
	for _, p := range s.Players {
		if p.HP < 0 {
			return fmt.Errorf("player %q has negative hp %d", p.ID, p.HP)
		}
		if p.Alive != (p.HP > 0) {
			return fmt.Errorf("player %q alive=%v disagrees with hp=%d", p.ID, p.Alive, p.HP)
		}
		if !p.Alive {
			continue
		}
		if !s.Map.InBounds(p.Row, p.Col) || s.Map.IsBlock(p.Row, p.Col) {
			return fmt.Errorf("alive player %q occupies illegal cell (%d,%d)", p.ID, p.Row, p.Col)
		}
		cell := [2]int{p.Row, p.Col}
		if other, ok := occupied[cell]; ok {
			return fmt.Errorf("alive players %q and %q share cell (%d,%d)", other, p.ID, p.Row, p.Col)
		}
		occupied[cell] = p.ID
	}
	if s.Status == StatusRunning {
		cur := s.PlayerByID(s.CurrentPlayerID)
		if cur == nil || !cur.Alive {
			return fmt.Errorf("current player %q is missing or dead while RUNNING", s.CurrentPlayerID)
		}
	}
	if s.Status == StatusFinished && s.AliveCount() > 1 {
		return fmt.Errorf("FINISHED game still has %d alive players", s.AliveCount())
	}
	return nil
}
