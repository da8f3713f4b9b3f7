package game

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Source identifies who produced a command envelope.
type Source string

const (
	SourceUser   Source = "user"
	SourceTimer  Source = "timer"
	SourceSystem Source = "system"
	SourceBot    Source = "bot"
)

// CommandType discriminates the command variants carried by an envelope.
type CommandType string

const (
	CmdMove        CommandType = "move"
	CmdShoot       CommandType = "shoot"
	CmdShield      CommandType = "shield"
	CmdSpeak       CommandType = "speak"
	CmdTimeout     CommandType = "timeout"
	CmdGameStarted CommandType = "game_started"

	// System-only lifecycle types. force_finish routes an administrative
	// termination through the single writer; game_finished is the synthetic
	// envelope attached to GAME_FINISHED lifecycle steps.
	CmdForceFinish  CommandType = "force_finish"
	CmdGameFinished CommandType = "game_finished"
)

// MaxSpeakLen caps speak_text length.
const MaxSpeakLen = 140

// Command is the envelope consumed from the input log. Optional fields are
// conditionally required by command_type; Hydrate turns the envelope into
// the typed action variant after shape validation.
type Command struct {
	CommandID string      `json:"command_id"`
	Source    Source      `json:"source"`
	PlayerID  string      `json:"player_id,omitempty"`
	Type      CommandType `json:"command_type"`
	Direction Direction   `json:"direction,omitempty"`
	SpeakText string      `json:"speak_text,omitempty"`
	TurnNo    int64       `json:"turn_no,omitempty"`
	SentAt    time.Time   `json:"sent_at"`

	// Lifecycle payloads, set on system envelopes only.
	GameSeed *State `json:"game_seed,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Action is the hydrated command variant. Each constructor carries only the
// fields its variant needs; the evaluator dispatches on the concrete type.
type Action interface {
	actionKind() CommandType
}

// MoveAction steps the actor one cell.
type MoveAction struct{ Direction Direction }

// ShootAction fires the T-shaped laser.
type ShootAction struct{ Direction Direction }

// ShieldAction re-aims the actor's shield.
type ShieldAction struct{ Direction Direction }

// SpeakAction says something without touching the board.
type SpeakAction struct{ Text string }

// TimeoutAction consumes the turn on behalf of a player who ran out the clock.
type TimeoutAction struct{}

func (MoveAction) actionKind() CommandType    { return CmdMove }
func (ShootAction) actionKind() CommandType   { return CmdShoot }
func (ShieldAction) actionKind() CommandType  { return CmdShield }
func (SpeakAction) actionKind() CommandType   { return CmdSpeak }
func (TimeoutAction) actionKind() CommandType { return CmdTimeout }

// Hydrate validates the envelope's shape against its discriminator and
// returns the typed action. Lifecycle types (game_started, force_finish,
// game_finished) are handled by the engine before evaluation and have no
// action variant.
func (c *Command) Hydrate() (Action, error) {
	switch c.Type {
	case CmdMove:
		if !c.Direction.Valid() {
			return nil, fmt.Errorf("move requires a direction")
		}
		return MoveAction{Direction: c.Direction}, nil
	case CmdShoot:
		if !c.Direction.Valid() {
			return nil, fmt.Errorf("shoot requires a direction")
		}
		return ShootAction{Direction: c.Direction}, nil
	case CmdShield:
		if !c.Direction.Valid() {
			return nil, fmt.Errorf("shield requires a direction")
		}
		return ShieldAction{Direction: c.Direction}, nil
	case CmdSpeak:
		if c.SpeakText == "" {
			return nil, fmt.Errorf("speak requires non-empty speak_text")
		}
		if len(c.SpeakText) > MaxSpeakLen {
			return nil, fmt.Errorf("speak_text exceeds %d chars", MaxSpeakLen)
		}
		return SpeakAction{Text: c.SpeakText}, nil
	case CmdTimeout:
		return TimeoutAction{}, nil
	default:
		return nil, fmt.Errorf("unknown command_type %q", c.Type)
	}
}

// DecodeCommand parses an envelope from its log representation.
func DecodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "decode command envelope")
	}
	if c.CommandID == "" {
		return nil, errors.New("command envelope missing command_id")
	}
	return &c, nil
}

// Encode serializes the envelope for the input log.
func (c *Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	return data, errors.Wrap(err, "encode command envelope")
}

// NewTimeoutCommand builds the envelope the timer coordinator publishes when
// a turn deadline expires.
func NewTimeoutCommand(playerID string, turnNo int64, now time.Time) *Command {
	return &Command{
		CommandID: uuid.NewString(),
		Source:    SourceTimer,
		PlayerID:  playerID,
		Type:      CmdTimeout,
		TurnNo:    turnNo,
		SentAt:    now,
	}
}

// NewGameStartedCommand builds the system envelope that carries a freshly
// validated game seed into the input log.
func NewGameStartedCommand(seed *State, now time.Time) *Command {
	return &Command{
		CommandID: uuid.NewString(),
		Source:    SourceSystem,
		Type:      CmdGameStarted,
		SentAt:    now,
		GameSeed:  seed,
	}
}

// NewForceFinishCommand builds the system envelope for administrative
// termination of an abandoned game.
func NewForceFinishCommand(reason string, now time.Time) *Command {
	return &Command{
		CommandID: uuid.NewString(),
		Source:    SourceSystem,
		Type:      CmdForceFinish,
		SentAt:    now,
		Reason:    reason,
	}
}
