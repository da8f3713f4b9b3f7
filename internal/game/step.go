package game

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ResultStatus classifies what happened to a consumed command.
type ResultStatus string

const (
	ResultApplied        ResultStatus = "APPLIED"
	ResultTimeoutApplied ResultStatus = "TIMEOUT_APPLIED"
	ResultIgnoredTimeout ResultStatus = "IGNORED_TIMEOUT"
	ResultInvalidCommand ResultStatus = "INVALID_COMMAND"
	ResultInvalidTurn    ResultStatus = "INVALID_TURN"
	ResultDuplicate      ResultStatus = "DUPLICATE_COMMAND"
)

// Mutating reports whether the status consumed a turn.
func (r ResultStatus) Mutating() bool {
	return r == ResultApplied || r == ResultTimeoutApplied
}

// EventType is the derived consumer-facing label on published step records.
type EventType string

const (
	EventStepApplied  EventType = "STEP_APPLIED"
	EventStepIgnored  EventType = "STEP_IGNORED"
	EventStepInvalid  EventType = "STEP_INVALID"
	EventGameStarted  EventType = "GAME_STARTED"
	EventGameFinished EventType = "GAME_FINISHED"
	EventTimeout      EventType = "TIMEOUT"
)

// StepRecord is the authoritative record of one consumed command: the unit
// of both persistence and streaming output. Immutable once written.
type StepRecord struct {
	GameID       string       `json:"game_id"`
	StepSeq      int64        `json:"step_seq"`
	TurnNo       int64        `json:"turn_no"`
	RoundNo      int64        `json:"round_no"`
	Command      Command      `json:"command"`
	ResultStatus ResultStatus `json:"result_status"`
	ResultReason string       `json:"result_reason,omitempty"`
	EventType    EventType    `json:"event_type"`
	StateAfter   *State       `json:"state_after"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DeriveEventType computes the informational event label from the command
// type and result status.
func DeriveEventType(cmdType CommandType, status ResultStatus) EventType {
	switch cmdType {
	case CmdGameStarted:
		if status == ResultApplied {
			return EventGameStarted
		}
	case CmdGameFinished:
		return EventGameFinished
	}
	switch status {
	case ResultApplied:
		return EventStepApplied
	case ResultTimeoutApplied:
		return EventTimeout
	case ResultIgnoredTimeout, ResultDuplicate:
		return EventStepIgnored
	default:
		return EventStepInvalid
	}
}

// TurnAdvancing reports whether this record started a new turn and should
// re-arm the turn deadline.
func (r *StepRecord) TurnAdvancing() bool {
	return r.ResultStatus.Mutating()
}

// Marshal returns the canonical JSON encoding of the record. Struct fields
// marshal in declaration order, so the same record always produces the same
// bytes; the audit store compares these bytes on conflicting appends.
func (r *StepRecord) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	return data, errors.Wrap(err, "encode step record")
}

// DecodeStep parses a step record from its persisted or published form.
func DecodeStep(data []byte) (*StepRecord, error) {
	var r StepRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errors.Wrap(err, "decode step record")
	}
	return &r, nil
}
