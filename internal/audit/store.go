// Package audit persists the per-game step trail. The store is the
// authoritative record: the turn engine rebuilds game state from it on
// recovery and the output log is reconciled against it.
package audit

import (
	"context"

	"github.com/pkg/errors"

	"cowboy-core/internal/game"
)

// Sentinel errors callers branch on.
var (
	// ErrConflict means an append found a different payload already stored
	// under the same (game_id, step_seq). This is an invariant violation:
	// the game must be quarantined.
	ErrConflict = errors.New("audit: conflicting step record at existing sequence")

	// ErrSeqGap means a scan found a hole in the step_seq sequence.
	ErrSeqGap = errors.New("audit: step sequence has a gap")
)

// Store is the append-only audit trail keyed (game_id, step_seq) with a
// secondary command_id index for dedupe. Implementations must make Append
// durable before returning and must be safe for concurrent use across games.
type Store interface {
	// Append persists a step record. Idempotent per (game_id, step_seq):
	// re-appending the identical record succeeds silently; a differing
	// payload at an existing key returns ErrConflict.
	Append(ctx context.Context, rec *game.StepRecord) error

	// FindByCommand returns the step record that consumed the given command
	// id, or nil if the command has never been seen for this game.
	FindByCommand(ctx context.Context, gameID, commandID string) (*game.StepRecord, error)

	// Scan returns all step records for a game in step_seq order. Returns
	// ErrSeqGap if the sequence is not dense from 1.
	Scan(ctx context.Context, gameID string) ([]*game.StepRecord, error)

	// LatestSeq returns the highest persisted step_seq for a game, or 0.
	LatestSeq(ctx context.Context, gameID string) (int64, error)

	// PublishMark returns the highest step_seq known to have been published
	// to the output log, or 0. Used by recovery to re-publish the tail.
	PublishMark(ctx context.Context, gameID string) (int64, error)

	// SetPublishMark advances the publish marker. Implementations never move
	// it backwards.
	SetPublishMark(ctx context.Context, gameID string, seq int64) error

	// Close releases the store's resources.
	Close()
}
