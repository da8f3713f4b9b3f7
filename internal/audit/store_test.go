package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cowboy-core/internal/game"
)

func testRecord(gameID string, seq int64, commandID string) *game.StepRecord {
	return &game.StepRecord{
		GameID:  gameID,
		StepSeq: seq,
		TurnNo:  seq,
		RoundNo: 1,
		Command: game.Command{
			CommandID: commandID,
			Source:    game.SourceUser,
			PlayerID:  "p-a",
			Type:      game.CmdShield,
			Direction: game.DirLeft,
			TurnNo:    seq,
			SentAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
		ResultStatus: game.ResultApplied,
		EventType:    game.EventStepApplied,
		StateAfter: &game.State{
			GameID:  gameID,
			Status:  game.StatusRunning,
			Map:     game.Map{Rows: 1, Cols: 2, Cells: [][]int{{0, 0}}},
			Players: []*game.Player{{ID: "p-a", Name: "A", HP: game.InitialHP, ShieldDirection: game.DirLeft, Alive: true}},
			TurnNo:  seq + 1, RoundNo: 1, CurrentPlayerID: "p-a",
			TurnStartedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			TurnTimeoutSeconds: game.DefaultTurnTimeoutSeconds,
		},
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 1, 0, time.UTC),
	}
}

func TestMemStoreAppendIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	rec := testRecord("g1", 1, "cmd-1")
	require.NoError(t, store.Append(ctx, rec))

	// Identical re-append succeeds silently.
	require.NoError(t, store.Append(ctx, rec))

	seq, err := store.LatestSeq(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	// A differing payload at the same key is an invariant violation.
	conflicting := testRecord("g1", 1, "cmd-other")
	err = store.Append(ctx, conflicting)
	require.ErrorIs(t, err, ErrConflict)
}

func TestMemStoreFindByCommand(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	require.NoError(t, store.Append(ctx, testRecord("g1", 1, "cmd-1")))
	require.NoError(t, store.Append(ctx, testRecord("g1", 2, "cmd-2")))

	rec, err := store.FindByCommand(ctx, "g1", "cmd-2")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, int64(2), rec.StepSeq)

	rec, err = store.FindByCommand(ctx, "g1", "cmd-missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Command ids are scoped per game.
	rec, err = store.FindByCommand(ctx, "g2", "cmd-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemStoreScanOrderAndGaps(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	// Append out of order; Scan must return seq order.
	require.NoError(t, store.Append(ctx, testRecord("g1", 2, "cmd-2")))
	require.NoError(t, store.Append(ctx, testRecord("g1", 1, "cmd-1")))
	require.NoError(t, store.Append(ctx, testRecord("g1", 3, "cmd-3")))

	recs, err := store.Scan(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, int64(i+1), rec.StepSeq)
	}

	// A hole in the sequence is detected.
	require.NoError(t, store.Append(ctx, testRecord("g2", 1, "cmd-1")))
	require.NoError(t, store.Append(ctx, testRecord("g2", 3, "cmd-3")))
	_, err = store.Scan(ctx, "g2")
	require.ErrorIs(t, err, ErrSeqGap)
}

func TestMemStorePublishMark(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	mark, err := store.PublishMark(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), mark)

	require.NoError(t, store.SetPublishMark(ctx, "g1", 4))
	// The mark never moves backwards.
	require.NoError(t, store.SetPublishMark(ctx, "g1", 2))

	mark, err = store.PublishMark(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), mark)
}

func TestMemStoreRoundTripPayload(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	rec := testRecord("g1", 1, "cmd-1")
	require.NoError(t, store.Append(ctx, rec))

	recs, err := store.Scan(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	want, err := rec.Marshal()
	require.NoError(t, err)
	got, err := recs[0].Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got), "persisted payload must round-trip byte-exact")
}
