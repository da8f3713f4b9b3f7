package audit

import (
	"context"
	"sort"
	"sync"

	"cowboy-core/internal/game"
)

// MemStore is an in-memory Store used by tests and single-process
// development runs. It applies the same idempotency and conflict rules as
// the Postgres store, comparing canonical payload bytes.
type MemStore struct {
	mu    sync.RWMutex
	rows  map[string]map[int64][]byte // game_id -> step_seq -> payload
	marks map[string]int64
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		rows:  make(map[string]map[int64][]byte),
		marks: make(map[string]int64),
	}
}

// Append implements Store.
func (s *MemStore) Append(_ context.Context, rec *game.StepRecord) error {
	payload, err := rec.Marshal()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[rec.GameID]
	if rows == nil {
		rows = make(map[int64][]byte)
		s.rows[rec.GameID] = rows
	}
	if existing, ok := rows[rec.StepSeq]; ok {
		if string(existing) == string(payload) {
			return nil
		}
		return ErrConflict
	}
	rows[rec.StepSeq] = payload
	return nil
}

// FindByCommand implements Store.
func (s *MemStore) FindByCommand(_ context.Context, gameID, commandID string) (*game.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, payload := range s.rows[gameID] {
		rec, err := game.DecodeStep(payload)
		if err != nil {
			return nil, err
		}
		if rec.Command.CommandID == commandID {
			return rec, nil
		}
	}
	return nil, nil
}

// Scan implements Store.
func (s *MemStore) Scan(_ context.Context, gameID string) ([]*game.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.rows[gameID]
	seqs := make([]int64, 0, len(rows))
	for seq := range rows {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	recs := make([]*game.StepRecord, 0, len(seqs))
	for i, seq := range seqs {
		if seq != int64(i+1) {
			return nil, ErrSeqGap
		}
		rec, err := game.DecodeStep(rows[seq])
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// LatestSeq implements Store.
func (s *MemStore) LatestSeq(_ context.Context, gameID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max int64
	for seq := range s.rows[gameID] {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

// PublishMark implements Store.
func (s *MemStore) PublishMark(_ context.Context, gameID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks[gameID], nil
}

// SetPublishMark implements Store.
func (s *MemStore) SetPublishMark(_ context.Context, gameID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.marks[gameID] {
		s.marks[gameID] = seq
	}
	return nil
}

// Close implements Store.
func (s *MemStore) Close() {}
