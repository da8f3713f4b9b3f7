package audit

import (
	"context"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"cowboy-core/internal/game"
)

// Payloads are stored as canonical JSON text, not jsonb: jsonb rewrites key
// order and recovery comparisons must be byte-exact.
const schema = `
CREATE TABLE IF NOT EXISTS step_records (
	game_id    TEXT        NOT NULL,
	step_seq   BIGINT      NOT NULL,
	command_id TEXT        NOT NULL,
	payload    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (game_id, step_seq)
);

CREATE INDEX IF NOT EXISTS step_records_command_idx
	ON step_records (game_id, command_id);

CREATE TABLE IF NOT EXISTS publish_marks (
	game_id       TEXT   PRIMARY KEY,
	published_seq BIGINT NOT NULL
);
`

const connectTimeout = 10 * time.Second

// PostgresStore is the production Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to Postgres, verifies the connection and
// bootstraps the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "bootstrap audit schema")
	}

	log.Printf("🗃️ Audit store ready (pool size %d)", cfg.MaxConns)
	return &PostgresStore{pool: pool}, nil
}

// Append implements Store. The insert is idempotent per (game_id, step_seq);
// on conflict the stored payload is compared byte-for-byte.
func (s *PostgresStore) Append(ctx context.Context, rec *game.StepRecord) error {
	payload, err := rec.Marshal()
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO step_records (game_id, step_seq, command_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (game_id, step_seq) DO NOTHING`,
		rec.GameID, rec.StepSeq, rec.Command.CommandID, string(payload), rec.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "append step record")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var existing string
	err = s.pool.QueryRow(ctx,
		`SELECT payload FROM step_records WHERE game_id = $1 AND step_seq = $2`,
		rec.GameID, rec.StepSeq).Scan(&existing)
	if err != nil {
		return errors.Wrap(err, "read conflicting step record")
	}
	if existing != string(payload) {
		return ErrConflict
	}
	return nil
}

// FindByCommand implements Store.
func (s *PostgresStore) FindByCommand(ctx context.Context, gameID, commandID string) (*game.StepRecord, error) {
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM step_records
		 WHERE game_id = $1 AND command_id = $2
		 ORDER BY step_seq LIMIT 1`,
		gameID, commandID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find step by command")
	}
	return game.DecodeStep([]byte(payload))
}

// Scan implements Store.
func (s *PostgresStore) Scan(ctx context.Context, gameID string) ([]*game.StepRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT step_seq, payload FROM step_records
		 WHERE game_id = $1 ORDER BY step_seq`, gameID)
	if err != nil {
		return nil, errors.Wrap(err, "scan step records")
	}
	defer rows.Close()

	var recs []*game.StepRecord
	var want int64 = 1
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, errors.Wrap(err, "scan step row")
		}
		if seq != want {
			return nil, ErrSeqGap
		}
		want++
		rec, err := game.DecodeStep([]byte(payload))
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate step rows")
	}
	return recs, nil
}

// LatestSeq implements Store.
func (s *PostgresStore) LatestSeq(ctx context.Context, gameID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(step_seq), 0) FROM step_records WHERE game_id = $1`,
		gameID).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "latest step seq")
	}
	return seq, nil
}

// PublishMark implements Store.
func (s *PostgresStore) PublishMark(ctx context.Context, gameID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT published_seq FROM publish_marks WHERE game_id = $1`, gameID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read publish mark")
	}
	return seq, nil
}

// SetPublishMark implements Store.
func (s *PostgresStore) SetPublishMark(ctx context.Context, gameID string, seq int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO publish_marks (game_id, published_seq) VALUES ($1, $2)
		 ON CONFLICT (game_id) DO UPDATE SET published_seq = EXCLUDED.published_seq
		 WHERE publish_marks.published_seq < EXCLUDED.published_seq`,
		gameID, seq)
	return errors.Wrap(err, "set publish mark")
}

// Close implements Store.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
