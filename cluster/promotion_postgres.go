package cluster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresPromotionSink is an example WorkingMemory.PromotionCallback
// target. Long-term relational persistence is treated as an external
// collaborator rather than part of this package's scope, so this is a
// thin, optional adapter: callers are free to supply their own
// PromotionCallback instead.
//
// Pool construction is grounded on control_plane/store/postgres.go's
// PostgresStore: a tuned pgxpool.Pool with an upsert-by-conflict write
// path.
type PostgresPromotionSink struct {
	pool *pgxpool.Pool
}

// NewPostgresPromotionSink opens a pooled connection and ensures the
// destination table exists.
func NewPostgresPromotionSink(ctx context.Context, connString string) (*PostgresPromotionSink, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	sink := &PostgresPromotionSink{pool: pool}
	if err := sink.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PostgresPromotionSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS promoted_memory (
			id BIGSERIAL PRIMARY KEY,
			conv_id TEXT,
			promoted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			data JSONB NOT NULL
		)
	`)
	return err
}

// Close releases the connection pool.
func (s *PostgresPromotionSink) Close() {
	s.pool.Close()
}

// Callback satisfies cluster.PromotionCallback: insert the promoted
// item as a JSONB row, tagged with its conversation id when present.
func (s *PostgresPromotionSink) Callback(ctx context.Context, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	convID, _ := data["_conv_id"].(string)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO promoted_memory (conv_id, data) VALUES ($1, $2)
	`, convID, payload)
	return err
}
