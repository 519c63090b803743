package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/salonhub/klaviyo-bridge/internal/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore connects to connString. Migrations are applied separately
// with MigratePostgres.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (s *PostgresStore) Append(ctx context.Context, e *models.RawEvent) (models.EventID, error) {
	if err := prepareEvent(e); err != nil {
		return "", err
	}

	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return "", storageErr("append", fmt.Errorf("marshal attributes: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, email, kind, attributes, raw_payload, received_at, state)
		VALUES ($1, $2, $3, $4, $5, $6, 'unprocessed')`,
		string(e.ID), e.Email, string(e.Kind), attrs, e.RawPayload, e.ReceivedAt,
	)
	if err != nil {
		return "", storageErr("append", err)
	}
	return e.ID, nil
}

func (s *PostgresStore) FetchUnprocessed(ctx context.Context, before time.Time) ([]models.RawEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, email, kind, attributes, raw_payload, received_at, state, processed_at, failure_reason
		FROM events
		WHERE state = 'unprocessed' AND received_at < $1
		ORDER BY received_at ASC, seq ASC`,
		before.UTC(),
	)
	if err != nil {
		return nil, storageErr("fetch_unprocessed", err)
	}

	events, err := pgx.CollectRows(rows, scanPostgresEvent)
	if err != nil {
		return nil, storageErr("fetch_unprocessed", err)
	}
	return events, nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, ids []models.EventID) error {
	return s.mark(ctx, "mark_processed", ids, nil)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, ids []models.EventID, reason string) error {
	return s.mark(ctx, "mark_failed", ids, &reason)
}

func (s *PostgresStore) mark(ctx context.Context, op string, ids []models.EventID, reason *string) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	// a non-UUID id cannot name a stored event; the uuid[] cast would fail
	for _, id := range ids {
		if _, err := uuid.Parse(string(id)); err != nil {
			return storageErr(op, fmt.Errorf("%w: %q is not an event id", ErrUnknownEvent, id))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		idArgs := idStrings(ids)

		var found int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM events WHERE id = ANY($1::uuid[])`, idArgs,
		).Scan(&found); err != nil {
			return err
		}
		if found != len(ids) {
			return fmt.Errorf("%w: %d of %d ids not found", ErrUnknownEvent, len(ids)-found, len(ids))
		}

		_, err := tx.Exec(ctx, `
			UPDATE events SET state = 'processed', processed_at = $2, failure_reason = $3
			WHERE state = 'unprocessed' AND id = ANY($1::uuid[])`,
			idArgs, s.now().UTC(), reason,
		)
		return err
	})
	return storageErr(op, err)
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]models.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, email, kind, attributes, raw_payload, received_at, state, processed_at, failure_reason
		FROM events
		WHERE failure_reason IS NOT NULL
		ORDER BY processed_at DESC, seq DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, storageErr("list_failed", err)
	}

	events, err := pgx.CollectRows(rows, scanPostgresEvent)
	if err != nil {
		return nil, storageErr("list_failed", err)
	}
	return events, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (models.BufferStats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var stats models.BufferStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE state = 'unprocessed'),
			COUNT(*) FILTER (WHERE state = 'processed' AND failure_reason IS NULL),
			COUNT(*) FILTER (WHERE state = 'processed' AND failure_reason IS NOT NULL)
		FROM events`,
	).Scan(&stats.Total, &stats.Unprocessed, &stats.Processed, &stats.Failed)
	if err != nil {
		return models.BufferStats{}, storageErr("stats", err)
	}
	return stats, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return storageErr("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPostgresEvent(row pgx.CollectableRow) (models.RawEvent, error) {
	var (
		e       models.RawEvent
		id      string
		kind    string
		state   string
		attrs   []byte
		failure *string
	)
	if err := row.Scan(&id, &e.Email, &kind, &attrs, &e.RawPayload, &e.ReceivedAt, &state, &e.ProcessedAt, &failure); err != nil {
		return models.RawEvent{}, err
	}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return models.RawEvent{}, fmt.Errorf("decode attributes of %s: %w", id, err)
	}
	e.ID = models.EventID(id)
	e.Kind = models.EventKind(kind)
	e.State = models.EventState(state)
	e.ReceivedAt = e.ReceivedAt.UTC()
	if failure != nil {
		e.FailureReason = *failure
	}
	return e, nil
}
