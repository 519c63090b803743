package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/salonhub/klaviyo-bridge/internal/models"
)

// SQLiteStore keeps the buffer in a single SQLite file.
// WAL mode lets the webhook append while a sync cycle reads.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens the database at path and applies migrations.
// The parent directory is created if missing.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, e *models.RawEvent) (models.EventID, error) {
	if err := prepareEvent(e); err != nil {
		return "", err
	}

	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return "", storageErr("append", fmt.Errorf("marshal attributes: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, email, kind, attributes, raw_payload, received_at, state)
		VALUES (?, ?, ?, ?, ?, ?, 'unprocessed')`,
		string(e.ID), e.Email, string(e.Kind), string(attrs), e.RawPayload, e.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return "", storageErr("append", err)
	}
	return e.ID, nil
}

func (s *SQLiteStore) FetchUnprocessed(ctx context.Context, before time.Time) ([]models.RawEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, kind, attributes, raw_payload, received_at, state, processed_at, failure_reason
		FROM events
		WHERE state = 'unprocessed' AND received_at < ?
		ORDER BY received_at ASC, seq ASC`,
		before.UTC().UnixNano(),
	)
	if err != nil {
		return nil, storageErr("fetch_unprocessed", err)
	}
	defer rows.Close()

	events, err := scanSQLiteEvents(rows)
	if err != nil {
		return nil, storageErr("fetch_unprocessed", err)
	}
	return events, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, ids []models.EventID) error {
	return s.mark(ctx, "mark_processed", ids, "")
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, ids []models.EventID, reason string) error {
	return s.mark(ctx, "mark_failed", ids, reason)
}

func (s *SQLiteStore) mark(ctx context.Context, op string, ids []models.EventID, reason string) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}

	var found int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE id IN ("+placeholders+")", args...,
	).Scan(&found); err != nil {
		return storageErr(op, err)
	}
	if found != len(ids) {
		return storageErr(op, fmt.Errorf("%w: %d of %d ids not found", ErrUnknownEvent, len(ids)-found, len(ids)))
	}

	var failure any
	if reason != "" {
		failure = reason
	}
	updateArgs := append([]any{s.now().UTC().UnixNano(), failure}, args...)
	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET state = 'processed', processed_at = ?, failure_reason = ?
		WHERE state = 'unprocessed' AND id IN (`+placeholders+`)`,
		updateArgs...,
	); err != nil {
		return storageErr(op, err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (s *SQLiteStore) ListFailed(ctx context.Context, limit int) ([]models.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, kind, attributes, raw_payload, received_at, state, processed_at, failure_reason
		FROM events
		WHERE failure_reason IS NOT NULL
		ORDER BY processed_at DESC, seq DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list_failed", err)
	}
	defer rows.Close()

	events, err := scanSQLiteEvents(rows)
	if err != nil {
		return nil, storageErr("list_failed", err)
	}
	return events, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (models.BufferStats, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var stats models.BufferStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN state = 'unprocessed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'processed' AND failure_reason IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'processed' AND failure_reason IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM events`,
	).Scan(&stats.Total, &stats.Unprocessed, &stats.Processed, &stats.Failed)
	if err != nil {
		return models.BufferStats{}, storageErr("stats", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSQLiteEvents(rows *sql.Rows) ([]models.RawEvent, error) {
	var events []models.RawEvent
	for rows.Next() {
		var (
			e           models.RawEvent
			id, kind    string
			state       string
			attrs       string
			receivedAt  int64
			processedAt sql.NullInt64
			failure     sql.NullString
		)
		if err := rows.Scan(&id, &e.Email, &kind, &attrs, &e.RawPayload, &receivedAt, &state, &processedAt, &failure); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s: %w", id, err)
		}
		e.ID = models.EventID(id)
		e.Kind = models.EventKind(kind)
		e.State = models.EventState(state)
		e.ReceivedAt = time.Unix(0, receivedAt).UTC()
		if processedAt.Valid {
			t := time.Unix(0, processedAt.Int64).UTC()
			e.ProcessedAt = &t
		}
		e.FailureReason = failure.String
		events = append(events, e)
	}
	return events, rows.Err()
}
