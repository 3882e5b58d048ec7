// SPDX-FileCopyrightText: Copyright 2025 Concierge Authors
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// Registers the pgx stdlib driver under the name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/concierge-hq/concierge/pkg/concierge"
	"github.com/concierge-hq/concierge/pkg/logger"
)

const (
	// connMaxLifetime bounds connection age so pool members rotate through
	// load balancers and credential refreshes.
	connMaxLifetime = 30 * time.Minute

	maxOpenConns = 10
	maxIdleConns = 5
)

// PostgresBackend stores session stages and state in two tables,
// concierge_session_stages and concierge_session_state. State values are
// JSONB columns. Schema is managed by embedded goose migrations applied at
// construction time.
type PostgresBackend struct {
	db *sql.DB
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend opens a connection pool to the given database URL,
// verifies connectivity, and applies pending migrations.
func NewPostgresBackend(ctx context.Context, databaseURL string) (*PostgresBackend, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", concierge.ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", concierge.ErrStorageUnavailable, err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresBackend{db: db}, nil
}

// GetStage returns the session's stage cursor, or "" if absent.
func (p *PostgresBackend) GetStage(ctx context.Context, sessionID string) (string, error) {
	var stage string
	err := p.db.QueryRowContext(ctx,
		`SELECT stage FROM concierge_session_stages WHERE session_id = $1`,
		sessionID,
	).Scan(&stage)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: querying stage: %v", concierge.ErrStorageUnavailable, err)
	}
	return stage, nil
}

// SetStage upserts the session's stage cursor.
func (p *PostgresBackend) SetStage(ctx context.Context, sessionID, stage string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO concierge_session_stages (session_id, stage, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id)
		DO UPDATE SET stage = EXCLUDED.stage, updated_at = now()`,
		sessionID, stage,
	)
	if err != nil {
		return fmt.Errorf("%w: upserting stage: %v", concierge.ErrStorageUnavailable, err)
	}
	return nil
}

// DeleteStage removes the session's stage cursor. Absent cursors are a no-op.
func (p *PostgresBackend) DeleteStage(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM concierge_session_stages WHERE session_id = $1`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("%w: deleting stage: %v", concierge.ErrStorageUnavailable, err)
	}
	return nil
}

// Get returns the value stored under key for the session, or nil if absent.
func (p *PostgresBackend) Get(ctx context.Context, sessionID, key string) (any, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM concierge_session_state WHERE session_id = $1 AND key = $2`,
		sessionID, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: querying state: %v", concierge.ErrStorageUnavailable, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: decoding key %q: %v", concierge.ErrSerialization, key, err)
	}
	return v, nil
}

// Set upserts value under key for the session.
func (p *PostgresBackend) Set(ctx context.Context, sessionID, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encoding key %q: %v", concierge.ErrSerialization, key, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO concierge_session_state (session_id, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_id, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		sessionID, key, raw,
	)
	if err != nil {
		return fmt.Errorf("%w: upserting state: %v", concierge.ErrStorageUnavailable, err)
	}
	return nil
}

// ClearState removes all of the session's state keys, keeping the stage
// cursor.
func (p *PostgresBackend) ClearState(ctx context.Context, sessionID string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM concierge_session_state WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: clearing state: %v", concierge.ErrStorageUnavailable, err)
	}
	return nil
}

// Clear removes the session's stage cursor and state in one transaction.
func (p *PostgresBackend) Clear(ctx context.Context, sessionID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", concierge.ErrStorageUnavailable, err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM concierge_session_state WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("%w: clearing state: %v", concierge.ErrStorageUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM concierge_session_stages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("%w: clearing stage: %v", concierge.ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing clear: %v", concierge.ErrStorageUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

// rollback rolls back a transaction, logging failures other than the
// transaction already having completed.
func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Warnf("failed to rollback transaction: %v", err)
	}
}
