// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package audit is the Server's durable Transaction/Audit History
// (spec.md's supplemented DATA MODEL entry for an append-only record of
// every Client-reported StoreTransaction plus Server-originated events;
// the Server records a policy-source failure as such an event).
//
// Grounded on server/internal/database's Postgres connection/migration
// pattern (lib/pq, embedded *.up.sql files applied through a
// schema_migrations tracking table) and audit_logs.go's
// create/list/count repository shape, adapted from the operator-facing
// RBAC audit log to OPAL's Client-transaction/Server-event history.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.up.sql
var migrationFiles embed.FS

// Config holds the Postgres connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// Store is the Postgres-backed audit/transaction history. Deployments
// without Postgres should use InMemory instead, behind the shared
// Recorder interface.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and returns a ready Store. Callers should
// follow with RunMigrations before first use.
func Open(cfg Config) (*Store, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// RunMigrations applies every pending embedded migration, tracked in a
// schema_migrations table so repeated calls are no-ops.
func (s *Store) RunMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("audit: create schema_migrations table: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("audit: read migrations directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(name, ".up.sql")

		var applied bool
		if err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", version).Scan(&applied); err != nil {
			return fmt.Errorf("audit: check migration %s: %w", version, err)
		}
		if applied {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("audit: read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("audit: begin transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("audit: apply migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("audit: record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("audit: commit migration %s: %w", version, err)
		}
		log.Info().Str("migration", version).Msg("audit: applied migration")
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// TransactionRecord is a durable copy of one Client-reported
// StoreTransaction (spec.md §4.8's POST /transactions payload).
type TransactionRecord struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	Kind      string    `json:"kind"` // "policy" or "data"
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Actions   any       `json:"actions,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordTransaction durably appends a Client transaction report.
func (s *Store) RecordTransaction(ctx context.Context, rec TransactionRecord) error {
	var actionsJSON []byte
	if rec.Actions != nil {
		encoded, err := json.Marshal(rec.Actions)
		if err != nil {
			return fmt.Errorf("audit: encode transaction actions: %w", err)
		}
		actionsJSON = encoded
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (client_id, kind, success, error, actions) VALUES ($1, $2, $3, $4, $5)`,
		rec.ClientID, rec.Kind, rec.Success, rec.Error, nullableJSON(actionsJSON),
	)
	if err != nil {
		return fmt.Errorf("audit: insert transaction: %w", err)
	}
	return nil
}

// ListTransactions returns the most recent transactions, optionally
// filtered by client ID, newest first.
func (s *Store) ListTransactions(ctx context.Context, clientID string, limit int) ([]TransactionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT id, client_id, kind, success, error, actions, created_at FROM transactions`
	args := []any{}
	if clientID != "" {
		query += " WHERE client_id = $1"
		args = append(args, clientID)
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list transactions: %w", err)
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		var actionsJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.ClientID, &rec.Kind, &rec.Success, &rec.Error, &actionsJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan transaction: %w", err)
		}
		if actionsJSON.Valid {
			var actions any
			if err := json.Unmarshal([]byte(actionsJSON.String), &actions); err == nil {
				rec.Actions = actions
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordEvent durably appends a Server-originated event (leader
// acquired/lost, a new source revision observed, and similar).
func (s *Store) RecordEvent(ctx context.Context, kind, details string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO server_events (kind, details) VALUES ($1, $2)`, kind, details)
	if err != nil {
		return fmt.Errorf("audit: insert server event: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
