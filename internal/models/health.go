// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"time"

	"github.com/autobrr/magnetcc/internal/dbinterface"
)

type HealthScope string

const (
	HealthScopeTracker HealthScope = "tracker"
	HealthScopeClient  HealthScope = "client"
)

// ErrorKind classifies recorded failures.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindData      ErrorKind = "data"
	ErrorKindConfig    ErrorKind = "config"
)

type Health struct {
	Scope         HealthScope `json:"scope"`
	Key           string      `json:"key"`
	LastError     string      `json:"lastError,omitempty"`
	ErrorKind     ErrorKind   `json:"errorKind,omitempty"`
	LastErrorAt   *time.Time  `json:"lastErrorAt,omitempty"`
	LastSuccessAt *time.Time  `json:"lastSuccessAt,omitempty"`
}

// Healthy reports whether the last recorded event was a success.
func (h *Health) Healthy() bool {
	if h.LastErrorAt == nil {
		return true
	}
	return h.LastSuccessAt != nil && !h.LastSuccessAt.Before(*h.LastErrorAt)
}

// HealthStore keeps last-error and last-success timestamps per tracker and client.
type HealthStore struct {
	db dbinterface.Querier
}

func NewHealthStore(db dbinterface.Querier) *HealthStore {
	return &HealthStore{db: db}
}

func (s *HealthStore) RecordError(ctx context.Context, scope HealthScope, key string, kind ErrorKind, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := execRetry(ctx, s.db, `
		INSERT INTO health (scope, key, last_error, error_kind, last_error_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			last_error = excluded.last_error,
			error_kind = excluded.error_kind,
			last_error_at = excluded.last_error_at
	`, string(scope), key, msg, string(kind), time.Now().UTC())
	return err
}

func (s *HealthStore) RecordSuccess(ctx context.Context, scope HealthScope, key string) error {
	_, err := execRetry(ctx, s.db, `
		INSERT INTO health (scope, key, last_success_at) VALUES (?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET last_success_at = excluded.last_success_at
	`, string(scope), key, time.Now().UTC())
	return err
}

// List returns health rows, optionally restricted to one scope.
func (s *HealthStore) List(ctx context.Context, scope HealthScope) ([]*Health, error) {
	query := `SELECT scope, key, last_error, error_kind, last_error_at, last_success_at FROM health`
	var args []any
	if scope != "" {
		query += ` WHERE scope = ?`
		args = append(args, string(scope))
	}
	query += ` ORDER BY scope ASC, key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Health
	for rows.Next() {
		var (
			h             Health
			scopeStr      string
			kind          string
			lastErrorAt   sql.NullTime
			lastSuccessAt sql.NullTime
		)
		if err := rows.Scan(&scopeStr, &h.Key, &h.LastError, &kind, &lastErrorAt, &lastSuccessAt); err != nil {
			return nil, err
		}
		h.Scope = HealthScope(scopeStr)
		h.ErrorKind = ErrorKind(kind)
		h.LastErrorAt = timePtr(lastErrorAt)
		h.LastSuccessAt = timePtr(lastSuccessAt)
		out = append(out, &h)
	}
	return out, rows.Err()
}
