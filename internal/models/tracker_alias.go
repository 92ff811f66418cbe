// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/autobrr/magnetcc/internal/dbinterface"
)

var ErrAliasNotFound = errors.New("tracker alias not found")

type AliasSource string

const (
	AliasSourceConfig   AliasSource = "config"
	AliasSourceResolved AliasSource = "resolved"
)

type TrackerAlias struct {
	Host      string      `json:"host"`
	Identity  string      `json:"identity"`
	Source    AliasSource `json:"source"`
	CreatedAt time.Time   `json:"createdAt"`
}

// TrackerAliasStore maps normalized tracker hosts to canonical identities.
type TrackerAliasStore struct {
	db    dbinterface.Querier
	locks *keyedMutex
}

func NewTrackerAliasStore(db dbinterface.Querier) *TrackerAliasStore {
	return &TrackerAliasStore{db: db, locks: newKeyedMutex()}
}

func (s *TrackerAliasStore) Get(ctx context.Context, host string) (*TrackerAlias, error) {
	var a TrackerAlias
	var source string
	err := s.db.QueryRowContext(ctx, `
		SELECT host, identity, source, created_at FROM tracker_aliases WHERE host = ?
	`, strings.ToLower(host)).Scan(&a.Host, &a.Identity, &source, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAliasNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Source = AliasSource(source)
	return &a, nil
}

func (s *TrackerAliasStore) List(ctx context.Context) ([]*TrackerAlias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host, identity, source, created_at
		FROM tracker_aliases
		ORDER BY identity ASC, host ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []*TrackerAlias
	for rows.Next() {
		var a TrackerAlias
		var source string
		if err := rows.Scan(&a.Host, &a.Identity, &source, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Source = AliasSource(source)
		aliases = append(aliases, &a)
	}

	return aliases, rows.Err()
}

// Assert stores an operator alias, replacing whatever the host mapped to before.
func (s *TrackerAliasStore) Assert(ctx context.Context, host, identity string) (*TrackerAlias, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	identity = strings.ToLower(strings.TrimSpace(identity))
	if host == "" || identity == "" {
		return nil, errors.New("alias host and identity are required")
	}

	unlock := s.locks.Lock(host)
	defer unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_aliases (host, identity, source) VALUES (?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET identity = excluded.identity, source = excluded.source
	`, host, identity, string(AliasSourceConfig))
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, host)
}

// Resolve returns the identity for host, inserting host as its own identity on first sight.
// Existing mappings are never overwritten.
func (s *TrackerAliasStore) Resolve(ctx context.Context, host string) (*TrackerAlias, error) {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return nil, errors.New("alias host is required")
	}

	unlock := s.locks.Lock(host)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO tracker_aliases (host, identity, source) VALUES (?, ?, ?)
	`, host, host, string(AliasSourceResolved)); err != nil {
		return nil, err
	}

	return s.Get(ctx, host)
}

func (s *TrackerAliasStore) Delete(ctx context.Context, host string) error {
	host = strings.ToLower(strings.TrimSpace(host))
	unlock := s.locks.Lock(host)
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tracker_aliases WHERE host = ?`, host)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrAliasNotFound
	}
	return nil
}
