// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/magnetcc/internal/dbinterface"
)

// WildcardTracker marks the default rule.
const WildcardTracker = "*"

var (
	ErrRuleNotFound = errors.New("tracker rule not found")
	ErrInvalidRule  = errors.New("invalid tracker rule")
)

type TrackerRule struct {
	ID                   int       `json:"id" yaml:"-"`
	TrackerID            string    `json:"trackerId" yaml:"tracker"`
	Category             string    `json:"category" yaml:"category,omitempty"`
	RatioLimit           *float64  `json:"ratioLimit,omitempty" yaml:"ratioLimit,omitempty"`
	SeedTimeLimitMinutes *int64    `json:"seedTimeLimitMinutes,omitempty" yaml:"seedTimeLimit,omitempty"`
	Priority             int       `json:"priority" yaml:"priority"`
	AutoSend             *bool     `json:"autoSend,omitempty" yaml:"autoSend,omitempty"`
	Client               string    `json:"client,omitempty" yaml:"client,omitempty"`
	CreatedAt            time.Time `json:"createdAt" yaml:"-"`
	UpdatedAt            time.Time `json:"updatedAt" yaml:"-"`
}

func (r *TrackerRule) IsWildcard() bool {
	return r.TrackerID == WildcardTracker
}

type TrackerRuleStore struct {
	db dbinterface.Querier
}

func NewTrackerRuleStore(db dbinterface.Querier) *TrackerRuleStore {
	return &TrackerRuleStore{db: db}
}

const ruleColumns = `id, tracker_id, category, ratio_limit, seed_time_limit_minutes, priority, auto_send, client, created_at, updated_at`

func (s *TrackerRuleStore) List(ctx context.Context) ([]*TrackerRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM tracker_rules ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*TrackerRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *TrackerRuleStore) Get(ctx context.Context, id int) (*TrackerRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM tracker_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	return r, err
}

func (s *TrackerRuleStore) Create(ctx context.Context, r *TrackerRule) (*TrackerRule, error) {
	if err := normalizeRule(r); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracker_rules (tracker_id, category, ratio_limit, seed_time_limit_minutes, priority, auto_send, client)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.TrackerID, r.Category, r.RatioLimit, r.SeedTimeLimitMinutes, r.Priority, nullableBool(r.AutoSend), r.Client)
	if err != nil {
		return nil, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	return s.Get(ctx, int(id))
}

func (s *TrackerRuleStore) Update(ctx context.Context, r *TrackerRule) (*TrackerRule, error) {
	if err := normalizeRule(r); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tracker_rules
		SET tracker_id = ?, category = ?, ratio_limit = ?, seed_time_limit_minutes = ?, priority = ?,
			auto_send = ?, client = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, r.TrackerID, r.Category, r.RatioLimit, r.SeedTimeLimitMinutes, r.Priority, nullableBool(r.AutoSend), r.Client, r.ID)
	if err != nil {
		return nil, err
	}

	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return nil, ErrRuleNotFound
	}

	return s.Get(ctx, r.ID)
}

func (s *TrackerRuleStore) Delete(ctx context.Context, id int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tracker_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Replace swaps the whole rule set atomically; used by config seeding and rule import.
func (s *TrackerRuleStore) Replace(ctx context.Context, rules []*TrackerRule) error {
	for _, r := range rules {
		if err := normalizeRule(r); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tracker_rules`); err != nil {
		return err
	}
	for _, r := range rules {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tracker_rules (tracker_id, category, ratio_limit, seed_time_limit_minutes, priority, auto_send, client)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.TrackerID, r.Category, r.RatioLimit, r.SeedTimeLimitMinutes, r.Priority, nullableBool(r.AutoSend), r.Client); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func normalizeRule(r *TrackerRule) error {
	if r == nil {
		return fmt.Errorf("%w: rule is nil", ErrInvalidRule)
	}
	r.TrackerID = strings.ToLower(strings.TrimSpace(r.TrackerID))
	r.Category = strings.TrimSpace(r.Category)
	r.Client = strings.TrimSpace(r.Client)
	if r.TrackerID == "" {
		return fmt.Errorf("%w: tracker is required", ErrInvalidRule)
	}
	if r.RatioLimit != nil && *r.RatioLimit < 0 {
		return fmt.Errorf("%w: ratio limit must not be negative", ErrInvalidRule)
	}
	if r.SeedTimeLimitMinutes != nil && *r.SeedTimeLimitMinutes < 0 {
		return fmt.Errorf("%w: seed time limit must not be negative", ErrInvalidRule)
	}
	return nil
}

func scanRule(row rowScanner) (*TrackerRule, error) {
	var (
		r        TrackerRule
		ratio    sql.NullFloat64
		seed     sql.NullInt64
		autoSend sql.NullBool
	)
	if err := row.Scan(&r.ID, &r.TrackerID, &r.Category, &ratio, &seed, &r.Priority, &autoSend, &r.Client, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if ratio.Valid {
		r.RatioLimit = &ratio.Float64
	}
	if seed.Valid {
		r.SeedTimeLimitMinutes = &seed.Int64
	}
	if autoSend.Valid {
		r.AutoSend = &autoSend.Bool
	}
	return &r, nil
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
