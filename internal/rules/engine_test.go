// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/models"
)

func ptr[T any](v T) *T { return &v }

var testDefaults = Defaults{RatioLimit: 2.0, SeedTimeLimitMinutes: 14 * 24 * 60}

func engineWith(rules ...*models.TrackerRule) *Engine {
	e := NewEngine(nil, testDefaults)
	for i, r := range rules {
		if r.ID == 0 {
			r.ID = i + 1
		}
	}
	e.SetRules(rules)
	return e
}

func TestApplyExplicitBeatsWildcard(t *testing.T) {
	e := engineWith(
		&models.TrackerRule{TrackerID: "example.com", Priority: 5, Category: "movies"},
		&models.TrackerRule{TrackerID: "*", Priority: 1, Category: "default"},
	)

	d := e.Apply("example.com")
	require.NoError(t, d.Err)
	assert.Equal(t, "movies", d.Policy.Category)
	assert.Equal(t, 1, d.Policy.RuleID)

	d = e.Apply("other.org")
	require.NoError(t, d.Err)
	assert.Equal(t, "default", d.Policy.Category)
}

func TestApplyTieIsConflict(t *testing.T) {
	e := engineWith(
		&models.TrackerRule{TrackerID: "foo.org", Priority: 5, Category: "a"},
		&models.TrackerRule{TrackerID: "foo.org", Priority: 5, Category: "b"},
		&models.TrackerRule{TrackerID: "*", Priority: 1, Category: "default"},
	)

	d := e.Apply("foo.org")
	require.Error(t, d.Err)
	assert.Nil(t, d.Policy)
	assert.True(t, errors.Is(d.Err, ErrRuleConflict))

	var conflict *ConflictError
	require.ErrorAs(t, d.Err, &conflict)
	assert.Equal(t, "foo.org", conflict.TrackerID)
	assert.Equal(t, []int{1, 2}, conflict.RuleIDs)

	// Other trackers keep working.
	d = e.Apply("bar.org")
	require.NoError(t, d.Err)
	assert.Equal(t, "default", d.Policy.Category)
}

func TestApplyEqualPriorityExplicitAndWildcard(t *testing.T) {
	e := engineWith(
		&models.TrackerRule{TrackerID: "*", Priority: 5, Category: "default"},
		&models.TrackerRule{TrackerID: "example.com", Priority: 5, Category: "movies"},
	)

	d := e.Apply("example.com")
	require.NoError(t, d.Err)
	assert.Equal(t, "movies", d.Policy.Category)
}

func TestApplyLowerTieDoesNotMatter(t *testing.T) {
	e := engineWith(
		&models.TrackerRule{TrackerID: "foo.org", Priority: 9, Category: "winner"},
		&models.TrackerRule{TrackerID: "foo.org", Priority: 1, Category: "a"},
		&models.TrackerRule{TrackerID: "foo.org", Priority: 1, Category: "b"},
	)

	d := e.Apply("foo.org")
	require.NoError(t, d.Err)
	assert.Equal(t, "winner", d.Policy.Category)
	assert.Empty(t, e.Validate())
}

func TestApplyNoPolicyAndUnresolved(t *testing.T) {
	e := engineWith(&models.TrackerRule{TrackerID: "example.com", Priority: 1})

	d := e.Apply("foo.org")
	assert.ErrorIs(t, d.Err, ErrNoPolicy)
	assert.Nil(t, d.Policy)

	d = e.Apply("")
	assert.ErrorIs(t, d.Err, ErrUnresolved)
}

func TestApplyDefaultsAndCategoryFallback(t *testing.T) {
	e := engineWith(
		&models.TrackerRule{TrackerID: "tracker.example.com", Priority: 1, SeedTimeLimitMinutes: ptr(int64(60)), AutoSend: ptr(true), Client: "seedbox"},
	)

	d := e.Apply("Tracker.Example.com")
	require.NoError(t, d.Err)
	assert.Equal(t, "tracker", d.Policy.Category)
	assert.InDelta(t, 2.0, d.Policy.RatioLimit, 0.0001)
	assert.Equal(t, int64(60), d.Policy.SeedTimeLimitMinutes)
	require.NotNil(t, d.Policy.AutoSend)
	assert.True(t, *d.Policy.AutoSend)
	assert.Equal(t, "seedbox", d.Policy.Client)

	applied := d.Policy.Applied()
	assert.True(t, d.Policy.Matches(&applied))
	applied.RatioLimit = 3
	assert.False(t, d.Policy.Matches(&applied))
	assert.False(t, d.Policy.Matches(nil))
}

func TestValidateListsConflicts(t *testing.T) {
	e := engineWith(
		&models.TrackerRule{TrackerID: "foo.org", Priority: 5},
		&models.TrackerRule{TrackerID: "foo.org", Priority: 5},
		&models.TrackerRule{TrackerID: "bar.org", Priority: 2},
		&models.TrackerRule{TrackerID: "*", Priority: 3},
		&models.TrackerRule{TrackerID: "*", Priority: 3},
	)

	conflicts := e.Validate()
	require.Len(t, conflicts, 3)
	assert.Equal(t, "bar.org", conflicts[0].TrackerID, "wildcards outrank bar.org and tie")
	assert.Equal(t, []int{4, 5}, conflicts[0].RuleIDs)
	assert.Equal(t, "foo.org", conflicts[1].TrackerID)
	assert.Equal(t, "*", conflicts[2].TrackerID)
}

type staticSource struct {
	rules []*models.TrackerRule
	err   error
}

func (s staticSource) List(context.Context) ([]*models.TrackerRule, error) {
	return s.rules, s.err
}

func TestLoad(t *testing.T) {
	e := NewEngine(staticSource{rules: []*models.TrackerRule{{ID: 1, TrackerID: "*", Category: "all"}}}, testDefaults)
	require.NoError(t, e.Load(context.Background()))
	assert.Len(t, e.Rules(), 1)
	assert.Equal(t, "all", e.Apply("x.org").Policy.Category)

	e = NewEngine(staticSource{err: errors.New("db down")}, testDefaults)
	assert.Error(t, e.Load(context.Background()))
}

func TestDefaultsFromConfig(t *testing.T) {
	d := DefaultsFromConfig(domain.DispatchConfig{DefaultRatioLimit: 2.0, DefaultSeedDays: 14})
	assert.Equal(t, int64(20160), d.SeedTimeLimitMinutes)

	rules := FromConfig([]domain.RuleConfig{{Tracker: "a.org", Category: "c", Priority: 3}})
	require.Len(t, rules, 1)
	assert.Equal(t, "a.org", rules[0].TrackerID)
	assert.Equal(t, 3, rules[0].Priority)
}
