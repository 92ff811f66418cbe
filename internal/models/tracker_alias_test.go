// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAliasResolveInsertsOnce(t *testing.T) {
	db := newTestDB(t)
	store := NewTrackerAliasStore(db)
	ctx := context.Background()

	a, err := store.Resolve(ctx, "Tracker.Example.com")
	require.NoError(t, err)
	assert.Equal(t, "tracker.example.com", a.Identity)
	assert.Equal(t, AliasSourceResolved, a.Source)

	_, err = store.Assert(ctx, "tracker.example.com", "example.com")
	require.NoError(t, err)

	a, err = store.Resolve(ctx, "tracker.example.com")
	require.NoError(t, err)
	assert.Equal(t, "example.com", a.Identity, "resolve never overwrites an existing mapping")
	assert.Equal(t, AliasSourceConfig, a.Source)

	aliases, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, aliases, 1)

	require.NoError(t, store.Delete(ctx, "tracker.example.com"))
	assert.True(t, errors.Is(store.Delete(ctx, "tracker.example.com"), ErrAliasNotFound))

	_, err = store.Get(ctx, "tracker.example.com")
	assert.ErrorIs(t, err, ErrAliasNotFound)
}

func TestTrackerRuleStoreCRUD(t *testing.T) {
	db := newTestDB(t)
	store := NewTrackerRuleStore(db)
	ctx := context.Background()

	ratio := 2.5
	auto := true
	created, err := store.Create(ctx, &TrackerRule{TrackerID: " Example.com ", Category: "movies", RatioLimit: &ratio, Priority: 5, AutoSend: &auto})
	require.NoError(t, err)
	assert.Equal(t, "example.com", created.TrackerID)
	require.NotNil(t, created.RatioLimit)
	assert.InDelta(t, 2.5, *created.RatioLimit, 0.0001)
	assert.Nil(t, created.SeedTimeLimitMinutes)
	require.NotNil(t, created.AutoSend)
	assert.True(t, *created.AutoSend)

	_, err = store.Create(ctx, &TrackerRule{TrackerID: WildcardTracker, Category: "default", Priority: 1})
	require.NoError(t, err)

	rules, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "example.com", rules[0].TrackerID)
	assert.True(t, rules[1].IsWildcard())

	created.Priority = 0
	updated, err := store.Update(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Priority)

	require.NoError(t, store.Delete(ctx, created.ID))
	assert.ErrorIs(t, store.Delete(ctx, created.ID), ErrRuleNotFound)

	_, err = store.Create(ctx, &TrackerRule{TrackerID: ""})
	assert.Error(t, err)

	require.NoError(t, store.Replace(ctx, []*TrackerRule{{TrackerID: "foo.org", Priority: 5}, {TrackerID: "foo.org", Priority: 5}}))
	rules, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestHealthStore(t *testing.T) {
	db := newTestDB(t)
	store := NewHealthStore(db)
	ctx := context.Background()

	require.NoError(t, store.RecordError(ctx, HealthScopeClient, "seedbox", ErrorKindTransient, errors.New("connection refused")))

	rows, err := store.List(ctx, HealthScopeClient)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "connection refused", rows[0].LastError)
	assert.Equal(t, ErrorKindTransient, rows[0].ErrorKind)
	assert.False(t, rows[0].Healthy())

	require.NoError(t, store.RecordSuccess(ctx, HealthScopeClient, "seedbox"))
	require.NoError(t, store.RecordSuccess(ctx, HealthScopeTracker, "example.com"))

	rows, err = store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Healthy())
	assert.Equal(t, "connection refused", rows[0].LastError, "success keeps the last error for inspection")
}
