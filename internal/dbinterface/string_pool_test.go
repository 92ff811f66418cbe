// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openPool(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE string_pool (id INTEGER PRIMARY KEY AUTOINCREMENT, value TEXT NOT NULL UNIQUE)`)
	require.NoError(t, err)
	return db
}

func TestInternStringsDeduplicates(t *testing.T) {
	db := openPool(t)
	ctx := context.Background()

	tx, err := db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	values := []string{"/data/a", "/data/b", "/data/a"}
	ids, err := InternStrings(ctx, tx, values...)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.Equal(t, ids[0], ids[2])
	assert.NotEqual(t, ids[0], ids[1])

	again, err := InternStrings(ctx, tx, "/data/b")
	require.NoError(t, err)
	assert.Equal(t, ids[1], again[0])

	back, err := GetString(ctx, tx, ids...)
	require.NoError(t, err)
	assert.Equal(t, values, back)

	require.NoError(t, tx.Commit())
}

func TestInternStringsRejectsEmpty(t *testing.T) {
	db := openPool(t)
	_, err := InternStrings(context.Background(), db, "ok", "")
	require.Error(t, err)
}

func TestGetStringIDMissing(t *testing.T) {
	db := openPool(t)
	ctx := context.Background()

	_, err := InternStrings(ctx, db, "present")
	require.NoError(t, err)

	ids, err := GetStringID(ctx, db, "present", "absent", "")
	require.NoError(t, err)
	assert.True(t, ids[0].Valid)
	assert.False(t, ids[1].Valid)
	assert.False(t, ids[2].Valid)
}

func TestInternStringsLargeBatch(t *testing.T) {
	db := openPool(t)
	values := make([]string, maxParams*2+7)
	for i := range values {
		values[i] = fmt.Sprintf("dir-%d", i)
	}

	ids, err := InternStrings(context.Background(), db, values...)
	require.NoError(t, err)
	require.Len(t, ids, len(values))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM string_pool").Scan(&count))
	assert.Equal(t, len(values), count)
}

func TestBuildQueryWithPlaceholders(t *testing.T) {
	assert.Equal(t, "INSERT INTO t VALUES (?,?),(?,?)", BuildQueryWithPlaceholders("INSERT INTO t VALUES %s", 2, 2))
	assert.Equal(t, "?,?,?", InClause(3))
	assert.Empty(t, InClause(0))
}
