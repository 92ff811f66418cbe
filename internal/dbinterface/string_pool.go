// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package dbinterface

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLite has SQLITE_MAX_VARIABLE_NUMBER limit (default 999)
const maxParams = 900

// InternStrings stores each value once in string_pool and returns the IDs in input order.
// Empty values are rejected.
func InternStrings(ctx context.Context, tx TxQuerier, values ...string) ([]int64, error) {
	if len(values) == 0 {
		return []int64{}, nil
	}

	unique := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for i, v := range values {
		if v == "" {
			return nil, fmt.Errorf("value at index %d is empty", i)
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		unique = append(unique, v)
	}

	const queryTemplate = "INSERT OR IGNORE INTO string_pool (value) VALUES %s"
	for i := 0; i < len(unique); i += maxParams {
		chunk := unique[i:min(i+maxParams, len(unique))]
		args := make([]any, len(chunk))
		for j, v := range chunk {
			args[j] = v
		}
		if _, err := tx.ExecContext(ctx, BuildQueryWithPlaceholders(queryTemplate, 1, len(chunk)), args...); err != nil {
			return nil, fmt.Errorf("failed to insert strings: %w", err)
		}
	}

	ids, err := GetStringID(ctx, tx, values...)
	if err != nil {
		return nil, err
	}

	result := make([]int64, len(ids))
	for i, id := range ids {
		if !id.Valid {
			return nil, fmt.Errorf("failed to get ID for interned string %q", values[i])
		}
		result[i] = id.Int64
	}
	return result, nil
}

// GetStringID looks up IDs without creating rows. Missing or empty values
// come back as sql.NullInt64{Valid: false}.
func GetStringID(ctx context.Context, tx TxQuerier, values ...string) ([]sql.NullInt64, error) {
	results := make([]sql.NullInt64, len(values))
	if len(values) == 0 {
		return results, nil
	}

	lookup := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		lookup = append(lookup, v)
	}

	valueToID := make(map[string]int64, len(lookup))
	for i := 0; i < len(lookup); i += maxParams {
		chunk := lookup[i:min(i+maxParams, len(lookup))]
		args := make([]any, len(chunk))
		for j, v := range chunk {
			args[j] = v
		}

		rows, err := tx.QueryContext(ctx, "SELECT id, value FROM string_pool WHERE value IN ("+InClause(len(chunk))+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query string pool: %w", err)
		}
		for rows.Next() {
			var id int64
			var value string
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan string pool row: %w", err)
			}
			valueToID[value] = id
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating string pool rows: %w", err)
		}
	}

	for i, v := range values {
		if id, ok := valueToID[v]; ok {
			results[i] = sql.NullInt64{Int64: id, Valid: true}
		}
	}
	return results, nil
}

// GetString resolves IDs back to their values, in input order.
func GetString(ctx context.Context, tx TxQuerier, ids ...int64) ([]string, error) {
	results := make([]string, len(ids))
	if len(ids) == 0 {
		return results, nil
	}

	idToValue := make(map[int64]string, len(ids))
	for i := 0; i < len(ids); i += maxParams {
		chunk := ids[i:min(i+maxParams, len(ids))]
		args := make([]any, len(chunk))
		for j, id := range chunk {
			args[j] = id
		}

		rows, err := tx.QueryContext(ctx, "SELECT id, value FROM string_pool WHERE id IN ("+InClause(len(chunk))+")", args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query string pool: %w", err)
		}
		for rows.Next() {
			var id int64
			var value string
			if err := rows.Scan(&id, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan string pool row: %w", err)
			}
			idToValue[id] = value
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating string pool rows: %w", err)
		}
	}

	for i, id := range ids {
		v, ok := idToValue[id]
		if !ok {
			return nil, fmt.Errorf("string pool id %d not found", id)
		}
		results[i] = v
	}
	return results, nil
}
