// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"

	"github.com/autobrr/magnetcc/internal/database"
	"github.com/autobrr/magnetcc/internal/dbinterface"
)

// execRetry runs a single write, retrying while SQLite reports the database busy.
func execRetry(ctx context.Context, db dbinterface.TxQuerier, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := database.RetryOnBusy(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}
