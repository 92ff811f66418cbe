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

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrAlreadyDispatched = errors.New("record already has a client reference")
)

// RecordStatus is the seeding lifecycle of a record.
type RecordStatus string

const (
	StatusNeverSeeded      RecordStatus = "never_seeded"
	StatusActive           RecordStatus = "active"
	StatusSeededHistorical RecordStatus = "seeded_historical"
)

// Next returns the state after observing the torrent as active or not.
// Only an active observation leaves never_seeded, and only a
// non-active observation leaves active.
func (s RecordStatus) Next(active bool) RecordStatus {
	switch s {
	case StatusNeverSeeded, StatusSeededHistorical:
		if active {
			return StatusActive
		}
		return s
	case StatusActive:
		if active {
			return StatusActive
		}
		return StatusSeededHistorical
	default:
		if active {
			return StatusActive
		}
		return StatusNeverSeeded
	}
}

func (s RecordStatus) Valid() bool {
	switch s {
	case StatusNeverSeeded, StatusActive, StatusSeededHistorical:
		return true
	}
	return false
}

// DispatchState records the outcome of the last dispatch decision.
type DispatchState string

const (
	DispatchNone        DispatchState = ""
	DispatchDeferred    DispatchState = "deferred"
	DispatchNoPolicy    DispatchState = "no_policy"
	DispatchConfigError DispatchState = "config_error"
	DispatchUnresolved  DispatchState = "unresolved"
	DispatchDispatched  DispatchState = "dispatched"
	DispatchFailed      DispatchState = "failed"
)

// ClientRef names the client session holding a torrent and its hash there.
type ClientRef struct {
	Client string `json:"client"`
	Hash   string `json:"hash"`
}

// AppliedPolicy is the policy snapshot last pushed to the client.
type AppliedPolicy struct {
	Category      string  `json:"category"`
	RatioLimit    float64 `json:"ratioLimit"`
	SeedTimeLimit int64   `json:"seedTimeLimit"`
}

type TorrentRecord struct {
	InfoHash         string         `json:"infohash"`
	Name             string         `json:"name"`
	SizeBytes        int64          `json:"sizeBytes"`
	AddedAt          *time.Time     `json:"addedAt,omitempty"`
	Magnet           string         `json:"magnet"`
	TrackerID        string         `json:"trackerId,omitempty"`
	SourceDir        string         `json:"sourceDir"`
	SourcePath       string         `json:"sourcePath"`
	Fingerprint      string         `json:"fingerprint"`
	Status           RecordStatus   `json:"status"`
	ClientRef        *ClientRef     `json:"clientRef,omitempty"`
	Applied          *AppliedPolicy `json:"applied,omitempty"`
	DispatchState    DispatchState  `json:"dispatchState"`
	DispatchReason   string         `json:"dispatchReason,omitempty"`
	LastScanAt       *time.Time     `json:"lastScanAt,omitempty"`
	LastSeenActiveAt *time.Time     `json:"lastSeenActiveAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Resolved reports whether the record has a tracker identity.
func (r *TorrentRecord) Resolved() bool {
	return r.TrackerID != ""
}

// Sighting is one observation of a torrent in a scan.
type Sighting struct {
	InfoHash    string
	Name        string
	SizeBytes   int64
	AddedAt     *time.Time
	Magnet      string
	TrackerID   string
	SourceDir   string
	SourcePath  string
	Fingerprint string
	ScanAt      time.Time
}

type RecordFilter struct {
	TrackerID     string
	Client        string
	Status        RecordStatus
	DispatchState *DispatchState
	Limit         int
}

// TrackerCount summarises records per tracker identity.
type TrackerCount struct {
	TrackerID   string `json:"trackerId"`
	Total       int    `json:"total"`
	Active      int    `json:"active"`
	Historical  int    `json:"historical"`
	NeverSeeded int    `json:"neverSeeded"`
	Sent        int    `json:"sent"`
}

// RecordStore persists torrent records. Writes to one infohash are serialized.
type RecordStore struct {
	db    dbinterface.Querier
	locks *keyedMutex
}

func NewRecordStore(db dbinterface.Querier) *RecordStore {
	return &RecordStore{db: db, locks: newKeyedMutex()}
}

// Ping checks that the backing database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const recordColumns = `
	r.infohash, r.name, r.size_bytes, r.added_at, r.magnet, r.tracker_id, sp.value, r.source_path,
	r.fingerprint, r.status, r.client_name, r.client_hash, r.applied_category, r.applied_ratio_limit,
	r.applied_seed_time_limit, r.dispatch_state, r.dispatch_reason, r.last_scan_at, r.last_seen_active_at,
	r.created_at, r.updated_at`

const recordFrom = ` FROM records r LEFT JOIN string_pool sp ON sp.id = r.source_dir_id`

// UpsertSighting inserts a record on first sighting and refreshes it afterwards.
// Status, client reference and applied policy are never touched here.
func (s *RecordStore) UpsertSighting(ctx context.Context, in *Sighting) (*TorrentRecord, bool, error) {
	if in == nil || in.InfoHash == "" {
		return nil, false, errors.New("sighting requires an infohash")
	}
	hash := strings.ToLower(in.InfoHash)

	unlock := s.locks.Lock(hash)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM records WHERE infohash = ?", hash).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, false, err
	}
	created := exists == 0

	var sourceDirID sql.NullInt64
	if in.SourceDir != "" {
		ids, err := dbinterface.InternStrings(ctx, tx, in.SourceDir)
		if err != nil {
			return nil, false, fmt.Errorf("intern source dir: %w", err)
		}
		sourceDirID = sql.NullInt64{Int64: ids[0], Valid: true}
	}

	scanAt := in.ScanAt
	if scanAt.IsZero() {
		scanAt = time.Now()
	}
	scanAt = scanAt.UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (infohash, name, size_bytes, added_at, magnet, tracker_id, source_dir_id, source_path,
			fingerprint, status, last_scan_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(infohash) DO UPDATE SET
			name = excluded.name,
			size_bytes = excluded.size_bytes,
			added_at = COALESCE(excluded.added_at, records.added_at),
			magnet = CASE WHEN excluded.magnet != '' THEN excluded.magnet ELSE records.magnet END,
			tracker_id = COALESCE(excluded.tracker_id, records.tracker_id),
			source_dir_id = excluded.source_dir_id,
			source_path = excluded.source_path,
			fingerprint = excluded.fingerprint,
			last_scan_at = excluded.last_scan_at,
			updated_at = excluded.updated_at
	`, hash, in.Name, in.SizeBytes, nullableTime(in.AddedAt), in.Magnet, nullableString(in.TrackerID), sourceDirID,
		in.SourcePath, in.Fingerprint, string(StatusNeverSeeded), scanAt, scanAt, scanAt)
	if err != nil {
		return nil, false, fmt.Errorf("upsert record %s: %w", hash, err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, "SELECT "+recordColumns+recordFrom+" WHERE r.infohash = ?", hash))
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return rec, created, nil
}

func (s *RecordStore) Get(ctx context.Context, infohash string) (*TorrentRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, "SELECT "+recordColumns+recordFrom+" WHERE r.infohash = ?", strings.ToLower(infohash)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

func (s *RecordStore) List(ctx context.Context, f RecordFilter) ([]*TorrentRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.TrackerID != "" {
		where = append(where, "r.tracker_id = ?")
		args = append(args, f.TrackerID)
	}
	if f.Client != "" {
		where = append(where, "r.client_name = ?")
		args = append(args, f.Client)
	}
	if f.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(f.Status))
	}
	if f.DispatchState != nil {
		where = append(where, "r.dispatch_state = ?")
		args = append(args, string(*f.DispatchState))
	}

	query := "SELECT " + recordColumns + recordFrom
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.infohash ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TorrentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// GetMany returns the records for the given hashes, skipping unknown ones.
func (s *RecordStore) GetMany(ctx context.Context, hashes []string) ([]*TorrentRecord, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = strings.ToLower(h)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT "+recordColumns+recordFrom+" WHERE r.infohash IN ("+dbinterface.InClause(len(hashes))+") ORDER BY r.infohash ASC", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TorrentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SetDispatch records the outcome of a dispatch decision that did not add the torrent.
func (s *RecordStore) SetDispatch(ctx context.Context, infohash string, state DispatchState, reason string) error {
	hash := strings.ToLower(infohash)
	unlock := s.locks.Lock(hash)
	defer unlock()

	res, err := execRetry(ctx, s.db, `
		UPDATE records SET dispatch_state = ?, dispatch_reason = ?, updated_at = ?
		WHERE infohash = ?
	`, string(state), reason, time.Now().UTC(), hash)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// SetClientRef stores the client reference and applied policy together with
// dispatch_state=dispatched. It refuses to overwrite an existing reference.
func (s *RecordStore) SetClientRef(ctx context.Context, infohash string, ref ClientRef, applied AppliedPolicy) error {
	hash := strings.ToLower(infohash)
	unlock := s.locks.Lock(hash)
	defer unlock()

	res, err := execRetry(ctx, s.db, `
		UPDATE records SET client_name = ?, client_hash = ?,
			applied_category = ?, applied_ratio_limit = ?, applied_seed_time_limit = ?,
			dispatch_state = ?, dispatch_reason = '', updated_at = ?
		WHERE infohash = ? AND client_name IS NULL
	`, ref.Client, strings.ToLower(ref.Hash), applied.Category, applied.RatioLimit, applied.SeedTimeLimit,
		string(DispatchDispatched), time.Now().UTC(), hash)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.Get(ctx, hash); err != nil {
			return err
		}
		return ErrAlreadyDispatched
	}
	return nil
}

// SetApplied updates the applied policy snapshot after a drift correction.
func (s *RecordStore) SetApplied(ctx context.Context, infohash string, applied AppliedPolicy) error {
	hash := strings.ToLower(infohash)
	unlock := s.locks.Lock(hash)
	defer unlock()

	res, err := execRetry(ctx, s.db, `
		UPDATE records SET applied_category = ?, applied_ratio_limit = ?, applied_seed_time_limit = ?, updated_at = ?
		WHERE infohash = ?
	`, applied.Category, applied.RatioLimit, applied.SeedTimeLimit, time.Now().UTC(), hash)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ObserveStatus feeds one active/not-active observation into the state machine
// and returns the resulting status.
func (s *RecordStore) ObserveStatus(ctx context.Context, infohash string, active bool, at time.Time) (RecordStatus, error) {
	hash := strings.ToLower(infohash)
	unlock := s.locks.Lock(hash)
	defer unlock()

	var current string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM records WHERE infohash = ?", hash).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}

	next := RecordStatus(current).Next(active)
	at = at.UTC()

	if active {
		_, err = execRetry(ctx, s.db, `
			UPDATE records SET status = ?, last_seen_active_at = ?, updated_at = ? WHERE infohash = ?
		`, string(next), at, at, hash)
	} else if next != RecordStatus(current) {
		_, err = execRetry(ctx, s.db, `
			UPDATE records SET status = ?, updated_at = ? WHERE infohash = ?
		`, string(next), at, hash)
	}
	if err != nil {
		return "", err
	}

	return next, nil
}

// ResetSent clears client references so records become eligible for dispatch again.
// An empty trackerID resets every record.
func (s *RecordStore) ResetSent(ctx context.Context, trackerID string) (int64, error) {
	query := `
		UPDATE records SET client_name = NULL, client_hash = NULL,
			applied_category = NULL, applied_ratio_limit = NULL, applied_seed_time_limit = NULL,
			dispatch_state = '', dispatch_reason = '', updated_at = ?
		WHERE client_name IS NOT NULL`
	args := []any{time.Now().UTC()}
	if trackerID != "" {
		query += " AND tracker_id = ?"
		args = append(args, trackerID)
	}

	res, err := execRetry(ctx, s.db, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TrackerCounts groups records by tracker identity; unresolved records are keyed by "".
func (s *RecordStore) TrackerCounts(ctx context.Context) ([]TrackerCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(tracker_id, ''),
			COUNT(*),
			SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'seeded_historical' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'never_seeded' THEN 1 ELSE 0 END),
			SUM(CASE WHEN client_name IS NOT NULL THEN 1 ELSE 0 END)
		FROM records
		GROUP BY COALESCE(tracker_id, '')
		ORDER BY COALESCE(tracker_id, '') ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []TrackerCount
	for rows.Next() {
		var c TrackerCount
		if err := rows.Scan(&c.TrackerID, &c.Total, &c.Active, &c.Historical, &c.NeverSeeded, &c.Sent); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (s *RecordStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TorrentRecord, error) {
	var (
		rec              TorrentRecord
		addedAt          sql.NullTime
		trackerID        sql.NullString
		sourceDir        sql.NullString
		status           string
		clientName       sql.NullString
		clientHash       sql.NullString
		appliedCategory  sql.NullString
		appliedRatio     sql.NullFloat64
		appliedSeedTime  sql.NullInt64
		dispatchState    string
		lastScanAt       sql.NullTime
		lastSeenActiveAt sql.NullTime
	)

	if err := row.Scan(
		&rec.InfoHash, &rec.Name, &rec.SizeBytes, &addedAt, &rec.Magnet, &trackerID, &sourceDir, &rec.SourcePath,
		&rec.Fingerprint, &status, &clientName, &clientHash, &appliedCategory, &appliedRatio,
		&appliedSeedTime, &dispatchState, &rec.DispatchReason, &lastScanAt, &lastSeenActiveAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = RecordStatus(status)
	rec.DispatchState = DispatchState(dispatchState)
	rec.TrackerID = trackerID.String
	rec.SourceDir = sourceDir.String
	rec.AddedAt = timePtr(addedAt)
	rec.LastScanAt = timePtr(lastScanAt)
	rec.LastSeenActiveAt = timePtr(lastSeenActiveAt)

	if clientName.Valid {
		rec.ClientRef = &ClientRef{Client: clientName.String, Hash: clientHash.String}
	}
	if appliedCategory.Valid || appliedRatio.Valid || appliedSeedTime.Valid {
		rec.Applied = &AppliedPolicy{
			Category:      appliedCategory.String,
			RatioLimit:    appliedRatio.Float64,
			SeedTimeLimit: appliedSeedTime.Int64,
		}
	}

	return &rec, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return value.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
