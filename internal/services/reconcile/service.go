// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package reconcile brings scanned debrid exports and qBittorrent client state into agreement.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/models"
	"github.com/autobrr/magnetcc/internal/qbittorrent"
	"github.com/autobrr/magnetcc/internal/rules"
	"github.com/autobrr/magnetcc/internal/scanner"
	"github.com/autobrr/magnetcc/internal/tracker"
)

var (
	ErrStoreUnavailable = errors.New("record store unavailable")
	ErrLeaseLost        = errors.New("cycle lease is no longer valid")
)

// Lease guards a cycle; dispatch only proceeds while it is valid.
type Lease interface {
	Valid() bool
}

type Scanner interface {
	Scan(ctx context.Context) (*scanner.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, c *scanner.Candidate) (tracker.Resolution, error)
}

type RuleEngine interface {
	Apply(trackerID string) rules.Decision
}

type Deps struct {
	Scanner  Scanner
	Resolver Resolver
	Rules    RuleEngine
	Records  *models.RecordStore
	Health   qbittorrent.HealthRecorder
	Sessions Sessions
}

type Service struct {
	scanner  Scanner
	resolver Resolver
	rules    RuleEngine
	records  *models.RecordStore
	health   qbittorrent.HealthRecorder
	sessions Sessions
	affinity *affinityMatcher
	dispatch atomic.Pointer[domain.DispatchConfig]
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(deps Deps, cfg domain.DispatchConfig) *Service {
	s := &Service{
		scanner:  deps.Scanner,
		resolver: deps.Resolver,
		rules:    deps.Rules,
		records:  deps.Records,
		health:   deps.Health,
		sessions: deps.Sessions,
		affinity: newAffinityMatcher(),
		now:      time.Now,
		log:      log.With().Str("module", "reconcile").Logger(),
	}
	s.SetDispatchConfig(cfg)
	return s
}

// SetDispatchConfig swaps the dispatch settings used by subsequent cycles.
func (s *Service) SetDispatchConfig(cfg domain.DispatchConfig) {
	s.dispatch.Store(&cfg)
}

func (s *Service) dispatchConfig() domain.DispatchConfig {
	return *s.dispatch.Load()
}

func (s *Service) Close() {
	s.affinity.close()
}

// work is a record that has a policy and is waiting to be added.
type work struct {
	rec    *models.TorrentRecord
	policy *rules.Policy
}

type ingestState struct {
	report    *CycleReport
	trackerOK map[string]struct{}
	trackerKO map[string]error
}

// snapshot is the live view of one session taken at the start of dispatch.
type snapshot struct {
	report   *SessionReport
	torrents map[string]qbittorrent.Torrent
	load     int
	err      error
}

// RunCycle performs one scan, resolve, rule and dispatch pass.
func (s *Service) RunCycle(ctx context.Context, lease Lease) (*CycleReport, error) {
	report := &CycleReport{StartedAt: s.now()}
	defer func() { report.FinishedAt = s.now() }()

	if err := s.records.Ping(ctx); err != nil {
		return report, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	result, err := s.scanner.Scan(ctx)
	if err != nil {
		return report, err
	}
	report.Files = result.Files
	report.Candidates = len(result.Candidates)
	report.Warnings = len(result.Warnings)
	report.TotalBytes = result.TotalBytes

	pending, err := s.ingest(ctx, result.Candidates, report)
	if err != nil {
		return report, err
	}

	if lease == nil || !lease.Valid() {
		return report, ErrLeaseLost
	}

	if err := s.execute(ctx, pending, report, true, ""); err != nil {
		return report, err
	}
	report.aggregate()

	s.log.Info().
		Int("files", report.Files).
		Int("candidates", report.Candidates).
		Str("size", humanize.Bytes(uint64(max(report.TotalBytes, 0)))).
		Int("new", report.New).
		Int("added", report.Added).
		Int("adopted", report.Adopted).
		Int("deferred", report.Deferred).
		Int("failed", report.Failed).
		Int("transitions", report.Transitions).
		Msg("Reconcile cycle finished")

	return report, nil
}

// Send dispatches the given records now, ignoring the auto-send setting.
// An empty client lets affinity pick the session.
func (s *Service) Send(ctx context.Context, hashes []string, client string) ([]SendOutcome, error) {
	if err := s.records.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if client != "" {
		if err := s.sessions.ConfigError(client); err != nil {
			return nil, fmt.Errorf("client %s: %w", client, err)
		}
	}

	normalized := make([]string, 0, len(hashes))
	for _, h := range hashes {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			normalized = append(normalized, h)
		}
	}

	recs, err := s.records.GetMany(ctx, normalized)
	if err != nil {
		return nil, storeErr(err)
	}

	report := &CycleReport{StartedAt: s.now()}
	st := newIngestState(report)
	var pending []*work
	for _, rec := range recs {
		w, err := s.classify(ctx, rec, st, true)
		if err != nil {
			return nil, err
		}
		if w != nil {
			pending = append(pending, w)
		}
	}
	s.flushTrackerHealth(ctx, st)

	if err := s.execute(ctx, pending, report, false, client); err != nil {
		return nil, err
	}

	after, err := s.records.GetMany(ctx, normalized)
	if err != nil {
		return nil, storeErr(err)
	}
	byHash := make(map[string]*models.TorrentRecord, len(after))
	for _, rec := range after {
		byHash[rec.InfoHash] = rec
	}

	outcomes := make([]SendOutcome, 0, len(normalized))
	for _, h := range normalized {
		rec, ok := byHash[h]
		if !ok {
			outcomes = append(outcomes, SendOutcome{InfoHash: h, State: models.DispatchFailed, Reason: models.ErrRecordNotFound.Error()})
			continue
		}
		out := SendOutcome{InfoHash: h, State: rec.DispatchState, Reason: rec.DispatchReason}
		if rec.ClientRef != nil {
			out.Client = rec.ClientRef.Client
			out.State = models.DispatchDispatched
		}
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

// ResetSent clears client references for one tracker, or all records when trackerID is empty.
func (s *Service) ResetSent(ctx context.Context, trackerID string) (int64, error) {
	trackerID = strings.ToLower(strings.TrimSpace(trackerID))
	n, err := s.records.ResetSent(ctx, trackerID)
	if err != nil {
		return 0, storeErr(err)
	}
	s.log.Info().Str("tracker", trackerID).Int64("records", n).Msg("Reset sent records")
	return n, nil
}

func newIngestState(report *CycleReport) *ingestState {
	return &ingestState{
		report:    report,
		trackerOK: make(map[string]struct{}),
		trackerKO: make(map[string]error),
	}
}

func (s *Service) ingest(ctx context.Context, candidates []*scanner.Candidate, report *CycleReport) ([]*work, error) {
	now := s.now()
	st := newIngestState(report)
	var pending []*work

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := s.resolver.Resolve(ctx, c)
		if err != nil {
			return nil, storeErr(err)
		}

		sighting := &models.Sighting{
			InfoHash:    c.InfoHash,
			Name:        c.Name,
			SizeBytes:   c.SizeBytes,
			Magnet:      c.Magnet,
			TrackerID:   res.Identity,
			SourceDir:   c.SourceDir,
			SourcePath:  c.SourcePath,
			Fingerprint: c.Fingerprint,
			ScanAt:      now,
		}
		if !c.AddedAt.IsZero() {
			added := c.AddedAt
			sighting.AddedAt = &added
		}

		rec, created, err := s.records.UpsertSighting(ctx, sighting)
		if err != nil {
			return nil, storeErr(err)
		}
		if created {
			report.New++
			s.log.Debug().Str("hash", rec.InfoHash).Str("name", rec.Name).Str("tracker", rec.TrackerID).Str("method", string(res.Method)).Msg("New record")
		}

		w, err := s.classify(ctx, rec, st, false)
		if err != nil {
			return nil, err
		}
		if w != nil {
			pending = append(pending, w)
		}
	}

	s.flushTrackerHealth(ctx, st)
	return pending, nil
}

// classify applies rules to a record without a client reference and stores
// the reason it will not be dispatched, if any. Records already on a client
// only count towards tracker health.
func (s *Service) classify(ctx context.Context, rec *models.TorrentRecord, st *ingestState, force bool) (*work, error) {
	if rec.ClientRef != nil {
		if rec.Resolved() && s.rules.Apply(rec.TrackerID).Err == nil {
			st.trackerOK[rec.TrackerID] = struct{}{}
		}
		return nil, nil
	}

	if !rec.Resolved() {
		st.report.Unresolved++
		return nil, s.mark(ctx, rec, models.DispatchUnresolved, rules.ErrUnresolved.Error())
	}

	d := s.rules.Apply(rec.TrackerID)
	switch {
	case errors.Is(d.Err, rules.ErrRuleConflict):
		st.report.Conflicts++
		st.trackerKO[rec.TrackerID] = d.Err
		return nil, s.mark(ctx, rec, models.DispatchConfigError, d.Err.Error())
	case d.Err != nil:
		st.report.NoPolicy++
		return nil, s.mark(ctx, rec, models.DispatchNoPolicy, fmt.Sprintf("%v for %s", d.Err, rec.TrackerID))
	}
	st.trackerOK[rec.TrackerID] = struct{}{}

	autoSend := s.dispatchConfig().AutoSend
	if d.Policy.AutoSend != nil {
		autoSend = *d.Policy.AutoSend
	}
	if !force && !autoSend {
		st.report.Held++
		return nil, s.mark(ctx, rec, models.DispatchNone, "auto-send disabled")
	}

	return &work{rec: rec, policy: d.Policy}, nil
}

func (s *Service) flushTrackerHealth(ctx context.Context, st *ingestState) {
	if s.health == nil {
		return
	}
	for id, err := range st.trackerKO {
		if hErr := s.health.RecordError(ctx, models.HealthScopeTracker, id, models.ErrorKindConfig, err); hErr != nil {
			s.log.Error().Err(hErr).Str("tracker", id).Msg("Failed to record tracker health")
		}
	}
	for id := range st.trackerOK {
		if _, bad := st.trackerKO[id]; bad {
			continue
		}
		if hErr := s.health.RecordSuccess(ctx, models.HealthScopeTracker, id); hErr != nil {
			s.log.Error().Err(hErr).Str("tracker", id).Msg("Failed to record tracker health")
		}
	}
}

// execute snapshots every usable session, routes pending work and applies it.
// With refresh set, statuses and policies of owned records are reconciled too.
func (s *Service) execute(ctx context.Context, pending []*work, report *CycleReport, refresh bool, override string) error {
	tag := s.dispatchConfig().Tag

	var usable []string
	for _, name := range s.sessions.Names() {
		if s.sessions.ConfigError(name) == nil {
			usable = append(usable, name)
		}
	}

	owned := make(map[string][]*models.TorrentRecord, len(usable))
	if refresh {
		for _, name := range usable {
			recs, err := s.records.List(ctx, models.RecordFilter{Client: name})
			if err != nil {
				return storeErr(err)
			}
			owned[name] = recs
		}
	}

	snaps := make(map[string]*snapshot, len(usable))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range usable {
		g.Go(func() error {
			snap := s.snapshot(gctx, name, tag, owned[name])
			mu.Lock()
			snaps[name] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	assigned := make(map[string][]*work)
	for _, w := range pending {
		target, state, reason := s.route(w, usable, snaps, override)
		if target == "" {
			if state == models.DispatchConfigError {
				report.ConfigErrors++
			} else {
				report.Deferred++
			}
			if err := s.mark(ctx, w.rec, state, reason); err != nil {
				return err
			}
			continue
		}
		assigned[target] = append(assigned[target], w)
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, name := range usable {
		snap := snaps[name]
		report.Sessions = append(report.Sessions, snap.report)
		if len(owned[name]) == 0 && len(assigned[name]) == 0 {
			continue
		}
		g.Go(func() error {
			return s.apply(gctx, name, snap, owned[name], assigned[name])
		})
	}
	return g.Wait()
}

func (s *Service) snapshot(ctx context.Context, name, tag string, owned []*models.TorrentRecord) *snapshot {
	snap := &snapshot{
		report:   &SessionReport{Client: name},
		torrents: make(map[string]qbittorrent.Torrent),
	}

	hashes := make([]string, 0, len(owned))
	for _, rec := range owned {
		hashes = append(hashes, rec.ClientRef.Hash)
	}

	err := s.sessions.Do(ctx, name, func(sess Session) error {
		torrents, err := sess.ListTorrents(ctx, tag, hashes)
		if err != nil {
			return err
		}
		for _, t := range torrents {
			snap.torrents[strings.ToLower(t.Hash)] = t
		}
		return nil
	})
	if err != nil {
		snap.err = err
		snap.report.Error = err.Error()
		s.log.Warn().Err(err).Str("client", name).Msg("Client unreachable, deferring its work")
		return snap
	}

	snap.report.Reachable = true
	snap.load = len(snap.torrents)
	snap.report.Load = snap.load
	s.recordClientSuccess(ctx, name)
	return snap
}

func (s *Service) recordClientSuccess(ctx context.Context, name string) {
	if s.health == nil {
		return
	}
	if err := s.health.RecordSuccess(ctx, models.HealthScopeClient, name); err != nil {
		s.log.Error().Err(err).Str("client", name).Msg("Failed to record client health")
	}
}

// route picks the session for w: explicit override or rule client first,
// then the first session whose affinity expression accepts, then the least
// loaded reachable session without an affinity expression.
func (s *Service) route(w *work, usable []string, snaps map[string]*snapshot, override string) (string, models.DispatchState, string) {
	name := override
	if name == "" {
		name = w.policy.Client
	}
	if name != "" {
		if err := s.sessions.ConfigError(name); err != nil {
			return "", models.DispatchConfigError, fmt.Sprintf("client %s: %v", name, err)
		}
		return name, "", ""
	}

	if len(usable) == 0 {
		return "", models.DispatchConfigError, "no usable client configured"
	}

	env := AffinityEnv{
		Tracker:  w.policy.TrackerID,
		Category: w.policy.Category,
		Size:     w.rec.SizeBytes,
		Name:     w.rec.Name,
	}
	for _, n := range usable {
		cfg, _ := s.sessions.Config(n)
		if s.affinity.matches(n, cfg.Affinity, env) {
			return n, "", ""
		}
	}

	best := ""
	for pass := 0; pass < 2 && best == ""; pass++ {
		for _, n := range usable {
			snap := snaps[n]
			if snap == nil || snap.err != nil {
				continue
			}
			if cfg, _ := s.sessions.Config(n); pass == 0 && cfg.Affinity != "" {
				continue
			}
			if best == "" || snap.load < snaps[best].load {
				best = n
			}
		}
	}
	if best == "" {
		return "", models.DispatchDeferred, "no reachable client"
	}

	snaps[best].load++
	return best, "", ""
}

// apply refreshes statuses and policies of owned records, then adds assigned work.
func (s *Service) apply(ctx context.Context, name string, snap *snapshot, owned []*models.TorrentRecord, assigned []*work) error {
	sr := snap.report

	if snap.err != nil {
		return s.deferAll(ctx, sr, assigned, fmt.Sprintf("client %s unreachable: %v", name, snap.err))
	}

	var storeFailure error
	done := 0
	err := s.sessions.Do(ctx, name, func(sess Session) error {
		if storeFailure = s.refresh(ctx, sess, sr, snap, owned); storeFailure != nil {
			return nil
		}
		done, storeFailure = s.add(ctx, sess, sr, assigned)
		return nil
	})
	if storeFailure != nil {
		return storeFailure
	}
	if err != nil {
		sr.Error = err.Error()
		return s.deferAll(ctx, sr, assigned[done:], fmt.Sprintf("client %s unreachable: %v", name, err))
	}
	s.recordClientSuccess(ctx, name)
	return nil
}

func (s *Service) refresh(ctx context.Context, sess Session, sr *SessionReport, snap *snapshot, owned []*models.TorrentRecord) error {
	now := s.now()

	for _, rec := range owned {
		t, present := snap.torrents[strings.ToLower(rec.ClientRef.Hash)]
		active := present && t.Active()

		next, err := s.records.ObserveStatus(ctx, rec.InfoHash, active, now)
		if errors.Is(err, models.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return storeErr(err)
		}
		sr.Refreshed++
		if next != rec.Status {
			sr.Transitions++
			s.log.Debug().Str("client", sr.Client).Str("hash", rec.InfoHash).Str("from", string(rec.Status)).Str("to", string(next)).Msg("Status changed")
		}

		if !present {
			continue
		}
		if err := s.correctDrift(ctx, sess, sr, rec); err != nil {
			return err
		}
	}

	return nil
}

// correctDrift pushes the current policy to a torrent whose applied snapshot differs.
func (s *Service) correctDrift(ctx context.Context, sess Session, sr *SessionReport, rec *models.TorrentRecord) error {
	if !rec.Resolved() {
		return nil
	}
	d := s.rules.Apply(rec.TrackerID)
	if d.Err != nil || d.Policy.Matches(rec.Applied) {
		return nil
	}
	p := d.Policy
	hashes := []string{rec.ClientRef.Hash}

	if rec.Applied == nil || rec.Applied.RatioLimit != p.RatioLimit || rec.Applied.SeedTimeLimit != p.SeedTimeLimitMinutes {
		if err := sess.SetShareLimits(ctx, hashes, p.RatioLimit, p.SeedTimeLimitMinutes); err != nil {
			sr.Failed++
			s.log.Warn().Err(err).Str("client", sr.Client).Str("hash", rec.InfoHash).Msg("Failed to update share limits")
			return nil
		}
	}
	if rec.Applied == nil || rec.Applied.Category != p.Category {
		if err := sess.SetCategory(ctx, hashes, p.Category); err != nil {
			sr.Failed++
			s.log.Warn().Err(err).Str("client", sr.Client).Str("hash", rec.InfoHash).Msg("Failed to update category")
			return nil
		}
	}

	if err := s.records.SetApplied(ctx, rec.InfoHash, p.Applied()); err != nil {
		return storeErr(err)
	}
	sr.Drifted++
	s.log.Debug().Str("client", sr.Client).Str("hash", rec.InfoHash).Int("rule", p.RuleID).Msg("Policy drift corrected")
	return nil
}

// add submits assigned work, adopting hashes the client already has. It
// returns how many items were handled before a store failure.
func (s *Service) add(ctx context.Context, sess Session, sr *SessionReport, assigned []*work) (int, error) {
	if len(assigned) == 0 {
		return 0, nil
	}

	cfg, _ := s.sessions.Config(sr.Client)
	tag := s.dispatchConfig().Tag

	hashes := make([]string, len(assigned))
	for i, w := range assigned {
		hashes[i] = w.rec.InfoHash
	}
	live, err := sess.ListTorrents(ctx, "", hashes)
	if err != nil {
		return len(assigned), s.deferAll(ctx, sr, assigned, fmt.Sprintf("list torrents: %v", err))
	}
	present := make(map[string]qbittorrent.Torrent, len(live))
	for _, t := range live {
		present[strings.ToLower(t.Hash)] = t
	}

	threshold := cfg.DiskSpaceThreshold
	precheck := cfg.PrecheckEnabled()
	var free int64
	haveFree := false

	for i, w := range assigned {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		rec := w.rec

		if t, ok := present[rec.InfoHash]; ok {
			applied := models.AppliedPolicy{Category: t.Category, RatioLimit: t.RatioLimit, SeedTimeLimit: t.SeedingTimeLimit}
			if err := s.setRef(ctx, sr, rec, t.Hash, applied); err != nil {
				return i, err
			}
			sr.Adopted++
			s.log.Info().Str("client", sr.Client).Str("hash", rec.InfoHash).Str("name", rec.Name).Msg("Adopted torrent already present on client")
			continue
		}

		if precheck {
			if !haveFree {
				free, err = sess.FreeSpace(ctx)
				if err != nil {
					sr.Deferred++
					if err := s.mark(ctx, rec, models.DispatchDeferred, fmt.Sprintf("free space unavailable: %v", err)); err != nil {
						return i, err
					}
					continue
				}
				haveFree = true
			}
			if free-rec.SizeBytes < threshold {
				sr.Deferred++
				reason := fmt.Sprintf("insufficient disk space: %s free, %s needed, %s reserved",
					humanize.IBytes(uint64(max(free, 0))), humanize.IBytes(uint64(max(rec.SizeBytes, 0))), humanize.IBytes(uint64(max(threshold, 0))))
				if err := s.mark(ctx, rec, models.DispatchDeferred, reason); err != nil {
					return i, err
				}
				continue
			}
		}

		opts := qbittorrent.AddOptions{
			Hash:             rec.InfoHash,
			Category:         w.policy.Category,
			RatioLimit:       w.policy.RatioLimit,
			SeedingTimeLimit: w.policy.SeedTimeLimitMinutes,
			AutoTMM:          true,
		}
		if tag != "" {
			opts.Tags = []string{tag}
		}
		if err := sess.AddMagnet(ctx, rec.Magnet, opts); err != nil {
			sr.Failed++
			s.log.Warn().Err(err).Str("client", sr.Client).Str("hash", rec.InfoHash).Msg("Failed to add magnet")
			if err := s.mark(ctx, rec, models.DispatchFailed, err.Error()); err != nil {
				return i, err
			}
			continue
		}
		free -= rec.SizeBytes

		if err := s.setRef(ctx, sr, rec, rec.InfoHash, w.policy.Applied()); err != nil {
			return i, err
		}
		sr.Added++
		s.log.Info().
			Str("client", sr.Client).
			Str("hash", rec.InfoHash).
			Str("name", rec.Name).
			Str("tracker", rec.TrackerID).
			Str("category", w.policy.Category).
			Str("size", humanize.Bytes(uint64(max(rec.SizeBytes, 0)))).
			Msg("Sent torrent to client")
	}

	return len(assigned), nil
}

func (s *Service) setRef(ctx context.Context, sr *SessionReport, rec *models.TorrentRecord, hash string, applied models.AppliedPolicy) error {
	err := s.records.SetClientRef(ctx, rec.InfoHash, models.ClientRef{Client: sr.Client, Hash: hash}, applied)
	if errors.Is(err, models.ErrAlreadyDispatched) {
		s.log.Debug().Str("client", sr.Client).Str("hash", rec.InfoHash).Msg("Record already has a client reference")
		return nil
	}
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *Service) deferAll(ctx context.Context, sr *SessionReport, items []*work, reason string) error {
	for _, w := range items {
		sr.Deferred++
		if err := s.mark(ctx, w.rec, models.DispatchDeferred, reason); err != nil {
			return err
		}
	}
	return nil
}

// mark stores a dispatch state, skipping the write when nothing changed.
func (s *Service) mark(ctx context.Context, rec *models.TorrentRecord, state models.DispatchState, reason string) error {
	if rec.DispatchState == state && rec.DispatchReason == reason {
		return nil
	}
	if err := s.records.SetDispatch(ctx, rec.InfoHash, state, reason); err != nil {
		return storeErr(err)
	}
	rec.DispatchState = state
	rec.DispatchReason = reason
	return nil
}

func storeErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
