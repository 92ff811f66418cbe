// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler runs reconcile cycles on an interval, on export directory changes and on demand.
// At most one cycle runs at a time.
package scheduler

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/services/reconcile"
)

var (
	ErrCycleInProgress = errors.New("reconcile cycle already in progress")
	ErrAlreadyRunning  = errors.New("scheduler already running")
)

const defaultDebounce = 5 * time.Second

// Lease marks the cycle currently holding the scheduler.
type Lease struct {
	ID        uuid.UUID
	Reason    string
	StartedAt time.Time
	released  atomic.Bool
}

// Valid reports whether the lease is still held.
func (l *Lease) Valid() bool {
	return l != nil && !l.released.Load()
}

type LeaseInfo struct {
	ID        uuid.UUID `json:"id"`
	Reason    string    `json:"reason"`
	StartedAt time.Time `json:"startedAt"`
}

type Runner interface {
	RunCycle(ctx context.Context, lease reconcile.Lease) (*reconcile.CycleReport, error)
}

type Observer interface {
	ObserveCycle(report *reconcile.CycleReport, err error)
	ObserveSkipped()
}

type Config struct {
	// Interval of 0 disables the ticker.
	Interval  time.Duration
	Watch     bool
	Dirs      []string
	Recursive bool
	// Debounce delays a watch-triggered cycle until the directories have been quiet this long.
	Debounce time.Duration
}

type TriggerResult struct {
	LeaseID uuid.UUID              `json:"leaseId"`
	Reason  string                 `json:"reason"`
	Report  *reconcile.CycleReport `json:"report"`
}

type Status struct {
	Running     bool                   `json:"running"`
	Interval    time.Duration          `json:"interval"`
	Watch       bool                   `json:"watch"`
	Lease       *LeaseInfo             `json:"lease,omitempty"`
	LastReport  *reconcile.CycleReport `json:"lastReport,omitempty"`
	LastSuccess *time.Time             `json:"lastSuccess,omitempty"`
	LastFailure *time.Time             `json:"lastFailure,omitempty"`
	LastError   string                 `json:"lastError,omitempty"`
}

type Scheduler struct {
	runner   Runner
	observer Observer
	lease    atomic.Pointer[Lease]

	mu      sync.Mutex
	cfg     Config
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	reload  chan struct{}

	lastReport  *reconcile.CycleReport
	lastSuccess time.Time
	lastFailure time.Time
	lastError   string

	now func() time.Time
	log zerolog.Logger
}

func New(runner Runner, observer Observer, cfg Config) *Scheduler {
	return &Scheduler{
		runner:   runner,
		observer: observer,
		cfg:      normalize(cfg),
		reload:   make(chan struct{}, 1),
		now:      time.Now,
		log:      log.With().Str("module", "scheduler").Logger(),
	}
}

func normalize(cfg Config) Config {
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	cfg.Dirs = slices.Clone(cfg.Dirs)
	return cfg
}

// SetConfig applies new timing and watch settings; a running loop picks them up immediately.
func (s *Scheduler) SetConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = normalize(cfg)
	s.mu.Unlock()

	select {
	case s.reload <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.cfg
	cfg.Dirs = slices.Clone(cfg.Dirs)
	return cfg
}

func (s *Scheduler) acquire(reason string) (*Lease, error) {
	l := &Lease{ID: uuid.New(), Reason: reason, StartedAt: s.now()}
	if !s.lease.CompareAndSwap(nil, l) {
		if s.observer != nil {
			s.observer.ObserveSkipped()
		}
		return nil, ErrCycleInProgress
	}
	return l, nil
}

func (s *Scheduler) release(l *Lease) {
	l.released.Store(true)
	s.lease.CompareAndSwap(l, nil)
}

// Trigger runs one cycle now, or returns ErrCycleInProgress if another holds the lease.
func (s *Scheduler) Trigger(ctx context.Context, reason string) (TriggerResult, error) {
	l, err := s.acquire(reason)
	if err != nil {
		s.log.Debug().Str("reason", reason).Msg("Cycle skipped, another cycle holds the lease")
		return TriggerResult{Reason: reason}, err
	}
	defer s.release(l)

	s.log.Debug().Str("lease", l.ID.String()).Str("reason", reason).Msg("Starting reconcile cycle")
	report, err := s.runner.RunCycle(ctx, l)
	s.record(report, err)
	if s.observer != nil {
		s.observer.ObserveCycle(report, err)
	}
	if err != nil {
		s.log.Error().Err(err).Str("lease", l.ID.String()).Str("reason", reason).Msg("Reconcile cycle failed")
	}

	return TriggerResult{LeaseID: l.ID, Reason: reason, Report: report}, err
}

// Exclusive runs fn while holding the cycle lease so it never overlaps a cycle.
func (s *Scheduler) Exclusive(ctx context.Context, reason string, fn func(ctx context.Context) error) error {
	l, err := s.acquire(reason)
	if err != nil {
		return err
	}
	defer s.release(l)
	return fn(ctx)
}

func (s *Scheduler) record(report *reconcile.CycleReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if report != nil {
		s.lastReport = report
	}
	if err != nil {
		s.lastFailure = s.now()
		s.lastError = err.Error()
		return
	}
	s.lastSuccess = s.now()
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Running:    s.running,
		Interval:   s.cfg.Interval,
		Watch:      s.cfg.Watch,
		LastReport: s.lastReport,
		LastError:  s.lastError,
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		st.LastSuccess = &t
	}
	if !s.lastFailure.IsZero() {
		t := s.lastFailure
		st.LastFailure = &t
	}
	s.mu.Unlock()

	if l := s.lease.Load(); l.Valid() {
		st.Lease = &LeaseInfo{ID: l.ID, Reason: l.Reason, StartedAt: l.StartedAt}
	}
	return st
}

// Start launches the background loop. The first interval cycle runs right away.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go s.loop(runCtx)

	s.log.Info().Dur("interval", s.cfg.Interval).Bool("watch", s.cfg.Watch).Msg("Scheduler started")
	return nil
}

// Stop cancels the loop and any cycle it started, then waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	first := true
	for {
		cfg := s.Config()
		if first && cfg.Interval > 0 {
			s.runScheduled(ctx, "startup")
		}
		first = false
		if !s.runWith(ctx, cfg) {
			return
		}
	}
}

// runWith serves triggers for one configuration. It returns false once ctx is done
// and true when a new configuration should be loaded.
func (s *Scheduler) runWith(ctx context.Context, cfg Config) bool {
	var tick <-chan time.Time
	if cfg.Interval > 0 {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		events  <-chan fsnotify.Event
		errs    <-chan error
		watcher *fsnotify.Watcher
	)
	if cfg.Watch {
		w, err := s.newWatcher(cfg)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to watch scan directories")
		} else {
			watcher = w
			defer watcher.Close()
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	debounce := time.NewTimer(cfg.Debounce)
	debounce.Stop()
	defer debounce.Stop()
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.reload:
			return true
		case <-tick:
			s.runScheduled(ctx, "interval")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if cfg.Recursive && ev.Has(fsnotify.Create) {
				s.addTree(watcher, ev.Name)
			}
			if !relevant(ev) {
				continue
			}
			debounce.Reset(cfg.Debounce)
			fire = debounce.C
		case <-fire:
			fire = nil
			if _, err := s.Trigger(ctx, "watch"); errors.Is(err, ErrCycleInProgress) {
				debounce.Reset(cfg.Debounce)
				fire = debounce.C
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.log.Warn().Err(err).Msg("Scan directory watcher error")
		}
	}
}

func (s *Scheduler) runScheduled(ctx context.Context, reason string) {
	_, _ = s.Trigger(ctx, reason)
}

func (s *Scheduler) newWatcher(cfg Config) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range cfg.Dirs {
		if cfg.Recursive {
			s.addTree(w, dir)
			continue
		}
		if err := w.Add(dir); err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("Cannot watch scan directory")
		}
	}
	return w, nil
}

// addTree watches root and every directory below it. Non-directories are ignored.
func (s *Scheduler) addTree(w *fsnotify.Watcher, root string) {
	if w == nil {
		return
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			s.log.Warn().Err(err).Str("dir", path).Msg("Cannot watch scan directory")
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn().Err(err).Str("dir", root).Msg("Cannot walk scan directory")
	}
}

func relevant(ev fsnotify.Event) bool {
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	return strings.EqualFold(filepath.Ext(ev.Name), ".json")
}
