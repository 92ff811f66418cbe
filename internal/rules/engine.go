// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package rules maps tracker identities to dispatch policies.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/magnetcc/internal/domain"
	"github.com/autobrr/magnetcc/internal/models"
)

var (
	ErrNoPolicy     = errors.New("no matching rule")
	ErrRuleConflict = errors.New("conflicting rules")
	ErrUnresolved   = errors.New("tracker unresolved")
)

// ConflictError names the rules that tie for a tracker.
type ConflictError struct {
	TrackerID string
	RuleIDs   []int
}

func (e *ConflictError) Error() string {
	ids := make([]string, len(e.RuleIDs))
	for i, id := range e.RuleIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("rules %s tie in priority for tracker %q", strings.Join(ids, ", "), e.TrackerID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRuleConflict
}

// Policy is what gets applied to a torrent on its client.
type Policy struct {
	TrackerID            string  `json:"trackerId"`
	RuleID               int     `json:"ruleId"`
	Category             string  `json:"category"`
	RatioLimit           float64 `json:"ratioLimit"`
	SeedTimeLimitMinutes int64   `json:"seedTimeLimitMinutes"`
	AutoSend             *bool   `json:"autoSend,omitempty"`
	Client               string  `json:"client,omitempty"`
}

// Applied returns the snapshot stored on a record after dispatch.
func (p *Policy) Applied() models.AppliedPolicy {
	return models.AppliedPolicy{
		Category:      p.Category,
		RatioLimit:    p.RatioLimit,
		SeedTimeLimit: p.SeedTimeLimitMinutes,
	}
}

// Matches reports whether the applied snapshot equals this policy.
func (p *Policy) Matches(a *models.AppliedPolicy) bool {
	if a == nil {
		return false
	}
	return a.Category == p.Category && a.RatioLimit == p.RatioLimit && a.SeedTimeLimit == p.SeedTimeLimitMinutes
}

// Decision is the outcome of Apply: exactly one of Policy and Err is set.
type Decision struct {
	Policy *Policy
	Err    error
}

type Defaults struct {
	RatioLimit           float64
	SeedTimeLimitMinutes int64
}

// DefaultsFromConfig converts dispatch settings; seed days become minutes.
func DefaultsFromConfig(cfg domain.DispatchConfig) Defaults {
	return Defaults{
		RatioLimit:           cfg.DefaultRatioLimit,
		SeedTimeLimitMinutes: int64(cfg.DefaultSeedDays) * 24 * 60,
	}
}

type RuleSource interface {
	List(ctx context.Context) ([]*models.TrackerRule, error)
}

type Engine struct {
	src RuleSource

	mu       sync.RWMutex
	rules    []*models.TrackerRule
	defaults Defaults
}

func NewEngine(src RuleSource, defaults Defaults) *Engine {
	return &Engine{src: src, defaults: defaults}
}

// Load snapshots the rule set from the store.
func (e *Engine) Load(ctx context.Context) error {
	rules, err := e.src.List(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	e.SetRules(rules)

	for _, c := range e.Validate() {
		log.Warn().Str("module", "rules").Str("tracker", c.TrackerID).Ints("rules", c.RuleIDs).Msg("Rule conflict, tracker excluded from dispatch")
	}
	return nil
}

func (e *Engine) SetRules(rules []*models.TrackerRule) {
	cp := make([]*models.TrackerRule, len(rules))
	copy(cp, rules)
	e.mu.Lock()
	e.rules = cp
	e.mu.Unlock()
}

func (e *Engine) SetDefaults(d Defaults) {
	e.mu.Lock()
	e.defaults = d
	e.mu.Unlock()
}

func (e *Engine) Rules() []*models.TrackerRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*models.TrackerRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Apply selects the policy for trackerID. The highest priority wins and an
// explicit rule beats the wildcard at equal priority. Two rules for the same
// target tying at the head is a conflict.
func (e *Engine) Apply(trackerID string) Decision {
	trackerID = strings.ToLower(strings.TrimSpace(trackerID))
	if trackerID == "" {
		return Decision{Err: ErrUnresolved}
	}

	e.mu.RLock()
	defaults := e.defaults
	var candidates []*models.TrackerRule
	for _, r := range e.rules {
		if r.TrackerID == trackerID || r.IsWildcard() {
			candidates = append(candidates, r)
		}
	}
	e.mu.RUnlock()

	if len(candidates) == 0 {
		return Decision{Err: ErrNoPolicy}
	}

	sortCandidates(candidates)

	head := candidates[0]
	if conflict := headConflict(candidates); conflict != nil {
		conflict.TrackerID = trackerID
		return Decision{Err: conflict}
	}

	p := &Policy{
		TrackerID:            trackerID,
		RuleID:               head.ID,
		Category:             head.Category,
		RatioLimit:           defaults.RatioLimit,
		SeedTimeLimitMinutes: defaults.SeedTimeLimitMinutes,
		AutoSend:             head.AutoSend,
		Client:               head.Client,
	}
	if p.Category == "" {
		p.Category = FirstLabel(trackerID)
	}
	if head.RatioLimit != nil {
		p.RatioLimit = *head.RatioLimit
	}
	if head.SeedTimeLimitMinutes != nil {
		p.SeedTimeLimitMinutes = *head.SeedTimeLimitMinutes
	}

	return Decision{Policy: p}
}

// Validate lists every conflict in the current rule set, one per affected target.
func (e *Engine) Validate() []*ConflictError {
	e.mu.RLock()
	byTarget := make(map[string][]*models.TrackerRule)
	var wildcards []*models.TrackerRule
	for _, r := range e.rules {
		if r.IsWildcard() {
			wildcards = append(wildcards, r)
			continue
		}
		byTarget[r.TrackerID] = append(byTarget[r.TrackerID], r)
	}
	e.mu.RUnlock()

	targets := make([]string, 0, len(byTarget))
	for t := range byTarget {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	var conflicts []*ConflictError
	for _, t := range targets {
		candidates := append(append([]*models.TrackerRule{}, byTarget[t]...), wildcards...)
		sortCandidates(candidates)
		if c := headConflict(candidates); c != nil {
			c.TrackerID = t
			conflicts = append(conflicts, c)
		}
	}

	if len(wildcards) > 0 {
		candidates := append([]*models.TrackerRule{}, wildcards...)
		sortCandidates(candidates)
		if c := headConflict(candidates); c != nil {
			c.TrackerID = models.WildcardTracker
			conflicts = append(conflicts, c)
		}
	}

	return conflicts
}

func sortCandidates(rules []*models.TrackerRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.IsWildcard() != b.IsWildcard() {
			return !a.IsWildcard()
		}
		return a.ID < b.ID
	})
}

// headConflict returns the rules tying with the head for the same target, if more than one.
func headConflict(sorted []*models.TrackerRule) *ConflictError {
	head := sorted[0]
	ids := []int{head.ID}
	for _, r := range sorted[1:] {
		if r.Priority != head.Priority || r.TrackerID != head.TrackerID {
			break
		}
		ids = append(ids, r.ID)
	}
	if len(ids) < 2 {
		return nil
	}
	return &ConflictError{TrackerID: head.TrackerID, RuleIDs: ids}
}

// FirstLabel returns the leading DNS label: "tracker.example.com" -> "tracker".
func FirstLabel(identity string) string {
	if i := strings.IndexByte(identity, '.'); i > 0 {
		return identity[:i]
	}
	return identity
}

// FromConfig converts configured rules for seeding the rule store.
func FromConfig(cfgs []domain.RuleConfig) []*models.TrackerRule {
	out := make([]*models.TrackerRule, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, &models.TrackerRule{
			TrackerID:            c.Tracker,
			Category:             c.Category,
			RatioLimit:           c.RatioLimit,
			SeedTimeLimitMinutes: c.SeedTimeLimit,
			Priority:             c.Priority,
			AutoSend:             c.AutoSend,
			Client:               c.Client,
		})
	}
	return out
}
