// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package reconcile

import (
	"fmt"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"
)

// AffinityEnv is what a client affinity expression can see.
type AffinityEnv struct {
	Tracker  string `expr:"tracker"`
	Category string `expr:"category"`
	Size     int64  `expr:"size"`
	Name     string `expr:"name"`
}

type affinityMatcher struct {
	programs *ttlcache.Cache[string, *vm.Program]
}

func newAffinityMatcher() *affinityMatcher {
	return &affinityMatcher{
		programs: ttlcache.New(ttlcache.Options[string, *vm.Program]{}.SetDefaultTTL(30 * time.Minute)),
	}
}

// CompileAffinity checks that an affinity expression compiles to a boolean.
func CompileAffinity(expression string) (*vm.Program, error) {
	program, err := expr.Compile(expression, expr.Env(AffinityEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid affinity expression: %w", err)
	}
	return program, nil
}

func (m *affinityMatcher) program(expression string) (*vm.Program, error) {
	if p, ok := m.programs.Get(expression); ok {
		return p, nil
	}
	p, err := CompileAffinity(expression)
	if err != nil {
		return nil, err
	}
	m.programs.Set(expression, p, ttlcache.DefaultTTL)
	return p, nil
}

// matches evaluates expression against env. An empty expression never matches.
func (m *affinityMatcher) matches(client, expression string, env AffinityEnv) bool {
	if expression == "" {
		return false
	}

	program, err := m.program(expression)
	if err != nil {
		log.Error().Err(err).Str("client", client).Msg("Failed to compile affinity expression")
		return false
	}

	result, err := expr.Run(program, env)
	if err != nil {
		log.Error().Err(err).Str("client", client).Msg("Failed to evaluate affinity expression")
		return false
	}

	ok, _ := result.(bool)
	return ok
}

func (m *affinityMatcher) close() {
	m.programs.Close()
}
