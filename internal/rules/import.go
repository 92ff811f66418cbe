// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rules

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/autobrr/magnetcc/internal/models"
)

type ruleFile struct {
	Rules []*models.TrackerRule `yaml:"rules"`
}

// ParseYAML reads a rule set either as a top-level list or under a "rules" key.
func ParseYAML(r io.Reader) ([]*models.TrackerRule, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	var list []*models.TrackerRule
	if raw[0] == '-' {
		if err := yaml.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
	} else {
		var f ruleFile
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
		list = f.Rules
	}

	for i, r := range list {
		if r == nil {
			return nil, fmt.Errorf("rule %d is empty", i+1)
		}
	}
	return list, nil
}

// MarshalYAML renders rules in the format ParseYAML accepts.
func MarshalYAML(rules []*models.TrackerRule) ([]byte, error) {
	return yaml.Marshal(ruleFile{Rules: rules})
}
