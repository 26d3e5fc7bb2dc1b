// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package promptguard

import (
	"fmt"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

type ConfidenceLevel string

const (
	Low    ConfidenceLevel = "low"
	Medium ConfidenceLevel = "medium"
	High   ConfidenceLevel = "high"
)

// Action determines what a rule does with matching text.
type Action string

const (
	// ActionStripLine removes any line whose start matches a pattern.
	ActionStripLine Action = "strip_line"
	// ActionMask replaces the matched span with the visible filter marker.
	ActionMask Action = "mask"
)

type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

type Rule struct {
	Name             string           `yaml:"name"`
	Description      string           `yaml:"description"`
	Priority         int              `yaml:"priority"`
	Action           Action           `yaml:"action"`
	Patterns         []Pattern        `yaml:"patterns"`
	CompiledPatterns []*regexp.Regexp `yaml:"-"`
}

type Pattern struct {
	Id          string          `yaml:"id"`
	Description string          `yaml:"description"`
	Regex       string          `yaml:"regex"`
	Confidence  ConfidenceLevel `yaml:"confidence"`
}

func (c *ConfidenceLevel) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incomingConfidence := ConfidenceLevel(s)
	switch incomingConfidence {
	case High, Medium, Low:
		*c = incomingConfidence
		return nil
	default:
		return fmt.Errorf("invalid value for Confidence: %q", incomingConfidence)
	}
}

func (a *Action) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	incomingAction := Action(s)
	switch incomingAction {
	case ActionStripLine, ActionMask:
		*a = incomingAction
		return nil
	default:
		return fmt.Errorf("invalid value for Action: %q", incomingAction)
	}
}

func (r *RuleFile) CompileRegexes() error {
	for i := range r.Rules {
		for j := range r.Rules[i].Patterns {
			pattern := &r.Rules[i].Patterns[j]
			re, err := regexp.Compile(pattern.Regex)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern.Regex, err)
			}
			r.Rules[i].CompiledPatterns = append(r.Rules[i].CompiledPatterns, re)
		}
	}
	return nil
}

func (r *RuleFile) SortByPriority() {
	sort.Slice(r.Rules, func(i, j int) bool {
		return r.Rules[i].Priority > r.Rules[j].Priority
	})
}
