// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package promptguard neutralizes prompt-injection patterns in untrusted
// text before it reaches the LLM prompt.
//
// Sanitization is a deterministic, order-sensitive sequence of rewrites:
//
//  1. Strip lines opening with a role-label prefix (rule-driven).
//  2. Mask imperatives that tell the model to discard prior instructions
//     (rule-driven, visible marker).
//  3. Mask attempts to declare a new instruction block or close the
//     system context (rule-driven, visible marker).
//  4. Collapse long code-fence / block-comment regions to a placeholder.
//  5. Strip raw control characters and invisible Unicode formatting.
//  6. Collapse pathological repetition to a bounded form.
//  7. Normalize whitespace and trim.
//
// Steps 1-3 are driven by the embedded YAML rule file in the enforcement
// package; the rest are fixed structural rewrites. The whole pipeline is
// pure and must be applied to every untrusted string independently.
package promptguard

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/ArticleChat/services/chat/datatypes"
	"github.com/AleutianAI/ArticleChat/services/chat/promptguard/enforcement"
	"gopkg.in/yaml.v3"
)

// FilterMarker replaces masked injection attempts. The rewrite is visible
// on purpose: downstream behavior stays auditable in logs and prompts.
const FilterMarker = "[filtered]"

// FencePlaceholder replaces collapsed code-fence and block-comment regions.
const FencePlaceholder = "[code block removed]"

const (
	// fenceCollapseChars is the fenced-region length beyond which the
	// region is collapsed instead of kept verbatim.
	fenceCollapseChars = 400

	// minRepeats is the repetition count at which a short substring is
	// considered pathological and collapsed.
	minRepeats = 10

	// maxRepeatUnit bounds the length of the repeated substring searched for.
	maxRepeatUnit = 20

	// keptRepeats is how many copies survive a repetition collapse.
	keptRepeats = 3
)

var (
	fenceRe        = regexp.MustCompile(fmt.Sprintf("(?s)```.{%d,}?```", fenceCollapseChars))
	blockCommentRe = regexp.MustCompile(fmt.Sprintf(`(?s)/\*.{%d,}?\*/`, fenceCollapseChars))
	trailingWSRe   = regexp.MustCompile(`[ \t]+\n`)
	hSpaceRunRe    = regexp.MustCompile(`[ \t]{2,}`)
	multiNLRe      = regexp.MustCompile(`\n{3,}`)
)

// Guard applies the sanitization pipeline. Construct once at startup and
// share; it is immutable and safe for concurrent use.
type Guard struct {
	rules []Rule
}

// NewGuard initializes a Guard from the embedded rule file.
//
// It unmarshals the embedded YAML, compiles all regex patterns, and sorts
// rules by priority. Returns an error if the embedded YAML is malformed or
// contains an invalid regex.
func NewGuard() (*Guard, error) {
	var ruleFile RuleFile
	if err := yaml.Unmarshal(enforcement.PromptInjectionPatterns, &ruleFile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded rule file: %w", err)
	}

	if err := ruleFile.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}

	ruleFile.SortByPriority()

	return &Guard{rules: ruleFile.Rules}, nil
}

// Sanitize runs the full pipeline over one untrusted string.
//
// Pure and side-effect free. The output never contains a raw injection
// pattern that a rule matches; masked spans carry FilterMarker instead.
func (g *Guard) Sanitize(input string) string {
	if input == "" {
		return ""
	}

	s := input

	// Steps 1-3: rule-driven rewrites, highest priority first.
	for _, rule := range g.rules {
		switch rule.Action {
		case ActionStripLine:
			s = stripMatchingLines(s, rule.CompiledPatterns)
		case ActionMask:
			for _, re := range rule.CompiledPatterns {
				s = re.ReplaceAllString(s, FilterMarker)
			}
		}
	}

	// Step 4: collapse oversized fenced and block-comment regions.
	s = fenceRe.ReplaceAllString(s, FencePlaceholder)
	s = blockCommentRe.ReplaceAllString(s, FencePlaceholder)

	// Step 5: strip control and invisible formatting characters.
	s = stripInvisible(s)

	// Step 6: collapse pathological repetition.
	s = collapseRepetition(s)

	// Step 7: normalize whitespace and trim.
	s = normalizeWhitespace(s)

	return s
}

// SanitizeHistory filters, sanitizes, and bounds a conversation history.
//
// Entries are kept only when the role is user or assistant and the content
// survives sanitization non-empty. Each entry is capped at
// datatypes.MaxMessageChars; after filtering, only the most recent
// datatypes.MaxHistoryTurns entries remain.
func (g *Guard) SanitizeHistory(history []datatypes.Message) []datatypes.Message {
	cleaned := make([]datatypes.Message, 0, len(history))

	for _, m := range history {
		if m.Role != datatypes.RoleUser && m.Role != datatypes.RoleAssistant {
			continue
		}
		content := g.Sanitize(m.Content)
		if content == "" {
			continue
		}
		m.Content = TruncateRunes(content, datatypes.MaxMessageChars)
		cleaned = append(cleaned, m)
	}

	if len(cleaned) > datatypes.MaxHistoryTurns {
		cleaned = cleaned[len(cleaned)-datatypes.MaxHistoryTurns:]
	}

	return cleaned
}

// TruncateRunes caps s at n runes without splitting a character.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// stripMatchingLines drops every line whose start matches any pattern.
func stripMatchingLines(s string, patterns []*regexp.Regexp) string {
	lines := strings.Split(s, "\n")
	kept := lines[:0]

	for _, line := range lines {
		matched := false
		for _, re := range patterns {
			if re.MatchString(line) {
				matched = true
				break
			}
		}
		if !matched {
			kept = append(kept, line)
		}
	}

	return strings.Join(kept, "\n")
}

// stripInvisible removes control characters (keeping newline and tab) and
// invisible Unicode formatting characters used to smuggle hidden text.
func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x7f:
			return -1
		case r >= 0x200b && r <= 0x200f: // zero-width space family, LRM/RLM
			return -1
		case r >= 0x202a && r <= 0x202e: // bidi embedding controls
			return -1
		case r == 0x2060 || r == 0xfeff: // word joiner, BOM
			return -1
		case r == 0x00ad: // soft hyphen
			return -1
		default:
			return r
		}
	}, s)
}

// collapseRepetition bounds consecutive repetition of short substrings.
//
// A substring of up to maxRepeatUnit bytes repeated minRepeats or more
// times in a row is collapsed to keptRepeats copies. Go's RE2 engine has
// no backreferences, so the scan is done directly: at each position the
// smallest repeating unit wins.
func collapseRepetition(s string) string {
	n := len(s)
	var b strings.Builder
	b.Grow(n)

	i := 0
	for i < n {
		collapsed := false
		for unit := 1; unit <= maxRepeatUnit && i+unit*minRepeats <= n; unit++ {
			seg := s[i : i+unit]
			count := 1
			for i+(count+1)*unit <= n && s[i+count*unit:i+(count+1)*unit] == seg {
				count++
			}
			if count >= minRepeats {
				for k := 0; k < keptRepeats; k++ {
					b.WriteString(seg)
				}
				i += count * unit
				collapsed = true
				break
			}
		}
		if !collapsed {
			b.WriteByte(s[i])
			i++
		}
	}

	return b.String()
}

// normalizeWhitespace collapses horizontal whitespace runs, trims line
// tails, bounds blank-line runs, and trims the result.
func normalizeWhitespace(s string) string {
	s = trailingWSRe.ReplaceAllString(s, "\n")
	s = hSpaceRunRe.ReplaceAllString(s, " ")
	s = multiNLRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
