// Package promptguard provides regex-based detection of prompt injection attempts
// in inbound user content and tool output.
package promptguard

import "regexp"

// Category classifies the kind of injection pattern that matched.
type Category string

const (
	CategoryRoleSwitch          Category = "role_switch"
	CategoryInstructionOverride Category = "instruction_override"
	CategorySecretExtraction    Category = "secret_extraction"
	CategoryJailbreak           Category = "jailbreak"
)

// Match describes one detected injection pattern.
type Match struct {
	Category    Category
	PatternName string
	MatchedText string
}

type guardPattern struct {
	category Category
	name     string
	re       *regexp.Regexp
}

// Guard scans text for prompt injection patterns across four categories: role
// switching, instruction override, secret extraction, and jailbreak prefixes.
// It is placed on two surfaces: inbound user content pre-flight (may block)
// and tool output (warn only, never blocks).
type Guard struct {
	patterns []guardPattern
}

// New builds a Guard with the standard pattern set.
func New() *Guard {
	defs := []struct {
		category Category
		name     string
		pattern  string
	}{
		{CategoryRoleSwitch, "ignore_previous",
			`(?i)\b(?:ignore|disregard|forget)\b.{0,20}\b(?:previous|above|prior|all)\b.{0,20}\b(?:instructions?|prompts?|rules?|guidelines?)\b`},
		{CategoryRoleSwitch, "you_are_now",
			`(?i)\byou are now\b.{0,40}\b(?:acting as|pretending|roleplaying|playing|a new)\b`},
		{CategoryRoleSwitch, "new_persona",
			`(?i)\b(?:from now on|henceforth)\b.{0,30}\b(?:you are|act as|behave as|respond as)\b`},
		{CategoryInstructionOverride, "new_instructions",
			`(?i)(?:^|\n)\s*(?:system|new|updated|revised)\s*(?:prompt|instructions?|rules?)\s*:`},
		{CategoryInstructionOverride, "override_system",
			`(?i)\b(?:override|replace|overwrite)\b.{0,20}\b(?:system|original|initial)\b.{0,20}\b(?:prompt|instructions?|rules?)\b`},
		{CategorySecretExtraction, "reveal_prompt",
			`(?i)\b(?:repeat|show|display|output|print|reveal|tell me)\b.{0,30}\b(?:system prompt|instructions?|initial prompt|rules|guidelines)\b`},
		{CategorySecretExtraction, "what_are_your",
			`(?i)\bwhat (?:are|is|were) your\b.{0,20}\b(?:instructions?|rules?|system prompt|guidelines)\b`},
		{CategoryJailbreak, "dan_mode", `(?i)\b(?:DAN|developer|god)\s*mode\b`},
		{CategoryJailbreak, "jailbreak", `(?i)\bjailbreak\b`},
		{CategoryJailbreak, "do_anything_now", `(?i)\bdo anything now\b`},
	}

	g := &Guard{patterns: make([]guardPattern, 0, len(defs))}
	for _, d := range defs {
		re, err := regexp.Compile(d.pattern)
		if err != nil {
			// A hardcoded pattern failing to compile is a programmer error, not a
			// runtime condition; skip it rather than panic so one bad pattern
			// doesn't take down the whole guard.
			continue
		}
		g.patterns = append(g.patterns, guardPattern{category: d.category, name: d.name, re: re})
	}
	return g
}

// Scan returns every pattern that matched text, in pattern-definition order.
func (g *Guard) Scan(text string) []Match {
	var matches []Match
	for _, p := range g.patterns {
		if loc := p.re.FindStringIndex(text); loc != nil {
			matches = append(matches, Match{
				Category:    p.category,
				PatternName: p.name,
				MatchedText: text[loc[0]:loc[1]],
			})
		}
	}
	return matches
}

// ShouldBlock reports whether any pattern matches text.
func (g *Guard) ShouldBlock(text string) bool {
	for _, p := range g.patterns {
		if p.re.MatchString(text) {
			return true
		}
	}
	return false
}
