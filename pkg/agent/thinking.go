package agent

import (
	"regexp"
	"strings"
)

// ThinkLevel is the reasoning effort requested from a model.
type ThinkLevel string

const (
	ThinkOff     ThinkLevel = "off"
	ThinkMinimal ThinkLevel = "minimal"
	ThinkLow     ThinkLevel = "low"
	ThinkMedium  ThinkLevel = "medium"
	ThinkHigh    ThinkLevel = "high"
	ThinkXHigh   ThinkLevel = "xhigh"
)

// ThinkLevels lists every level from least to most effort.
var ThinkLevels = []ThinkLevel{ThinkOff, ThinkMinimal, ThinkLow, ThinkMedium, ThinkHigh, ThinkXHigh}

// ParseThinkLevel normalizes user input and provider spellings to a level.
func ParseThinkLevel(s string) (ThinkLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none", "disabled", "false", "0":
		return ThinkOff, true
	case "minimal", "min":
		return ThinkMinimal, true
	case "low", "on", "true":
		return ThinkLow, true
	case "medium", "med", "mid":
		return ThinkMedium, true
	case "high", "max":
		return ThinkHigh, true
	case "xhigh", "x-high", "x_high", "extra-high", "extra_high":
		return ThinkXHigh, true
	}
	return "", false
}

// anthropicBudget is the extended-thinking token budget for the level.
// Zero disables thinking.
func (l ThinkLevel) anthropicBudget() int64 {
	switch l {
	case ThinkMinimal:
		return 1024
	case ThinkLow:
		return 2048
	case ThinkMedium:
		return 8192
	case ThinkHigh:
		return 16384
	case ThinkXHigh:
		return 32000
	default:
		return 0
	}
}

// openAIEffort is the reasoning_effort value for the level. Empty omits it.
func (l ThinkLevel) openAIEffort() string {
	if l == ThinkOff || l == "" {
		return ""
	}
	return string(l)
}

var (
	supportedListRe = regexp.MustCompile(`(?i)\b(supported values?|supported levels?|valid values?|must be one of|expected one of|allowed values?)\s*(are|is)?\s*:?(.*)`)
	levelWordRe     = regexp.MustCompile(`[A-Za-z_-]+`)
)

// ParseSupportedThinkLevels extracts the levels a provider error says it
// accepts, in the order listed. It returns nil when no list is present.
func ParseSupportedThinkLevels(text string) []ThinkLevel {
	m := supportedListRe.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	tail := m[3]
	if i := strings.IndexAny(tail, ".\n"); i >= 0 {
		tail = tail[:i]
	}

	var levels []ThinkLevel
	seen := map[ThinkLevel]bool{}
	for _, word := range levelWordRe.FindAllString(tail, -1) {
		switch strings.ToLower(word) {
		case "and", "or", "true", "false", "on":
			continue
		}
		level, ok := ParseThinkLevel(word)
		if !ok || seen[level] {
			continue
		}
		seen[level] = true
		levels = append(levels, level)
	}
	return levels
}

// pickFallbackThinkLevel chooses the next level to retry with after an
// unsupported-capability error. Listed levels are tried in order; without a
// list, turning thinking off is the only fallback.
func pickFallbackThinkLevel(text string, attempted map[ThinkLevel]bool) (ThinkLevel, bool) {
	candidates := ParseSupportedThinkLevels(text)
	if len(candidates) == 0 {
		candidates = []ThinkLevel{ThinkOff}
	}
	for _, level := range candidates {
		if !attempted[level] {
			return level, true
		}
	}
	return "", false
}
