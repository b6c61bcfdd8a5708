package converter

import "strings"

// Upstream model ids. The dated all-caps forms are internal version pins; the
// dotted forms are rolling aliases.
const (
	ModelSonnet45 = "CLAUDE_SONNET_4_5_20250929_V1_0"
	ModelSonnet4  = "CLAUDE_SONNET_4_20250514_V1_0"
	ModelSonnet37 = "CLAUDE_3_7_SONNET_20250219_V1_0"
)

// AgenticSuffix marks model aliases that request the agentic system policy.
const AgenticSuffix = "-agentic"

// MapModel maps an inbound model name to an upstream model id by substring
// rules. Substring (not exact) matching is deliberate: aliases like
// -thinking, -agentic and -1m must keep resolving to the same base model.
// Returns "" for unmappable names.
func MapModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "sonnet"):
		switch {
		case strings.Contains(lower, "4-5") || strings.Contains(lower, "4.5"):
			return ModelSonnet45
		case strings.Contains(lower, "sonnet-4") || strings.Contains(lower, "sonnet_4"):
			return ModelSonnet4
		case strings.Contains(lower, "3-7") || strings.Contains(lower, "3.7"):
			return ModelSonnet37
		default:
			return "claude-sonnet-4.5"
		}
	case strings.Contains(lower, "opus"):
		if strings.Contains(lower, "4-5") || strings.Contains(lower, "4.5") {
			return "claude-opus-4.5"
		}
		return "claude-opus-4.6"
	case strings.Contains(lower, "haiku"):
		return "claude-haiku-4.5"
	}
	return ""
}

// ThinkingMode is how the model was asked to think.
type ThinkingMode string

const (
	ThinkingOff      ThinkingMode = ""
	ThinkingEnabled  ThinkingMode = "enabled"
	ThinkingAdaptive ThinkingMode = "adaptive"
)

// DefaultThinkingBudget is the fixed budget forwarded for enabled mode.
const DefaultThinkingBudget = 20000

// ModelOptions is the result of alias parsing: the base model plus the modes
// its suffixes selected.
type ModelOptions struct {
	Model          string
	Thinking       ThinkingMode
	ThinkingBudget int
	ThinkingEffort string
	Agentic        bool
}

// ParseModelAlias strips the thinking and agentic suffixes from a model name
// (case-insensitive, in that order) and derives the thinking mode. An
// opus-4.6 base gets adaptive thinking with high effort; everything else gets
// enabled with the fixed budget.
func ParseModelAlias(model, thinkingSuffix string) ModelOptions {
	opts := ModelOptions{Model: model}
	if thinkingSuffix == "" {
		thinkingSuffix = "-thinking"
	}
	lower := strings.ToLower(opts.Model)
	if strings.HasSuffix(lower, strings.ToLower(thinkingSuffix)) {
		opts.Model = opts.Model[:len(opts.Model)-len(thinkingSuffix)]
		if MapModel(opts.Model) == "claude-opus-4.6" {
			opts.Thinking = ThinkingAdaptive
			opts.ThinkingEffort = "high"
		} else {
			opts.Thinking = ThinkingEnabled
			opts.ThinkingBudget = DefaultThinkingBudget
		}
		lower = strings.ToLower(opts.Model)
	}
	if strings.HasSuffix(lower, AgenticSuffix) {
		opts.Model = opts.Model[:len(opts.Model)-len(AgenticSuffix)]
		opts.Agentic = true
	}
	return opts
}

// Is1MContext reports whether the model alias requests the 1M context
// window variant.
func Is1MContext(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "opus") && strings.Contains(lower, "-1m")
}

// ContextWindowSize returns the context window for usage math.
func ContextWindowSize(model string) int64 {
	if Is1MContext(model) {
		return 1_000_000
	}
	return 200_000
}
