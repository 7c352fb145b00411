package translate

import "strings"

// ThinkingSpec is the reasoning budget derived from a model-name suffix.
type ThinkingSpec struct {
	Budget          int
	IncludeThoughts bool
}

const (
	thinkingBudgetDefault = 8192
	thinkingBudgetHigh    = 24576
	thinkingBudgetLow     = 1024
)

// SplitModelSuffix strips a reasoning suffix from a client model name and
// returns the upstream model plus the derived budget. "-thinking" asks for
// the default budget, "-high"/"-low" scale it; bare names request none.
func SplitModelSuffix(model string) (string, *ThinkingSpec) {
	switch {
	case strings.HasSuffix(model, "-thinking-high"):
		return strings.TrimSuffix(model, "-thinking-high"), &ThinkingSpec{Budget: thinkingBudgetHigh, IncludeThoughts: true}
	case strings.HasSuffix(model, "-thinking-low"):
		return strings.TrimSuffix(model, "-thinking-low"), &ThinkingSpec{Budget: thinkingBudgetLow, IncludeThoughts: true}
	case strings.HasSuffix(model, "-thinking"):
		return strings.TrimSuffix(model, "-thinking"), &ThinkingSpec{Budget: thinkingBudgetDefault, IncludeThoughts: true}
	case strings.HasSuffix(model, "-high"):
		return strings.TrimSuffix(model, "-high"), &ThinkingSpec{Budget: thinkingBudgetHigh, IncludeThoughts: true}
	case strings.HasSuffix(model, "-low"):
		return strings.TrimSuffix(model, "-low"), &ThinkingSpec{Budget: thinkingBudgetLow, IncludeThoughts: true}
	default:
		return model, nil
	}
}
