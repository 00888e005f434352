package harness

import (
	"cmp"
	"slices"
	"strings"
)

// Capability is the kind of response requested from the model.
type Capability string

const (
	CapabilityAnswer        Capability = "answer"
	CapabilityCode          Capability = "code"
	CapabilityVisualization Capability = "visualization"
)

// CapabilityDecision is produced fresh for every request.
type CapabilityDecision struct {
	Capability Capability
	ForceTool  bool   // true iff Capability is CapabilityVisualization
	Utterance  string // the pending user message the decision was made for
}

// IntentRule maps a keyword set to a capability. Higher priority rules are
// checked first.
type IntentRule struct {
	Capability Capability
	Priority   int
	Keywords   []string
}

// DefaultIntentRules returns the built-in keyword table.
func DefaultIntentRules() []IntentRule {
	return []IntentRule{
		{
			Capability: CapabilityVisualization,
			Priority:   20,
			Keywords: []string{
				"plot", "chart", "graph of", "a graph", "the graph", "heatmap", "scatter", "histogram",
				"distribution", "visuali", "correlation matrix",
			},
		},
		{
			Capability: CapabilityCode,
			Priority:   10,
			Keywords: []string{
				"code", "script", "function", "show me how", "snippet", "pandas", "python", "groupby",
			},
		},
	}
}

// Classifier is a pure keyword classifier. Utterances matching no rule are answers.
type Classifier struct {
	rules []IntentRule
}

// NewClassifier builds a classifier from rules, or from DefaultIntentRules when none are given.
func NewClassifier(rules ...IntentRule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultIntentRules()
	}

	sorted := make([]IntentRule, len(rules))
	for i, r := range rules {
		keywords := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		sorted[i] = IntentRule{Capability: r.Capability, Priority: r.Priority, Keywords: keywords}
	}
	slices.SortStableFunc(sorted, func(a, b IntentRule) int { return cmp.Compare(b.Priority, a.Priority) })

	return &Classifier{rules: sorted}
}

// Classify decides the capability for utterance. It reads nothing from state;
// the decision depends on the text alone.
func (c *Classifier) Classify(utterance string, state *ConversationState) CapabilityDecision {
	capability := CapabilityAnswer

	normalized := strings.ToLower(utterance)
	if strings.TrimSpace(normalized) != "" {
	rules:
		for _, rule := range c.rules {
			for _, kw := range rule.Keywords {
				if strings.Contains(normalized, kw) {
					capability = rule.Capability
					break rules
				}
			}
		}
	}

	return CapabilityDecision{
		Capability: capability,
		ForceTool:  capability == CapabilityVisualization,
		Utterance:  utterance,
	}
}
