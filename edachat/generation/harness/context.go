package harness

// messageOverheadTokens approximates role markers and separators per message.
const messageOverheadTokens = 4

// TokenEstimator returns an approximate token count for s.
type TokenEstimator func(s string) int

// EstimateTokens is the default heuristic: ~4 chars per token.
func EstimateTokens(s string) int {
	l := len(s)
	if l == 0 {
		return 0
	}
	return (l + 3) / 4
}

// Budget specifies the ceiling for one outbound payload.
type Budget struct {
	MaxContextTokens int
}

// ContextPayload is what one gateway call sends. HistoryWindow is a private
// copy; later appends to the conversation never change it.
type ContextPayload struct {
	SystemPrompt    string
	HistoryWindow   []Turn
	Utterance       string
	Columns         []string // dataset columns tool arguments may reference
	EstimatedTokens int
	Budget          int
	DroppedTurns    int // older turns left out of the window
}

// ContextAssembler builds token-budgeted payloads from conversation state.
type ContextAssembler struct {
	budget  Budget
	prompts *PromptBuilder
	// TokenEstimator should be a fast heuristic; we avoid binding to a specific tokenizer here.
	TokenEstimator TokenEstimator
}

func NewContextAssembler(b Budget, est TokenEstimator, prompts *PromptBuilder) *ContextAssembler {
	if est == nil {
		est = EstimateTokens
	}
	if prompts == nil {
		prompts = NewPromptBuilder()
	}
	return &ContextAssembler{budget: b, prompts: prompts, TokenEstimator: est}
}

// Budget returns the configured context budget.
func (a *ContextAssembler) Budget() Budget { return a.budget }

func (a *ContextAssembler) messageCost(s string) int {
	return a.TokenEstimator(s) + messageOverheadTokens
}

// Build assembles the payload for decision. History is filled newest first and
// stops at the first turn that does not fit, so eviction is oldest first.
func (a *ContextAssembler) Build(state *ConversationState, decision CapabilityDecision) (ContextPayload, error) {
	budget := a.budget.MaxContextTokens
	system := a.prompts.System(state.Digest(), decision.Capability)

	systemTokens := a.messageCost(system)
	if systemTokens > budget {
		return ContextPayload{}, &BudgetExceededError{SystemTokens: systemTokens, Budget: budget}
	}

	used := systemTokens + a.messageCost(decision.Utterance)
	if used > budget {
		return ContextPayload{}, ErrUtteranceTooLong
	}

	turns := state.Turns()
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := a.messageCost(turns[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	// Provider APIs expect the conversation to open with a user message.
	if start < len(turns) && turns[start].Role == RoleAssistant {
		used -= a.messageCost(turns[start].Content)
		start++
	}

	var columns []string
	if digest := state.Digest(); digest != nil {
		columns = digest.ColumnNames()
	}

	return ContextPayload{
		SystemPrompt:    system,
		HistoryWindow:   turns[start:],
		Utterance:       decision.Utterance,
		Columns:         columns,
		EstimatedTokens: used,
		Budget:          budget,
		DroppedTurns:    start,
	}, nil
}
