package harness

import (
	"strings"

	"github.com/ZanzyTHEbar/eda-chat/edachat/dataset"
	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
)

const baseInstructions = `You are an experienced business intelligence analyst helping a user explore one tabular dataset.
Answer from the dataset summary below. Be concise and focus on actionable insights.
The full dataset is never sent; rely on the summary statistics, category counts and sample rows.`

var capabilityInstructions = map[Capability]string{
	CapabilityAnswer: `Answer in plain prose. Do not produce code or charts for this question.`,
	CapabilityCode: `The user wants code. Return runnable Python in a single fenced code block that uses the pandas DataFrame 'df'.
All necessary imports (pandas, numpy, matplotlib) are available.
You may call the ` + VisualizationToolName + ` tool if a chart is the clearest answer.`,
	CapabilityVisualization: `The user wants a chart. Call the ` + VisualizationToolName + ` tool.
Only reference column names that appear exactly in the dataset summary.
The matplotlib code must create a figure named 'fig' and assume 'df' is already loaded.`,
}

// PromptBuilder assembles system prompts and gateway requests.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// normalize trims and unifies newlines so identical inputs produce identical prompts.
func normalize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}

// System renders the static instructions, the capability addendum and the digest.
func (b *PromptBuilder) System(digest *dataset.Digest, capability Capability) string {
	var sb strings.Builder
	sb.WriteString(baseInstructions)
	if extra, ok := capabilityInstructions[capability]; ok {
		sb.WriteString("\n\n")
		sb.WriteString(extra)
	}
	if digest != nil {
		sb.WriteString("\n\nDataset summary:\n")
		sb.WriteString(digest.Render())
	}
	return normalize(sb.String())
}

// Request flattens a payload into a gateway request.
func (b *PromptBuilder) Request(payload ContextPayload, directive ports.Directive, tool ports.ToolSpec, maxTokens int, meta map[string]string) ports.GatewayRequest {
	messages := make([]ports.PromptMessage, 0, len(payload.HistoryWindow)+1)
	for _, t := range payload.HistoryWindow {
		messages = append(messages, ports.PromptMessage{Role: string(t.Role), Content: normalize(t.Content)})
	}
	messages = append(messages, ports.PromptMessage{Role: string(RoleUser), Content: normalize(payload.Utterance)})

	req := ports.GatewayRequest{
		System:    payload.SystemPrompt,
		Messages:  messages,
		Directive: directive,
		MaxTokens: maxTokens,
		Meta:      meta,
	}
	if directive != ports.DirectiveWithheld {
		req.Tool = tool
	}
	return req
}
