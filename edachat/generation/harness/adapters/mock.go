package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
)

// MockGateway is a deterministic offline gateway for demos and local runs. It
// reads the column list from the rendered dataset in the system prompt so its
// chart suggestions always reference real columns.
type MockGateway struct{}

// NewMockGateway creates a new mock gateway.
func NewMockGateway() *MockGateway {
	return &MockGateway{}
}

// Complete returns a canned answer shaped by the request's directive.
func (m *MockGateway) Complete(ctx context.Context, req ports.GatewayRequest) (ports.GatewayResponse, error) {
	if err := ctx.Err(); err != nil {
		return ports.GatewayResponse{}, ports.ClassifyTransportError(err)
	}

	utterance := ""
	if n := len(req.Messages); n > 0 {
		utterance = req.Messages[n-1].Content
	}
	columns := mockColumns(req.System)

	var resp ports.GatewayResponse
	switch {
	case req.Directive == ports.DirectiveForced && len(columns) > 0:
		args, err := json.Marshal(mockChartArgs(columns))
		if err != nil {
			return ports.GatewayResponse{}, &ports.GatewayError{Kind: ports.GatewayUnavailable, Err: err}
		}
		resp.Text = fmt.Sprintf("Here is a chart for: %s", utterance)
		resp.ToolCall = &ports.ToolCall{Name: req.Tool.Name, Args: args}
	case req.Directive == ports.DirectiveAvailable && len(columns) > 0:
		resp.Text = fmt.Sprintf("You can explore %s with pandas:\n```python\nprint(df[%q].describe())\n```", columns[0], columns[0])
	default:
		resp.Text = fmt.Sprintf("Mock answer to: %s", utterance)
	}

	prompt := len(req.System) / 4
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	completion := len(resp.Text) / 4
	resp.Usage = ports.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}

	return resp, nil
}

func mockColumns(system string) []string {
	for _, line := range strings.Split(system, "\n") {
		if rest, ok := strings.CutPrefix(line, "Columns: "); ok {
			return strings.Split(rest, ", ")
		}
	}
	return nil
}

func mockChartArgs(columns []string) map[string]any {
	second := any(nil)
	if len(columns) > 1 {
		second = columns[1]
	}
	return map[string]any{
		"text":       fmt.Sprintf("The dataset has %d columns. %s is a good starting point.", len(columns), columns[0]),
		"next_steps": fmt.Sprintf("Look at the distribution of %s.", columns[0]),
		"chart_1":    map[string]any{"type": "histogram", "x": columns[0], "y": nil},
		"chart_2":    map[string]any{"type": "scatter", "x": columns[0], "y": second},
		"matplotlib_code": fmt.Sprintf(
			"```python\nimport matplotlib.pyplot as plt\ndf[%q].hist()\nplt.show()\n```", columns[0]),
	}
}

// Ensure MockGateway implements the Gateway interface.
var _ ports.Gateway = (*MockGateway)(nil)
