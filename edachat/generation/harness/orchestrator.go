package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
)

// VisualizationToolName is the name the chart tool is exposed under.
const VisualizationToolName = "generate_chart"

var visualizationSchema = []byte(`{
  "type": "object",
  "properties": {
    "text": {"type": "string", "description": "Natural language summary of key findings and insights"},
    "next_steps": {"type": "string", "description": "Recommendation on the next step in the analysis"},
    "chart_1": {
      "type": "object",
      "description": "First recommended chart",
      "properties": {
        "type": {"type": "string", "enum": ["histogram", "scatter", "box", "bar", "line", "heatmap"]},
        "x": {"type": "string", "description": "X-axis column name"},
        "y": {"type": ["string", "null"], "description": "Y-axis column name (null for histograms)"}
      },
      "required": ["type", "x"]
    },
    "chart_2": {
      "type": ["object", "null"],
      "description": "Second recommended chart",
      "properties": {
        "type": {"type": "string", "enum": ["histogram", "scatter", "box", "bar", "line", "heatmap"]},
        "x": {"type": "string"},
        "y": {"type": ["string", "null"]}
      },
      "required": ["type", "x"]
    },
    "matplotlib_code": {
      "type": "string",
      "description": "Complete executable matplotlib code that creates the charts in a figure named 'fig'. Assumes df is already loaded."
    }
  },
  "required": ["text", "chart_1", "matplotlib_code"]
}`)

// VisualizationTool returns the chart tool declaration.
func VisualizationTool() ports.ToolSpec {
	return ports.ToolSpec{
		Name: VisualizationToolName,
		Description: "Generate a structured summary of the dataset analysis with chart recommendations. " +
			"Provide key findings, a next step for the analysis, up to two charts that reference existing columns, " +
			"and matplotlib code that draws them.",
		JSONSchema: slices.Clone(visualizationSchema),
	}
}

// ChartSpec is one recommended chart.
type ChartSpec struct {
	Type string  `json:"type"`
	X    string  `json:"x"`
	Y    *string `json:"y"`
}

// VisualizationArgs are the decoded arguments of a chart tool call.
type VisualizationArgs struct {
	Text           string     `json:"text"`
	NextSteps      string     `json:"next_steps"`
	Chart1         *ChartSpec `json:"chart_1"`
	Chart2         *ChartSpec `json:"chart_2"`
	MatplotlibCode string     `json:"matplotlib_code"`
}

// InvocationState tracks one gateway round trip.
type InvocationState string

const (
	StateIdle                    InvocationState = "idle"
	StateAwaitingGatewayResponse InvocationState = "awaiting_gateway_response"
	StateResponseParsed          InvocationState = "response_parsed"
	StateGatewayFailed           InvocationState = "gateway_failed"
)

// AgentResponse is the structured result of one turn.
type AgentResponse struct {
	Capability     Capability      `json:"capability"`
	Directive      ports.Directive `json:"directive"`
	Text           string          `json:"text"`
	NextSteps      string          `json:"next_steps,omitempty"`
	Code           string          `json:"code,omitempty"`
	Charts         []ChartSpec     `json:"charts,omitempty"`
	Usage          ports.Usage     `json:"usage"`
	TurnIndex      int             `json:"turn_index"`
	ToolInvocation *ToolInvocation `json:"tool_invocation,omitempty"`
	State          InvocationState `json:"-"`
}

// DirectiveFor maps a decision to its tool directive.
func DirectiveFor(decision CapabilityDecision) ports.Directive {
	switch {
	case decision.ForceTool || decision.Capability == CapabilityVisualization:
		return ports.DirectiveForced
	case decision.Capability == CapabilityCode:
		return ports.DirectiveAvailable
	default:
		return ports.DirectiveWithheld
	}
}

// ToolOrchestrator performs the gateway call for a payload and turns the raw
// response into an AgentResponse. It never retries.
type ToolOrchestrator struct {
	gateway    ports.Gateway
	prompts    *PromptBuilder
	parser     *OutputParser
	guardrails *Guardrails
	validator  *JSONValidator
	tracer     ports.Tracer
	tool       ports.ToolSpec
	maxTokens  int
	timeout    time.Duration
}

// NewToolOrchestrator wires an orchestrator. A zero timeout leaves the call
// bounded by the caller's context only.
func NewToolOrchestrator(gateway ports.Gateway, guardrails *Guardrails, tracer ports.Tracer, maxTokens int, timeout time.Duration) *ToolOrchestrator {
	if guardrails == nil {
		guardrails = PassthroughGuardrails()
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	tool := VisualizationTool()
	validator := NewJSONValidator()
	if err := validator.Compile(tool.JSONSchema); err != nil {
		panic(fmt.Sprintf("harness: built-in tool schema does not compile: %v", err))
	}
	return &ToolOrchestrator{
		gateway:    gateway,
		prompts:    NewPromptBuilder(),
		parser:     NewOutputParser(),
		guardrails: guardrails,
		validator:  validator,
		tracer:     tracer,
		tool:       tool,
		maxTokens:  maxTokens,
		timeout:    timeout,
	}
}

// Invoke sends payload to the gateway under the directive derived from decision.
// Gateway failures come back as *GatewayError; rejected tool calls as
// *InvalidToolArgumentError.
func (o *ToolOrchestrator) Invoke(ctx context.Context, payload ContextPayload, decision CapabilityDecision) (*AgentResponse, error) {
	directive := DirectiveFor(decision)
	state := StateIdle
	transition := func(next InvocationState) {
		o.tracer.Event(ctx, "invocation_state", map[string]any{"from": string(state), "to": string(next)})
		state = next
	}

	req := o.prompts.Request(payload, directive, o.tool, o.maxTokens, map[string]string{
		"capability": string(decision.Capability),
		"directive":  string(directive),
	})

	callCtx := ctx
	if o.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	callCtx, finish := o.tracer.StartSpan(callCtx, "gateway.complete", map[string]any{
		"capability":       string(decision.Capability),
		"directive":        string(directive),
		"estimated_tokens": payload.EstimatedTokens,
		"history_turns":    len(payload.HistoryWindow),
	})
	transition(StateAwaitingGatewayResponse)
	resp, err := o.gateway.Complete(callCtx, req)
	finish(err)

	if err != nil {
		transition(StateGatewayFailed)
		return nil, ports.ClassifyTransportError(err)
	}

	out, err := o.Parse(resp, decision, payload.Columns)
	transition(StateResponseParsed)
	if err != nil {
		o.tracer.Event(ctx, "tool_argument_rejected", map[string]any{"error": err.Error()})
		return nil, err
	}
	out.State = state
	return out, nil
}

// Parse validates a gateway response against the decision and the dataset columns.
func (o *ToolOrchestrator) Parse(resp ports.GatewayResponse, decision CapabilityDecision, columns []string) (*AgentResponse, error) {
	directive := DirectiveFor(decision)
	out := &AgentResponse{
		Capability: decision.Capability,
		Directive:  directive,
		Usage:      resp.Usage,
		Text:       resp.Text,
	}

	if resp.ToolCall == nil {
		if directive == ports.DirectiveForced {
			return nil, &InvalidToolArgumentError{Field: "tool", Reason: "expected a " + o.tool.Name + " call"}
		}
		if decision.Capability == CapabilityCode {
			if code, ok := o.parser.FirstCodeBlock(resp.Text); ok {
				out.Code = code
			}
		}
		out.Text = o.guardrails.SanitizeOutput(out.Text)
		return out, nil
	}

	call := *resp.ToolCall
	if directive == ports.DirectiveWithheld || call.Name != o.tool.Name {
		return nil, &InvalidToolArgumentError{Field: "tool", Value: call.Name, Reason: "tool was not offered"}
	}

	repaired, err := o.parser.RepairArguments(call.Args)
	if err != nil {
		return nil, &InvalidToolArgumentError{Field: "arguments", Reason: err.Error()}
	}
	call.Args = repaired
	if err := o.guardrails.ValidateToolCall(call); err != nil {
		return nil, &InvalidToolArgumentError{Field: "tool", Value: call.Name, Reason: err.Error()}
	}

	args, err := ValidateVisualizationArgs(o.validator, o.tool.JSONSchema, call.Args, columns)
	if err != nil {
		return nil, err
	}

	if args.Text != "" {
		out.Text = args.Text
	}
	out.Text = o.guardrails.SanitizeOutput(out.Text)
	out.NextSteps = o.guardrails.SanitizeOutput(args.NextSteps)
	out.Code = o.parser.StripFences(args.MatplotlibCode)
	for _, chart := range []*ChartSpec{args.Chart1, args.Chart2} {
		if chart != nil {
			out.Charts = append(out.Charts, *chart)
		}
	}
	out.ToolInvocation = &ToolInvocation{CapabilityName: call.Name, Arguments: call.Args}

	return out, nil
}

// ValidateVisualizationArgs checks raw tool arguments against schema and the
// dataset's column list. It touches no live data.
func ValidateVisualizationArgs(validator *JSONValidator, schema []byte, raw json.RawMessage, columns []string) (*VisualizationArgs, error) {
	if err := validator.Validate(raw, schema); err != nil {
		var schemaErr *SchemaError
		if errors.As(err, &schemaErr) && len(schemaErr.Violations) > 0 {
			v := schemaErr.Violations[0]
			return nil, &InvalidToolArgumentError{Field: v.Field, Reason: v.Description}
		}
		return nil, &InvalidToolArgumentError{Field: "arguments", Reason: err.Error()}
	}

	var args VisualizationArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, &InvalidToolArgumentError{Field: "arguments", Reason: err.Error()}
	}

	check := func(field, value string) error {
		if slices.Contains(columns, value) {
			return nil
		}
		return &InvalidToolArgumentError{
			Field:     field,
			Value:     value,
			Reason:    reasonColumnNotFound,
			Available: slices.Clone(columns),
		}
	}

	for _, entry := range []struct {
		name  string
		chart *ChartSpec
	}{{"chart_1", args.Chart1}, {"chart_2", args.Chart2}} {
		if entry.chart == nil {
			continue
		}
		if err := check(entry.name+".x", entry.chart.X); err != nil {
			return nil, err
		}
		if entry.chart.Y != nil && *entry.chart.Y != "" {
			if err := check(entry.name+".y", *entry.chart.Y); err != nil {
				return nil, err
			}
		}
	}

	return &args, nil
}
