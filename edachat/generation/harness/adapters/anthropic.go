package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicGateway calls the Anthropic Messages API.
type AnthropicGateway struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGateway creates a gateway; an empty baseURL uses the public endpoint.
// The SDK's automatic retries are disabled: a failed call is reported once.
func NewAnthropicGateway(httpClient *http.Client, baseURL, apiKey, model string) *AnthropicGateway {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	return &AnthropicGateway{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Complete sends one non-streaming Messages request.
func (g *AnthropicGateway) Complete(ctx context.Context, req ports.GatewayRequest) (ports.GatewayResponse, error) {
	params, err := g.buildParams(req)
	if err != nil {
		return ports.GatewayResponse{}, &ports.GatewayError{Kind: ports.GatewayInvalidRequest, Err: err}
	}

	message, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return ports.GatewayResponse{}, classifyAnthropicError(err)
	}

	return toGatewayResponse(message), nil
}

func (g *AnthropicGateway) buildParams(req ports.GatewayRequest) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Content)
		switch m.Role {
		case "user":
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		default:
			return params, fmt.Errorf("unsupported message role %q", m.Role)
		}
	}

	switch req.Directive {
	case ports.DirectiveForced:
		tool, err := toAnthropicTool(req.Tool)
		if err != nil {
			return params, err
		}
		params.Tools = []anthropic.ToolUnionParam{tool}
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(req.Tool.Name)
	case ports.DirectiveAvailable:
		tool, err := toAnthropicTool(req.Tool)
		if err != nil {
			return params, err
		}
		params.Tools = []anthropic.ToolUnionParam{tool}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}

	return params, nil
}

func toAnthropicTool(spec ports.ToolSpec) (anthropic.ToolUnionParam, error) {
	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(spec.JSONSchema, &schema); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("tool %s schema: %w", spec.Name, err)
	}

	tool := anthropic.ToolUnionParamOfTool(anthropic.ToolInputSchemaParam{
		Properties: schema.Properties,
		Required:   schema.Required,
	}, spec.Name)
	if spec.Description != "" {
		tool.OfTool.Description = anthropic.String(spec.Description)
	}
	return tool, nil
}

// classifyAnthropicError maps SDK API errors onto gateway kinds by status.
func classifyAnthropicError(err error) *ports.GatewayError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ports.GatewayError{
			Kind:       ports.KindForStatus(apiErr.StatusCode),
			StatusCode: apiErr.StatusCode,
			Err:        err,
		}
	}
	return ports.ClassifyTransportError(err)
}

func toGatewayResponse(message *anthropic.Message) ports.GatewayResponse {
	resp := ports.GatewayResponse{
		Usage: ports.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
		Raw: message,
	}

	var text []string
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			if resp.ToolCall == nil {
				resp.ToolCall = &ports.ToolCall{Name: block.Name, Args: block.Input}
			}
		}
	}
	resp.Text = strings.Join(text, "\n")

	return resp
}

// Ensure AnthropicGateway implements the Gateway interface.
var _ ports.Gateway = (*AnthropicGateway)(nil)
