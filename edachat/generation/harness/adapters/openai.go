package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
	"github.com/sashabaranov/go-openai"
)

// OpenAIGateway calls an OpenAI compatible chat completions endpoint.
type OpenAIGateway struct {
	client *openai.Client
	model  string
}

// NewOpenAIGateway creates a gateway; a non-empty baseURL targets a compatible server.
func NewOpenAIGateway(apiKey, baseURL, model string) *OpenAIGateway {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	return &OpenAIGateway{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
	}
}

// Complete sends one non-streaming chat completion.
func (g *OpenAIGateway) Complete(ctx context.Context, req ports.GatewayRequest) (ports.GatewayResponse, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	wire := openai.ChatCompletionRequest{
		Model:     g.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}

	switch req.Directive {
	case ports.DirectiveForced:
		wire.Tools = []openai.Tool{toOpenAITool(req.Tool)}
		wire.ToolChoice = openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: req.Tool.Name},
		}
	case ports.DirectiveAvailable:
		wire.Tools = []openai.Tool{toOpenAITool(req.Tool)}
		wire.ToolChoice = "auto"
	}

	resp, err := g.client.CreateChatCompletion(ctx, wire)
	if err != nil {
		return ports.GatewayResponse{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return ports.GatewayResponse{}, &ports.GatewayError{Kind: ports.GatewayUnavailable, Err: errors.New("no choices in response")}
	}

	msg := resp.Choices[0].Message
	out := ports.GatewayResponse{
		Text: msg.Content,
		Usage: ports.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Raw: resp,
	}
	for _, call := range msg.ToolCalls {
		if call.Type == openai.ToolTypeFunction {
			out.ToolCall = &ports.ToolCall{Name: call.Function.Name, Args: json.RawMessage(call.Function.Arguments)}
			break
		}
	}

	return out, nil
}

func toOpenAITool(spec ports.ToolSpec) openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  json.RawMessage(spec.JSONSchema),
		},
	}
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &ports.GatewayError{
			Kind:       ports.KindForStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Err:        fmt.Errorf("%s: %s", apiErr.Type, apiErr.Message),
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &ports.GatewayError{
			Kind:       ports.KindForStatus(reqErr.HTTPStatusCode),
			StatusCode: reqErr.HTTPStatusCode,
			Err:        reqErr.Err,
		}
	}
	return ports.ClassifyTransportError(err)
}

// Ensure OpenAIGateway implements the Gateway interface.
var _ ports.Gateway = (*OpenAIGateway)(nil)
