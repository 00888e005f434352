package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZanzyTHEbar/eda-chat/edachat/db"
	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
)

var chartTool = ports.ToolSpec{
	Name:        "generate_chart",
	Description: "Recommend charts",
	JSONSchema:  []byte(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
}

func TestLRUCache(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(2)

	require.NoError(t, cache.Set(ctx, "a", []byte("1"), 60))
	require.NoError(t, cache.Set(ctx, "b", []byte("2"), 60))

	// Touch a so b becomes the eviction candidate.
	_, ok := cache.Get(ctx, "a")
	assert.True(t, ok)

	require.NoError(t, cache.Set(ctx, "c", []byte("3"), 60))

	_, ok = cache.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	v, ok := cache.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), v)
	assert.Equal(t, 2, cache.Len())

	require.NoError(t, cache.Delete(ctx, "a"))
	_, ok = cache.Get(ctx, "a")
	assert.False(t, ok)
}

func TestLRUCacheExpiry(t *testing.T) {
	ctx := context.Background()
	cache := NewLRUCache(4)
	now := time.Now()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "short", []byte("x"), 1))
	require.NoError(t, cache.Set(ctx, "forever", []byte("y"), 0))

	now = now.Add(2 * time.Second)

	_, ok := cache.Get(ctx, "short")
	assert.False(t, ok)
	_, ok = cache.Get(ctx, "forever")
	assert.True(t, ok)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	tb := NewTokenBucket(2, time.Second)
	now := time.Now()
	tb.now = func() time.Time { return now }

	for range 2 {
		release, err := tb.Acquire(ctx, "gateway")
		require.NoError(t, err)
		release()
	}

	_, err := tb.Acquire(ctx, "gateway")
	assert.ErrorIs(t, err, ErrRateLimitExceeded)

	// Keys are independent.
	_, err = tb.Acquire(ctx, "other")
	assert.NoError(t, err)

	now = now.Add(time.Second)
	_, err = tb.Acquire(ctx, "gateway")
	assert.NoError(t, err)
}

func TestTokenBucketCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewTokenBucket(1, time.Second).Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestZerologTracer(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf).Level(zerolog.DebugLevel))

	ctx, finish := tracer.StartSpan(context.Background(), "gateway.complete", map[string]any{"session": "s1"})
	tracer.Event(ctx, "classified", map[string]any{"capability": "answer"})
	finish(errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"span":"gateway.complete"`)
	assert.Contains(t, out, `"event":"classified"`)
	assert.Contains(t, out, `"session":"s1"`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestZerologTracerEventWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewZerologTracer(zerolog.New(&buf).With().Str("component", "agent").Logger())

	tracer.Event(context.Background(), "session.created", map[string]any{"session": "s2"})

	out := buf.String()
	assert.Contains(t, out, `"level":"info"`)
	assert.Contains(t, out, `"component":"agent"`)
	assert.Contains(t, out, `"event":"session.created"`)
	assert.Contains(t, out, `"session":"s2"`)
	assert.NotContains(t, out, `"span"`)
}

func TestLibSQLTranscriptStore(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Connect(ctx, filepath.Join(t.TempDir(), "transcripts.db"), zerolog.New(zerolog.Nop()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	store := NewLibSQLTranscriptStore(conn)

	for i, role := range []string{"user", "assistant", "user", "assistant"} {
		require.NoError(t, store.SaveTurn(ctx, "s1", ports.TranscriptTurn{
			TurnIndex: i/2 + 1,
			Role:      role,
			Content:   role + " message",
			Tokens:    10,
		}))
	}
	require.NoError(t, store.SaveTurn(ctx, "s2", ports.TranscriptTurn{TurnIndex: 1, Role: "user", Content: "other"}))

	turns, err := store.LoadTranscript(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "assistant", turns[0].Role)
	assert.Equal(t, 1, turns[0].TurnIndex)
	assert.Equal(t, "assistant", turns[2].Role)
	assert.Equal(t, 2, turns[2].TurnIndex)

	require.NoError(t, store.AppendToolArtifact(ctx, "s1", "overview", []byte(`{"text":"hi"}`)))
	artifacts, err := store.ToolArtifacts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "overview", artifacts[0].Name)
	assert.JSONEq(t, `{"text":"hi"}`, string(artifacts[0].Payload))
}

// messagesRequest is the subset of a Messages API body the tests inspect.
type messagesRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
	Messages []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"messages"`
	Tools []struct {
		Name        string         `json:"name"`
		InputSchema map[string]any `json:"input_schema"`
	} `json:"tools"`
	ToolChoice *struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"tool_choice"`
}

func anthropicServer(t *testing.T, handler http.HandlerFunc) *AnthropicGateway {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return NewAnthropicGateway(server.Client(), server.URL, "test-key", "claude-test")
}

func TestAnthropicGatewayForcedTool(t *testing.T) {
	gw := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))

		var wire messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Equal(t, "claude-test", wire.Model)
		assert.Equal(t, 512, wire.MaxTokens)
		require.Len(t, wire.System, 1)
		assert.Equal(t, "system prompt", wire.System[0].Text)
		require.Len(t, wire.Messages, 1)
		assert.Equal(t, "user", wire.Messages[0].Role)
		assert.Equal(t, "plot it", wire.Messages[0].Content[0].Text)
		require.Len(t, wire.Tools, 1)
		assert.Equal(t, "generate_chart", wire.Tools[0].Name)
		assert.Equal(t, "object", wire.Tools[0].InputSchema["type"])
		assert.Contains(t, wire.Tools[0].InputSchema, "properties")
		require.NotNil(t, wire.ToolChoice)
		assert.Equal(t, "tool", wire.ToolChoice.Type)
		assert.Equal(t, "generate_chart", wire.ToolChoice.Name)

		io.WriteString(w, `{
			"id": "msg_1",
			"content": [
				{"type": "text", "text": "Here you go"},
				{"type": "tool_use", "id": "tu_1", "name": "generate_chart", "input": {"text": "summary"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 100, "output_tokens": 20}
		}`)
	})

	resp, err := gw.Complete(context.Background(), ports.GatewayRequest{
		System:    "system prompt",
		Messages:  []ports.PromptMessage{{Role: "user", Content: "plot it"}},
		Directive: ports.DirectiveForced,
		Tool:      chartTool,
		MaxTokens: 512,
	})

	require.NoError(t, err)
	assert.Equal(t, "Here you go", resp.Text)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, "generate_chart", resp.ToolCall.Name)
	assert.JSONEq(t, `{"text":"summary"}`, string(resp.ToolCall.Args))
	assert.Equal(t, ports.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}, resp.Usage)
}

func TestAnthropicGatewayDirectives(t *testing.T) {
	tests := []struct {
		directive  ports.Directive
		wantTools  int
		wantChoice string
	}{
		{ports.DirectiveAvailable, 1, "auto"},
		{ports.DirectiveWithheld, 0, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.directive), func(t *testing.T) {
			gw := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
				var wire messagesRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
				assert.Len(t, wire.Tools, tt.wantTools)
				if tt.wantChoice == "" {
					assert.Nil(t, wire.ToolChoice)
				} else {
					require.NotNil(t, wire.ToolChoice)
					assert.Equal(t, tt.wantChoice, wire.ToolChoice.Type)
				}
				io.WriteString(w, `{"content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":1,"output_tokens":1}}`)
			})

			resp, err := gw.Complete(context.Background(), ports.GatewayRequest{
				Messages:  []ports.PromptMessage{{Role: "user", Content: "hi"}},
				Directive: tt.directive,
				Tool:      chartTool,
				MaxTokens: 10,
			})
			require.NoError(t, err)
			assert.Equal(t, "ok", resp.Text)
			assert.Nil(t, resp.ToolCall)
		})
	}
}

func TestAnthropicGatewayErrors(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  ports.GatewayErrorKind
		retryable bool
		terminal  bool
	}{
		{http.StatusBadRequest, ports.GatewayInvalidRequest, false, false},
		{http.StatusUnauthorized, ports.GatewayAuthError, false, true},
		{http.StatusTooManyRequests, ports.GatewayRateLimited, true, false},
		{http.StatusInternalServerError, ports.GatewayUnavailable, false, true},
		{529, ports.GatewayUnavailable, false, true},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			gw := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"type":"error","error":{"type":"some_error","message":"details"}}`)
			})

			_, err := gw.Complete(context.Background(), ports.GatewayRequest{
				Messages:  []ports.PromptMessage{{Role: "user", Content: "hi"}},
				MaxTokens: 10,
			})

			var gwErr *ports.GatewayError
			require.ErrorAs(t, err, &gwErr)
			assert.Equal(t, tt.wantKind, gwErr.Kind)
			assert.Equal(t, tt.status, gwErr.StatusCode)
			assert.Equal(t, tt.retryable, gwErr.Retryable())
			assert.Equal(t, tt.terminal, gwErr.Terminal())
			assert.Contains(t, gwErr.Error(), "details")
		})
	}
}

func TestAnthropicGatewayTimeout(t *testing.T) {
	release := make(chan struct{})
	gw := anthropicServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := gw.Complete(ctx, ports.GatewayRequest{
		Messages:  []ports.PromptMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 10,
	})

	var gwErr *ports.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ports.GatewayTimeout, gwErr.Kind)
	assert.True(t, gwErr.Retryable())
}

func TestOpenAIGateway(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)

		var wire map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&wire))
		assert.Equal(t, "gpt-test", wire["model"])
		messages := wire["messages"].([]any)
		require.Len(t, messages, 2)
		assert.Equal(t, "system", messages[0].(map[string]any)["role"])
		choice := wire["tool_choice"].(map[string]any)
		assert.Equal(t, "function", choice["type"])

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "generate_chart", "arguments": "{\"text\":\"t\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 30, "completion_tokens": 5, "total_tokens": 35}
		}`)
	}))
	t.Cleanup(server.Close)

	gw := NewOpenAIGateway("test-key", server.URL, "gpt-test")
	resp, err := gw.Complete(context.Background(), ports.GatewayRequest{
		System:    "sys",
		Messages:  []ports.PromptMessage{{Role: "user", Content: "plot"}},
		Directive: ports.DirectiveForced,
		Tool:      chartTool,
		MaxTokens: 100,
	})

	require.NoError(t, err)
	require.NotNil(t, resp.ToolCall)
	assert.Equal(t, "generate_chart", resp.ToolCall.Name)
	assert.JSONEq(t, `{"text":"t"}`, string(resp.ToolCall.Args))
	assert.Equal(t, 35, resp.Usage.TotalTokens)
}

func TestOpenAIGatewayRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit_error"}}`)
	}))
	t.Cleanup(server.Close)

	_, err := NewOpenAIGateway("k", server.URL, "m").Complete(context.Background(), ports.GatewayRequest{
		Messages:  []ports.PromptMessage{{Role: "user", Content: "hi"}},
		MaxTokens: 10,
	})

	var gwErr *ports.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, ports.GatewayRateLimited, gwErr.Kind)
	assert.Equal(t, http.StatusTooManyRequests, gwErr.StatusCode)
}

func TestMockGateway(t *testing.T) {
	gw := NewMockGateway()
	system := "Dataset: 3 rows, 2 columns\nColumns: price, region\n"

	resp, err := gw.Complete(context.Background(), ports.GatewayRequest{
		System:    system,
		Messages:  []ports.PromptMessage{{Role: "user", Content: "plot price"}},
		Directive: ports.DirectiveForced,
		Tool:      chartTool,
	})
	require.NoError(t, err)
	require.NotNil(t, resp.ToolCall)

	var args struct {
		Chart1 struct {
			X string `json:"x"`
		} `json:"chart_1"`
		Chart2 struct {
			Y string `json:"y"`
		} `json:"chart_2"`
	}
	require.NoError(t, json.Unmarshal(resp.ToolCall.Args, &args))
	assert.Equal(t, "price", args.Chart1.X)
	assert.Equal(t, "region", args.Chart2.Y)

	resp, err = gw.Complete(context.Background(), ports.GatewayRequest{
		System:    system,
		Messages:  []ports.PromptMessage{{Role: "user", Content: "what is this"}},
		Directive: ports.DirectiveWithheld,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.ToolCall)
	assert.Equal(t, "Mock answer to: what is this", resp.Text)
}
