package harnessports

import (
	"context"
	"time"
)

// TranscriptTurn is the archived form of one conversational turn.
type TranscriptTurn struct {
	TurnIndex  int       `json:"turn_index"`
	Role       string    `json:"role"` // "user" | "assistant" | "tool"
	Content    string    `json:"content"`
	Capability string    `json:"capability,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	ToolArgs   []byte    `json:"tool_args,omitempty"`
	Tokens     int       `json:"tokens"`
	CreatedAt  time.Time `json:"created_at"`
}

// TranscriptStore archives conversations for later inspection. It is write-mostly;
// live conversation state is never rebuilt from it.
type TranscriptStore interface {
	SaveTurn(ctx context.Context, sessionID string, turn TranscriptTurn) error
	LoadTranscript(ctx context.Context, sessionID string, k int) ([]TranscriptTurn, error) // last-k turns
	AppendToolArtifact(ctx context.Context, sessionID, name string, payload []byte) error
}
