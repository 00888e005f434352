package adapters

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
	"github.com/google/uuid"
)

// LibSQLTranscriptStore implements TranscriptStore on a migrated libsql database.
type LibSQLTranscriptStore struct {
	db *sql.DB
}

// ToolArtifact is a stored tool payload, e.g. an overview chart set.
type ToolArtifact struct {
	ID        string
	Name      string
	Payload   []byte
	CreatedAt time.Time
}

// NewLibSQLTranscriptStore creates a new LibSQL transcript store.
func NewLibSQLTranscriptStore(db *sql.DB) *LibSQLTranscriptStore {
	return &LibSQLTranscriptStore{db: db}
}

// SaveTurn appends a turn to a session's transcript.
func (s *LibSQLTranscriptStore) SaveTurn(ctx context.Context, sessionID string, turn ports.TranscriptTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO transcript_turns
			(turn_id, session_id, turn_index, role, content, capability, tool_name, tool_args, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), sessionID, turn.TurnIndex, turn.Role, turn.Content,
		turn.Capability, turn.ToolName, string(turn.ToolArgs), turn.Tokens, turn.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save turn: %w", err)
	}
	return nil
}

// LoadTranscript loads the last k turns of a session, oldest first.
func (s *LibSQLTranscriptStore) LoadTranscript(ctx context.Context, sessionID string, k int) ([]ports.TranscriptTurn, error) {
	query := `
		SELECT turn_index, role, content, capability, tool_name, tool_args, tokens, created_at
		FROM transcript_turns
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []ports.TranscriptTurn
	for rows.Next() {
		var (
			turn      ports.TranscriptTurn
			toolArgs  string
			createdAt int64
		)
		if err := rows.Scan(&turn.TurnIndex, &turn.Role, &turn.Content, &turn.Capability,
			&turn.ToolName, &toolArgs, &turn.Tokens, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if toolArgs != "" {
			turn.ToolArgs = []byte(toolArgs)
		}
		turn.CreatedAt = time.Unix(0, createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}

	slices.Reverse(turns)
	return turns, nil
}

// AppendToolArtifact stores a tool payload against a session.
func (s *LibSQLTranscriptStore) AppendToolArtifact(ctx context.Context, sessionID, name string, payload []byte) error {
	query := `INSERT INTO tool_artifacts (id, session_id, name, payload, created_at) VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, uuid.NewString(), sessionID, name, string(payload), time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save tool artifact: %w", err)
	}
	return nil
}

// ToolArtifacts lists a session's artifacts in insertion order.
func (s *LibSQLTranscriptStore) ToolArtifacts(ctx context.Context, sessionID string) ([]ToolArtifact, error) {
	query := `SELECT id, name, payload, created_at FROM tool_artifacts WHERE session_id = ? ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tool artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []ToolArtifact
	for rows.Next() {
		var (
			a         ToolArtifact
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool artifact: %w", err)
		}
		a.Payload = []byte(payload)
		a.CreatedAt = time.Unix(0, createdAt)
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tool artifacts: %w", err)
	}
	return artifacts, nil
}

// Ensure LibSQLTranscriptStore implements the TranscriptStore interface.
var _ ports.TranscriptStore = (*LibSQLTranscriptStore)(nil)
