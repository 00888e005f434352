package harness

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/ZanzyTHEbar/eda-chat/edachat/dataset"
)

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ToolInvocation records the tool call an assistant turn produced.
type ToolInvocation struct {
	CapabilityName string          `json:"capability_name"`
	Arguments      json.RawMessage `json:"arguments"`
}

// Turn is one user or assistant message. Turns are values; the state hands out copies.
type Turn struct {
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	ToolInvocation *ToolInvocation `json:"tool_invocation,omitempty"`
	TokenCount     int             `json:"token_count"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (t Turn) clone() Turn {
	if t.ToolInvocation != nil {
		inv := *t.ToolInvocation
		inv.Arguments = slices.Clone(inv.Arguments)
		t.ToolInvocation = &inv
	}
	return t
}

// ConversationUsage is a read-only snapshot of a conversation's counters.
type ConversationUsage struct {
	TurnCount           int  `json:"turn_count"`
	MaxTurns            int  `json:"max_turns"`
	CumulativeTokens    int  `json:"cumulative_tokens"`
	MaxCumulativeTokens int  `json:"max_cumulative_tokens,omitempty"`
	NearLimit           bool `json:"near_limit"`
}

// ConversationLimits bounds one conversation. A zero token cap or warning
// threshold disables that check.
type ConversationLimits struct {
	MaxTurns            int
	MaxCumulativeTokens int
	NearLimitTurns      int // user turns at which NearLimit is raised
	NearLimitTokens     int // cumulative tokens at which NearLimit is raised
}

// ConversationState is the turn-limited record of one conversation. It has a
// single writer; callers serialize access per session.
type ConversationState struct {
	turns            []Turn
	userTurns        int
	cumulativeTokens int
	digest           *dataset.Digest
	limits           ConversationLimits
}

// NewConversationState creates an empty conversation over digest limited to
// maxTurns user turns.
func NewConversationState(digest *dataset.Digest, maxTurns int) *ConversationState {
	return NewConversationStateWithLimits(digest, ConversationLimits{MaxTurns: maxTurns})
}

// NewConversationStateWithLimits creates an empty conversation over digest.
func NewConversationStateWithLimits(digest *dataset.Digest, limits ConversationLimits) *ConversationState {
	limits.MaxTurns = max(limits.MaxTurns, 1)
	limits.MaxCumulativeTokens = max(limits.MaxCumulativeTokens, 0)
	return &ConversationState{digest: digest, limits: limits}
}

// Append adds one turn. A user turn past either limit fails with
// *TurnLimitExceededError and nothing is appended.
func (s *ConversationState) Append(turn Turn) error {
	if err := s.checkRole(turn.Role); err != nil {
		return err
	}
	if turn.Role == RoleUser {
		if limitErr := s.LimitError(); limitErr != nil {
			return limitErr
		}
	}
	s.push(turn)
	return nil
}

// AppendExchange appends a user turn and its assistant reply together, or neither.
func (s *ConversationState) AppendExchange(user, assistant Turn) error {
	if user.Role != RoleUser || assistant.Role != RoleAssistant {
		return fmt.Errorf("%w: exchange must be user then assistant", ErrInvalidRole)
	}
	if limitErr := s.LimitError(); limitErr != nil {
		return limitErr
	}
	s.push(user)
	s.push(assistant)
	return nil
}

// LimitError returns the error another user turn would fail with, or nil.
func (s *ConversationState) LimitError() *TurnLimitExceededError {
	switch {
	case s.userTurns >= s.limits.MaxTurns:
		return s.limitError(LimitReasonTurns)
	case s.limits.MaxCumulativeTokens > 0 && s.cumulativeTokens >= s.limits.MaxCumulativeTokens:
		return s.limitError(LimitReasonTokens)
	default:
		return nil
	}
}

func (s *ConversationState) limitError(reason string) *TurnLimitExceededError {
	return &TurnLimitExceededError{
		Reason:              reason,
		TurnCount:           s.userTurns,
		MaxTurns:            s.limits.MaxTurns,
		CumulativeTokens:    s.cumulativeTokens,
		MaxCumulativeTokens: s.limits.MaxCumulativeTokens,
	}
}

func (s *ConversationState) checkRole(role Role) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("%w: got %q", ErrInvalidRole, role)
	}
	return nil
}

func (s *ConversationState) push(turn Turn) {
	turn = turn.clone()
	turn.TokenCount = max(turn.TokenCount, 0)
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	if turn.Role == RoleUser {
		s.userTurns++
	}
	s.cumulativeTokens += turn.TokenCount
	s.turns = append(s.turns, turn)
}

// Reset clears all turns and counters and rebinds the digest.
func (s *ConversationState) Reset(digest *dataset.Digest) {
	s.turns = nil
	s.userTurns = 0
	s.cumulativeTokens = 0
	s.digest = digest
}

// Usage returns the current counters.
func (s *ConversationState) Usage() ConversationUsage {
	return ConversationUsage{
		TurnCount:           s.userTurns,
		MaxTurns:            s.limits.MaxTurns,
		CumulativeTokens:    s.cumulativeTokens,
		MaxCumulativeTokens: s.limits.MaxCumulativeTokens,
		NearLimit:           s.nearLimit(),
	}
}

// nearLimit is true once a warning threshold is crossed or a limit is reached.
func (s *ConversationState) nearLimit() bool {
	if s.LimitReached() {
		return true
	}
	if s.limits.NearLimitTurns > 0 && s.userTurns >= s.limits.NearLimitTurns {
		return true
	}
	return s.limits.NearLimitTokens > 0 && s.cumulativeTokens >= s.limits.NearLimitTokens
}

// LimitReached reports whether another user turn would be rejected.
func (s *ConversationState) LimitReached() bool {
	return s.LimitError() != nil
}

// Turns returns a copy of the turns in chronological order.
func (s *ConversationState) Turns() []Turn {
	out := make([]Turn, len(s.turns))
	for i, t := range s.turns {
		out[i] = t.clone()
	}
	return out
}

// Len returns the number of stored turns of both roles.
func (s *ConversationState) Len() int { return len(s.turns) }

// Digest returns the dataset digest the conversation is bound to.
func (s *ConversationState) Digest() *dataset.Digest { return s.digest }

// MaxTurns returns the configured user turn limit.
func (s *ConversationState) MaxTurns() int { return s.limits.MaxTurns }

// Limits returns the configured limits.
func (s *ConversationState) Limits() ConversationLimits { return s.limits }
