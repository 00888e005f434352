package harness

import (
	"errors"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
)

var (
	// ErrSessionNotFound is returned for unknown or closed session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrUtteranceTooLong means the system prompt plus the pending utterance
	// already exceed the context budget. The user can retry with a shorter message.
	ErrUtteranceTooLong = errors.New("utterance does not fit in the context budget")
	// ErrInvalidRole is returned when appending a turn with an unknown role.
	ErrInvalidRole = errors.New("turn role must be user or assistant")
)

// GatewayError is the error type of every model gateway failure.
type GatewayError = ports.GatewayError

// Reasons a conversation stops accepting turns.
const (
	LimitReasonTurns  = "turns"
	LimitReasonTokens = "tokens"
)

// TurnLimitExceededError is returned when a conversation already holds its
// maximum number of user turns or cumulative tokens. Prior state is left untouched.
type TurnLimitExceededError struct {
	Reason              string // LimitReasonTurns or LimitReasonTokens; empty means turns
	TurnCount           int
	MaxTurns            int
	CumulativeTokens    int
	MaxCumulativeTokens int
}

func (e *TurnLimitExceededError) Error() string {
	if e.Reason == LimitReasonTokens {
		return fmt.Sprintf("conversation limit reached: %d of %d tokens used", e.CumulativeTokens, e.MaxCumulativeTokens)
	}
	return fmt.Sprintf("conversation limit reached: %d of %d user turns used", e.TurnCount, e.MaxTurns)
}

// BudgetExceededError is a configuration error: the system prompt with the
// dataset digest does not fit in the context budget on its own.
type BudgetExceededError struct {
	SystemTokens int
	Budget       int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("system prompt needs %d tokens but the context budget is %d", e.SystemTokens, e.Budget)
}

// InvalidToolArgumentError reports a tool call the orchestrator refused.
type InvalidToolArgumentError struct {
	Field     string   // argument path, e.g. "chart_1.x"
	Value     string   // offending value, if any
	Reason    string   // "column not found", schema violation text, ...
	Available []string // valid column names when the reason is a column lookup
}

func (e *InvalidToolArgumentError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("invalid tool argument %s=%q: %s", e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid tool argument %s: %s", e.Field, e.Reason)
}

const reasonColumnNotFound = "column not found"

// IsColumnNotFound reports whether the argument named a column the dataset lacks.
func (e *InvalidToolArgumentError) IsColumnNotFound() bool {
	return e.Reason == reasonColumnNotFound
}

// TurnError ties any SubmitTurn failure to the session and turn it happened on.
type TurnError struct {
	SessionID string
	TurnIndex int // 1-based index of the user turn that failed
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("session %s turn %d: %v", e.SessionID, e.TurnIndex, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// UserMessage renders err as text safe to show an end user. It never includes
// prompt or payload contents.
func UserMessage(err error) string {
	var (
		limitErr  *TurnLimitExceededError
		argErr    *InvalidToolArgumentError
		gwErr     *GatewayError
		budgetErr *BudgetExceededError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &limitErr):
		if limitErr.Reason == LimitReasonTokens {
			return fmt.Sprintf("Conversation limit reached (%d tokens). Reset the session to start over.", limitErr.MaxCumulativeTokens)
		}
		return fmt.Sprintf("Conversation limit reached (%d questions). Reset the session to start over.", limitErr.MaxTurns)
	case errors.As(err, &argErr):
		if argErr.IsColumnNotFound() {
			return fmt.Sprintf("Column not found: %q. Available columns: %s.", argErr.Value, strings.Join(argErr.Available, ", "))
		}
		return "The model returned a chart request that could not be used. Please rephrase your question."
	case errors.Is(err, ErrUtteranceTooLong):
		return "Your message is too long for the conversation context. Please shorten it."
	case errors.Is(err, ErrSessionNotFound):
		return "Session not found. Upload a dataset to start a new session."
	case errors.As(err, &budgetErr):
		return "The dataset summary is too large for the configured context budget."
	case errors.As(err, &gwErr):
		switch gwErr.Kind {
		case ports.GatewayRateLimited:
			return "Rate limit reached: too many requests. Please wait a moment and try again."
		case ports.GatewayTimeout:
			return "The AI service took too long to respond. Please try again."
		case ports.GatewayAuthError:
			return "Authentication failed. Please check the API key configuration."
		case ports.GatewayInvalidRequest:
			return "Invalid request. Please try rephrasing your question."
		default:
			return "The AI service is temporarily unavailable. Please try again later."
		}
	default:
		return "An unexpected error occurred. Please try again."
	}
}
