// Package api exposes the agent over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ZanzyTHEbar/eda-chat/edachat/dataset"
	"github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness"
	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// SessionService is the part of the agent the handlers drive.
type SessionService interface {
	CreateSession(ctx context.Context, table *dataset.Table) (harness.SessionInfo, error)
	Session(sessionID string) (harness.SessionInfo, error)
	ResetSession(ctx context.Context, sessionID string, table *dataset.Table) (harness.SessionInfo, error)
	CloseSession(sessionID string) error
	SubmitTurn(ctx context.Context, sessionID, utterance string) (*harness.AgentResponse, error)
	Overview(ctx context.Context, sessionID string) (*harness.AgentResponse, error)
	Transcript(ctx context.Context, sessionID string, k int) ([]ports.TranscriptTurn, error)
}

var _ SessionService = (*harness.Agent)(nil)

// Handler provides the session and turn endpoints.
type Handler struct {
	agent  SessionService
	logger zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(agent SessionService, logger zerolog.Logger) *Handler {
	return &Handler{
		agent:  agent,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// NewRouter builds the router with global middleware and all routes.
func NewRouter(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(RequestLogger(h.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	h.RegisterRoutes(r)
	return r
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorBody is the payload of a failed agent call.
type errorBody struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	Recoverable bool     `json:"recoverable"`
	Field       string   `json:"field,omitempty"`
	Available   []string `json:"available_columns,omitempty"`
}

// writeAgentError maps an agent error to a status code and a user-safe body.
func (h *Handler) writeAgentError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	body := errorBody{
		Error:       harness.UserMessage(err),
		Code:        code,
		Recoverable: harness.IsRecoverable(err),
	}

	var argErr *harness.InvalidToolArgumentError
	if errors.As(err, &argErr) {
		body.Field = argErr.Field
		body.Available = argErr.Available
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	JSON(w, status, body)
}

func classify(err error) (int, string) {
	var (
		limitErr  *harness.TurnLimitExceededError
		argErr    *harness.InvalidToolArgumentError
		budgetErr *harness.BudgetExceededError
		gwErr     *harness.GatewayError
	)

	switch {
	case errors.Is(err, harness.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.As(err, &limitErr):
		return http.StatusTooManyRequests, "turn_limit_exceeded"
	case errors.As(err, &argErr):
		return http.StatusUnprocessableEntity, "invalid_tool_argument"
	case errors.Is(err, harness.ErrUtteranceTooLong):
		return http.StatusUnprocessableEntity, "utterance_too_long"
	case errors.As(err, &budgetErr):
		return http.StatusInternalServerError, "budget_exceeded"
	case errors.As(err, &gwErr):
		switch gwErr.Kind {
		case ports.GatewayRateLimited:
			return http.StatusTooManyRequests, string(gwErr.Kind)
		case ports.GatewayTimeout:
			return http.StatusGatewayTimeout, string(gwErr.Kind)
		default:
			return http.StatusBadGateway, string(gwErr.Kind)
		}
	case errors.Is(err, dataset.ErrMissingHeader),
		errors.Is(err, dataset.ErrDuplicateColumn),
		errors.Is(err, dataset.ErrRaggedRow):
		return http.StatusBadRequest, "invalid_dataset"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// RequestLogger logs one line per request with zerolog.
func RequestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				logger.Info().
					Str("request_id", chiMiddleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("Request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
