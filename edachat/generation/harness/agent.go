package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/eda-chat/edachat/dataset"
	ports "github.com/ZanzyTHEbar/eda-chat/edachat/generation/harness/ports"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	rateLimitKey      = "gateway"
	overviewUtterance = "Analyze this dataset summary and provide insights."
	overviewArtifact  = "overview"
)

// AgentOptions holds the per-conversation limits.
type AgentOptions struct {
	MaxTurns            int
	MaxCumulativeTokens int // 0 disables the token cap
	NearLimitTurns      int
	NearLimitTokens     int
	Digest              dataset.Options
	CacheTTLSeconds     int
}

func (o AgentOptions) limits() ConversationLimits {
	return ConversationLimits{
		MaxTurns:            o.MaxTurns,
		MaxCumulativeTokens: o.MaxCumulativeTokens,
		NearLimitTurns:      o.NearLimitTurns,
		NearLimitTokens:     o.NearLimitTokens,
	}
}

// Dependencies are the collaborators an Agent drives. Nil ports fall back to no-ops.
type Dependencies struct {
	Classifier   *Classifier
	Assembler    *ContextAssembler
	Orchestrator *ToolOrchestrator
	Cache        ports.Cache
	Limiter      ports.RateLimiter
	Tracer       ports.Tracer
	Store        ports.TranscriptStore
	Logger       zerolog.Logger
}

// Agent owns the live sessions and runs turns against them.
type Agent struct {
	opts         AgentOptions
	classifier   *Classifier
	assembler    *ContextAssembler
	orchestrator *ToolOrchestrator
	cache        ports.Cache
	limiter      ports.RateLimiter
	tracer       ports.Tracer
	store        ports.TranscriptStore
	logger       zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewAgent creates an agent. Orchestrator is required.
func NewAgent(opts AgentOptions, deps Dependencies) *Agent {
	if deps.Classifier == nil {
		deps.Classifier = NewClassifier()
	}
	if deps.Assembler == nil {
		deps.Assembler = NewContextAssembler(Budget{MaxContextTokens: 6000}, nil, nil)
	}
	if deps.Cache == nil {
		deps.Cache = &noOpCache{}
	}
	if deps.Limiter == nil {
		deps.Limiter = &noOpRateLimiter{}
	}
	if deps.Tracer == nil {
		deps.Tracer = &noOpTracer{}
	}
	if deps.Store == nil {
		deps.Store = &noOpStore{}
	}
	return &Agent{
		opts:         opts,
		classifier:   deps.Classifier,
		assembler:    deps.Assembler,
		orchestrator: deps.Orchestrator,
		cache:        deps.Cache,
		limiter:      deps.Limiter,
		tracer:       deps.Tracer,
		store:        deps.Store,
		logger:       deps.Logger.With().Str("component", "agent").Logger(),
		sessions:     make(map[string]*Session),
	}
}

// CreateSession profiles table and opens a conversation over it.
func (a *Agent) CreateSession(ctx context.Context, table *dataset.Table) (SessionInfo, error) {
	digest, err := a.digest(ctx, table)
	if err != nil {
		return SessionInfo{}, err
	}

	sess := newSession(uuid.NewString(), NewConversationStateWithLimits(digest, a.opts.limits()))

	a.mu.Lock()
	a.sessions[sess.id] = sess
	a.mu.Unlock()

	a.logger.Info().
		Str("session", sess.id).
		Int("rows", digest.RowCount).
		Int("columns", digest.ColumnCount).
		Msg("Session created")

	return sess.info(true), nil
}

// Session returns a snapshot of a session.
func (a *Agent) Session(sessionID string) (SessionInfo, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}
	return sess.info(true), nil
}

// Usage returns a session's counters.
func (a *Agent) Usage(sessionID string) (ConversationUsage, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return ConversationUsage{}, err
	}
	return sess.info(false).Usage, nil
}

// ResetSession clears the conversation and binds it to a new dataset. It waits
// for an in-flight turn to finish.
func (a *Agent) ResetSession(ctx context.Context, sessionID string, table *dataset.Table) (SessionInfo, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return SessionInfo{}, err
	}

	digest, err := a.digest(ctx, table)
	if err != nil {
		return SessionInfo{}, err
	}

	if err := sess.acquire(ctx); err != nil {
		return SessionInfo{}, err
	}
	defer sess.release()

	sess.mu.Lock()
	sess.state.Reset(digest)
	sess.mu.Unlock()

	a.logger.Info().Str("session", sessionID).Msg("Session reset")
	return sess.info(true), nil
}

// CloseSession forgets a session.
func (a *Agent) CloseSession(sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	delete(a.sessions, sessionID)
	return nil
}

// SessionIDs lists the open sessions.
func (a *Agent) SessionIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	return ids
}

// SubmitTurn runs one user utterance through classification, context assembly,
// the gateway and validation, then records the exchange. Every error is a
// *TurnError; on error the conversation is unchanged.
func (a *Agent) SubmitTurn(ctx context.Context, sessionID, utterance string) (*AgentResponse, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return nil, &TurnError{SessionID: sessionID, Err: err}
	}

	if err := sess.acquire(ctx); err != nil {
		return nil, &TurnError{SessionID: sessionID, Err: ports.ClassifyTransportError(err)}
	}
	defer sess.release()

	ctx, finish := a.tracer.StartSpan(ctx, "submit_turn", map[string]any{"session": sessionID})

	resp, turnIndex, err := a.runTurn(ctx, sess, utterance)
	finish(err)
	if err != nil {
		a.logger.Warn().Err(err).Str("session", sessionID).Int("turn", turnIndex).Msg("Turn failed")
		return nil, &TurnError{SessionID: sessionID, TurnIndex: turnIndex, Err: err}
	}

	a.logger.Info().
		Str("session", sessionID).
		Int("turn", turnIndex).
		Str("capability", string(resp.Capability)).
		Int("tokens", resp.Usage.TotalTokens).
		Msg("Turn completed")

	return resp, nil
}

func (a *Agent) runTurn(ctx context.Context, sess *Session, utterance string) (*AgentResponse, int, error) {
	sess.mu.RLock()
	usage := sess.state.Usage()
	turnIndex := usage.TurnCount + 1
	if limitErr := sess.state.LimitError(); limitErr != nil {
		sess.mu.RUnlock()
		return nil, turnIndex, limitErr
	}
	decision := a.classifier.Classify(utterance, sess.state)
	payload, err := a.assembler.Build(sess.state, decision)
	sess.mu.RUnlock()

	a.tracer.Event(ctx, "classified", map[string]any{
		"capability": string(decision.Capability),
		"force_tool": decision.ForceTool,
	})
	if err != nil {
		return nil, turnIndex, err
	}
	if payload.DroppedTurns > 0 {
		a.tracer.Event(ctx, "history_evicted", map[string]any{"dropped_turns": payload.DroppedTurns})
	}

	resp, err := a.invoke(ctx, payload, decision)
	if err != nil {
		return nil, turnIndex, err
	}
	resp.TurnIndex = turnIndex

	now := time.Now()
	user := Turn{Role: RoleUser, Content: utterance, TokenCount: resp.Usage.PromptTokens, CreatedAt: now}
	assistant := Turn{
		Role:           RoleAssistant,
		CreatedAt:      now,
		Content:        renderAssistant(resp),
		ToolInvocation: resp.ToolInvocation,
		TokenCount:     resp.Usage.CompletionTokens,
	}

	sess.mu.Lock()
	err = sess.state.AppendExchange(user, assistant)
	sess.mu.Unlock()
	if err != nil {
		return nil, turnIndex, err
	}

	a.archive(ctx, sess.id, turnIndex, decision, user, assistant)
	return resp, turnIndex, nil
}

// invoke takes a rate limit token and calls the orchestrator.
func (a *Agent) invoke(ctx context.Context, payload ContextPayload, decision CapabilityDecision) (*AgentResponse, error) {
	release, err := a.limiter.Acquire(ctx, rateLimitKey)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ports.ClassifyTransportError(err)
		}
		return nil, &GatewayError{Kind: ports.GatewayRateLimited, Err: err}
	}
	defer release()

	return a.orchestrator.Invoke(ctx, payload, decision)
}

// Overview asks for a forced chart summary of the dataset alone. The
// conversation is neither read nor changed; the result is archived as an artifact.
func (a *Agent) Overview(ctx context.Context, sessionID string) (*AgentResponse, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return nil, &TurnError{SessionID: sessionID, Err: err}
	}

	if err := sess.acquire(ctx); err != nil {
		return nil, &TurnError{SessionID: sessionID, Err: ports.ClassifyTransportError(err)}
	}
	defer sess.release()

	sess.mu.RLock()
	scratch := NewConversationState(sess.state.Digest(), 1)
	sess.mu.RUnlock()

	decision := CapabilityDecision{Capability: CapabilityVisualization, ForceTool: true, Utterance: overviewUtterance}
	payload, err := a.assembler.Build(scratch, decision)
	if err != nil {
		return nil, &TurnError{SessionID: sessionID, Err: err}
	}

	resp, err := a.invoke(ctx, payload, decision)
	if err != nil {
		return nil, &TurnError{SessionID: sessionID, Err: err}
	}

	if data, err := json.Marshal(resp); err == nil {
		if err := a.store.AppendToolArtifact(ctx, sessionID, overviewArtifact, data); err != nil {
			a.logger.Warn().Err(err).Str("session", sessionID).Msg("Failed to archive overview")
		}
	}

	return resp, nil
}

// Transcript returns the last k archived turns of a session.
func (a *Agent) Transcript(ctx context.Context, sessionID string, k int) ([]ports.TranscriptTurn, error) {
	if _, err := a.session(sessionID); err != nil {
		return nil, err
	}
	turns, err := a.store.LoadTranscript(ctx, sessionID, k)
	if err != nil {
		return nil, fmt.Errorf("failed to load transcript: %w", err)
	}
	return turns, nil
}

func (a *Agent) archive(ctx context.Context, sessionID string, turnIndex int, decision CapabilityDecision, turns ...Turn) {
	for _, t := range turns {
		entry := ports.TranscriptTurn{
			TurnIndex:  turnIndex,
			Role:       string(t.Role),
			Content:    t.Content,
			Capability: string(decision.Capability),
			Tokens:     t.TokenCount,
			CreatedAt:  t.CreatedAt,
		}
		if t.ToolInvocation != nil {
			entry.ToolName = t.ToolInvocation.CapabilityName
			entry.ToolArgs = t.ToolInvocation.Arguments
		}
		if err := a.store.SaveTurn(ctx, sessionID, entry); err != nil {
			// Log but don't fail
			a.logger.Warn().Err(err).Str("session", sessionID).Int("turn", turnIndex).Msg("Failed to archive turn")
			return
		}
	}
}

func (a *Agent) session(sessionID string) (*Session, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	sess, ok := a.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return sess, nil
}

// digest computes the digest of table, memoized by content fingerprint.
func (a *Agent) digest(ctx context.Context, table *dataset.Table) (*dataset.Digest, error) {
	if table == nil || len(table.Columns) == 0 {
		return nil, dataset.ErrMissingHeader
	}

	key := fmt.Sprintf("digest:%s:%d:%d:%d", dataset.Fingerprint(table),
		a.opts.Digest.SampleRows, a.opts.Digest.TopCategories, a.opts.Digest.GroupingCardinality)

	if cached, ok := a.cache.Get(ctx, key); ok {
		var digest dataset.Digest
		if err := json.Unmarshal(cached, &digest); err == nil {
			a.tracer.Event(ctx, "cache_hit", map[string]any{"key": key})
			return &digest, nil
		}
		_ = a.cache.Delete(ctx, key)
	}

	digest := dataset.Compute(table, a.opts.Digest)
	data, err := digest.JSON()
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to encode digest for cache")
		return digest, nil
	}
	if err := a.cache.Set(ctx, key, data, a.opts.CacheTTLSeconds); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to cache digest")
	}
	return digest, nil
}

// renderAssistant is the history form of a response: the narrative plus any
// code, so follow-up questions can refer to it.
func renderAssistant(resp *AgentResponse) string {
	var sb strings.Builder
	sb.WriteString(resp.Text)
	if resp.NextSteps != "" {
		sb.WriteString("\n\nNext steps: ")
		sb.WriteString(resp.NextSteps)
	}
	if resp.Code != "" {
		sb.WriteString("\n\n```python\n")
		sb.WriteString(resp.Code)
		sb.WriteString("\n```")
	}
	return sb.String()
}

// IsRecoverable reports whether the session can continue after err without a reset.
func IsRecoverable(err error) bool {
	var (
		argErr    *InvalidToolArgumentError
		gwErr     *GatewayError
		budgetErr *BudgetExceededError
		limitErr  *TurnLimitExceededError
	)
	switch {
	case errors.As(err, &argErr), errors.Is(err, ErrUtteranceTooLong):
		return true
	case errors.As(err, &gwErr):
		return gwErr.Retryable()
	case errors.As(err, &budgetErr), errors.As(err, &limitErr):
		return false
	default:
		return false
	}
}
