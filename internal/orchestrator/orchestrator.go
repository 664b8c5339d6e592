// Package orchestrator runs chat turns: it classifies and routes a message,
// assembles its context, streams the model's answer to a Sink and persists
// the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/nexus/internal/assembler"
	"github.com/normanking/nexus/internal/config"
	"github.com/normanking/nexus/internal/data"
	"github.com/normanking/nexus/internal/llm"
	"github.com/normanking/nexus/internal/logging"
	"github.com/normanking/nexus/internal/memory"
	"github.com/normanking/nexus/internal/messaging"
	"github.com/normanking/nexus/internal/metrics"
	"github.com/normanking/nexus/internal/router"
)

var (
	// ErrTurnInProgress is returned when the session already has a turn in flight.
	ErrTurnInProgress = errors.New("turn in progress")
	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("message cannot be empty")
	// ErrInferenceUnavailable means the engine failed before producing a token.
	ErrInferenceUnavailable = errors.New("inference engine unavailable")
	// ErrInferenceInterrupted means the stream failed after producing tokens.
	ErrInferenceInterrupted = errors.New("inference interrupted")
	// ErrCancelled means the consumer went away mid-turn.
	ErrCancelled = errors.New("turn cancelled")
)

// WarningHistoryUnavailable marks a turn that ran without prior messages
// because they could not be read.
const WarningHistoryUnavailable = "history_unavailable"

// State is a turn's position in its lifecycle.
type State string

const (
	StateReceived         State = "received"
	StateClassified       State = "classified"
	StateRouted           State = "routed"
	StateContextAssembled State = "context_assembled"
	StateGenerating       State = "generating"
	StateFinalized        State = "finalized"
	StateMemoryPending    State = "memory_pending"
	StateFailed           State = "failed"
)

// Store is the relational persistence a turn needs.
type Store interface {
	CreateSession(ctx context.Context, session *data.Session) error
	GetSession(ctx context.Context, id string) (*data.Session, error)
	SetSessionTitle(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, msg *data.Message) error
	GetRecentMessages(ctx context.Context, sessionID string, n int) ([]*data.Message, error)
	SaveTurn(ctx context.Context, turn *data.TurnRecord) error
	LogModelOverride(ctx context.Context, o *data.ModelOverride) error
	RecentModelOverrides(ctx context.Context, taskType string, limit int) ([]*data.ModelOverride, error)
	OverriddenTaskTypes(ctx context.Context) ([]string, error)
}

// ContextAssembler builds a turn's retrieval context.
type ContextAssembler interface {
	Assemble(ctx context.Context, req assembler.Request) *assembler.Assembly
}

// MemoryQueue accepts finished exchanges for background extraction.
type MemoryQueue interface {
	Enqueue(ex memory.Exchange) bool
}

// Publisher receives a summary of every finished turn.
type Publisher interface {
	PublishTurn(ctx context.Context, s messaging.TurnSummary) (string, error)
}

// Options tunes the orchestrator.
type Options struct {
	HistoryMessages int
	HistoryReserve  float64
	ResponseReserve int
	Temperature     float64
	MaxTokens       int

	// SaveTimeout bounds persistence that runs after the request context
	// may already be gone.
	SaveTimeout time.Duration
}

// OptionsFromConfig maps process configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		HistoryMessages: cfg.History.MaxMessages,
		HistoryReserve:  cfg.Routing.HistoryReserve,
		ResponseReserve: cfg.Routing.ResponseReserve,
		Temperature:     cfg.LLM.Temperature,
		MaxTokens:       cfg.LLM.MaxTokens,
	}
}

// Deps are the collaborators of an Orchestrator. Memory and Publisher may be nil.
type Deps struct {
	Store      Store
	Classifier *router.Classifier
	Router     *router.ModelRouter
	Assembler  ContextAssembler
	Provider   llm.Provider
	Memory     MemoryQueue
	Publisher  Publisher
}

// TurnRequest is one user message to process.
type TurnRequest struct {
	SessionID     string
	Message       string
	ModelOverride string
	SystemPrompt  string

	IncludeDocuments bool
	IncludeMemory    bool
}

// TurnResult describes a finished turn.
type TurnResult struct {
	SessionID          string
	TurnID             string
	UserMessageID      string
	AssistantMessageID string
	State              State
	Content            string
	Incomplete         bool
	Decision           router.Decision
	Classification     router.Classification
	Assembly           *assembler.Assembly
}

// Orchestrator runs turns. It is safe for concurrent use; turns on
// different sessions run fully in parallel.
type Orchestrator struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.HistoryMessages <= 0 {
		opts.HistoryMessages = 20
	}
	if opts.ResponseReserve < 0 {
		opts.ResponseReserve = 0
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	return &Orchestrator{
		deps:     deps,
		opts:     opts,
		log:      logging.Component("orchestrator"),
		inFlight: make(map[string]struct{}),
	}
}

// acquire marks sessionID busy. It reports false when a turn is already running.
func (o *Orchestrator) acquire(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[sessionID]; busy {
		return false
	}
	o.inFlight[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.inFlight, sessionID)
	o.mu.Unlock()
}

// InFlight reports whether sessionID has a turn running.
func (o *Orchestrator) InFlight(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, busy := o.inFlight[sessionID]
	return busy
}

// LoadPreferences restores learned model preferences from the override log.
func (o *Orchestrator) LoadPreferences(ctx context.Context) error {
	tasks, err := o.deps.Store.OverriddenTaskTypes(ctx)
	if err != nil {
		return fmt.Errorf("list overridden tasks: %w", err)
	}
	for _, t := range tasks {
		if err := o.relearn(ctx, router.ParseTaskCategory(t)); err != nil {
			return err
		}
	}
	return nil
}

// Run processes one turn, sending its events to sink. Validation errors
// (ErrEmptyMessage, ErrSessionNotFound, ErrTurnInProgress) are returned
// before any event is sent. Inference failures are reported to sink as an
// error event and also returned.
func (o *Orchestrator) Run(ctx context.Context, req TurnRequest, sink Sink) (*TurnResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}

	session, err := o.resolveSession(ctx, req.SessionID, message)
	if err != nil {
		return nil, err
	}
	if !o.acquire(session.ID) {
		metrics.TurnsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrTurnInProgress
	}
	defer o.release(session.ID)

	metrics.ActiveTurns.Inc()
	defer metrics.ActiveTurns.Dec()

	t := &turn{
		o:       o,
		req:     req,
		message: message,
		session: session,
		sink:    sink,
		start:   time.Now(),
		log:     o.log.With().Str("session_id", session.ID).Logger(),
	}
	return t.run(ctx)
}

// resolveSession loads the session, or creates one titled after the message.
func (o *Orchestrator) resolveSession(ctx context.Context, id, message string) (*data.Session, error) {
	if id == "" {
		s := &data.Session{Title: SessionTitle(message)}
		if err := o.deps.Store.CreateSession(ctx, s); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return s, nil
	}

	s, err := o.deps.Store.GetSession(ctx, id)
	if err != nil {
		if data.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return s, nil
}

// relearn recomputes the preferred model for task from the override log.
func (o *Orchestrator) relearn(ctx context.Context, task router.TaskCategory) error {
	rows, err := o.deps.Store.RecentModelOverrides(ctx, string(task), 10)
	if err != nil {
		return fmt.Errorf("load overrides for %s: %w", task, err)
	}
	recent := make([]router.OverrideRecord, len(rows))
	for i, r := range rows {
		recent[i] = router.OverrideRecord{
			TaskType:      task,
			AutoModel:     r.AutoModel,
			OverrideModel: r.OverrideModel,
			CreatedAt:     r.CreatedAt,
		}
	}
	if model, ok := o.deps.Router.LearnPreference(task, recent); ok {
		o.log.Debug().Str("task", string(task)).Str("model", model).Msg("learned model preference")
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// TURN
// ═══════════════════════════════════════════════════════════════════════════════

type turn struct {
	o       *Orchestrator
	req     TurnRequest
	message string
	session *data.Session
	sink    Sink
	start   time.Time
	log     zerolog.Logger

	record  data.TurnRecord
	result  TurnResult
	content strings.Builder
	tokens  int
}

func (t *turn) setState(s State) {
	t.record.State = string(s)
	t.result.State = s
}

func (t *turn) run(ctx context.Context) (*TurnResult, error) {
	o := t.o
	store := o.deps.Store

	userMsg := &data.Message{SessionID: t.session.ID, Role: data.RoleUser, Content: t.message}
	if err := store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	if t.req.SessionID != "" && t.session.MessageCount == 0 {
		if err := store.SetSessionTitle(ctx, t.session.ID, SessionTitle(t.message)); err != nil {
			t.log.Warn().Err(err).Msg("failed to title session")
		}
	}

	// The user message is already stored; a history read failure only
	// costs the turn its prior context.
	history, err := t.loadHistory(ctx, userMsg.ID)
	historyLost := err != nil
	if historyLost {
		t.log.Warn().Err(err).Msg("failed to load history; continuing without it")
	}

	t.record = data.TurnRecord{
		ID:            uuid.NewString(),
		SessionID:     t.session.ID,
		UserMessageID: userMsg.ID,
		StartedAt:     t.start,
	}
	t.result = TurnResult{SessionID: t.session.ID, TurnID: t.record.ID, UserMessageID: userMsg.ID}
	t.setState(StateReceived)

	// Classify.
	hasDocs := t.req.IncludeDocuments && len(t.session.DocumentIDs) > 0
	cls := o.deps.Classifier.Classify(t.message, classifierHistory(history), hasDocs)
	t.result.Classification = cls
	t.setState(StateClassified)

	// Route.
	estimate := promptOverhead(t.req.SystemPrompt) + llm.EstimateTokens(t.message) +
		historyTokens(history) + o.opts.ResponseReserve
	decision := o.deps.Router.RouteMessage(cls.Category, t.message, estimate)
	if t.req.ModelOverride != "" && t.req.ModelOverride != decision.Profile.Model {
		decision = o.deps.Router.WithOverride(decision, t.req.ModelOverride, estimate)
		t.logOverride(ctx, decision)
	}
	t.result.Decision = decision
	t.record.TaskType = string(decision.Task)
	t.record.Model = decision.Profile.Model
	t.record.Tier = string(decision.Profile.Tier)
	t.record.RoutingReason = decision.Reason
	t.setState(StateRouted)

	// Assemble context.
	window := decision.Profile.ContextWindow
	budget := assembler.Budget(window, o.opts.HistoryReserve, o.opts.ResponseReserve) -
		promptOverhead(t.req.SystemPrompt) - llm.EstimateTokens(t.message)
	assembly := o.deps.Assembler.Assemble(ctx, assembler.Request{
		SessionID:     t.session.ID,
		Message:       t.message,
		Task:          decision.Task,
		TokenBudget:   max(budget, 0),
		DocumentIDs:   t.session.DocumentIDs,
		SkipDocuments: !t.req.IncludeDocuments,
		SkipMemory:    !t.req.IncludeMemory,
	})
	t.result.Assembly = assembly
	t.record.ChunkIDs = assembly.ChunkIDs()
	t.record.DocumentIDs = assembly.DocumentIDs()
	t.record.MemoryIDs = assembly.MemoryIDs()
	if historyLost {
		assembly.Warnings = append(assembly.Warnings, WarningHistoryUnavailable)
	}
	t.record.Warnings = assembly.Warnings
	t.setState(StateContextAssembled)

	chatReq := &llm.ChatRequest{
		Model:         decision.Profile.Model,
		SystemPrompt:  buildSystemPrompt(t.req.SystemPrompt, assembly.MemoryContext, assembly.DocumentContext),
		Messages:      append(historyWindow(history, assembler.HistoryBudget(window, o.opts.HistoryReserve)), llm.Message{Role: "user", Content: t.message}),
		MaxTokens:     o.opts.MaxTokens,
		Temperature:   o.opts.Temperature,
		ContextWindow: window,
	}

	if err := t.send(t.metadata(decision, assembly)); err != nil {
		return t.cancelled(ctx, err)
	}

	t.setState(StateGenerating)
	return t.generate(ctx, chatReq)
}

// loadHistory returns the prior messages of the session, oldest first,
// excluding the just-appended message currentID.
func (t *turn) loadHistory(ctx context.Context, currentID string) ([]*data.Message, error) {
	msgs, err := t.o.deps.Store.GetRecentMessages(ctx, t.session.ID, t.o.opts.HistoryMessages+1)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if n := len(msgs); n > 0 && msgs[n-1].ID == currentID {
		return msgs[:n-1], nil
	}
	if len(msgs) > t.o.opts.HistoryMessages {
		msgs = msgs[len(msgs)-t.o.opts.HistoryMessages:]
	}
	return msgs, nil
}

func (t *turn) metadata(d router.Decision, a *assembler.Assembly) Event {
	var titles []string
	seen := map[string]bool{}
	for _, c := range a.Chunks {
		if !seen[c.DocumentTitle] {
			seen[c.DocumentTitle] = true
			titles = append(titles, c.DocumentTitle)
		}
	}
	return Event{
		Type:             EventMetadata,
		SessionID:        t.session.ID,
		TurnID:           t.record.ID,
		Model:            d.Profile.Model,
		Tier:             string(d.Profile.Tier),
		TaskType:         string(d.Task),
		RoutingReason:    d.Reason,
		ChunkIDs:         a.ChunkIDs(),
		DocumentIDs:      a.DocumentIDs(),
		DocumentsUsed:    titles,
		MemoryIDs:        a.MemoryIDs(),
		Warnings:         a.Warnings,
		ContextTruncated: d.ContextTruncated,
	}
}

// generate streams the answer. Each token is forwarded before the next one
// is pulled, so content events arrive in generation order.
func (t *turn) generate(ctx context.Context, chatReq *llm.ChatRequest) (*TurnResult, error) {
	stream, err := t.o.deps.Provider.Generate(ctx, chatReq)
	if err != nil {
		if ctx.Err() != nil {
			return t.cancelled(ctx, ctx.Err())
		}
		return t.unavailable(ctx, err)
	}

	closed := false
	closeStream := func() {
		if !closed {
			closed = true
			if err := stream.Close(); err != nil {
				t.log.Debug().Err(err).Msg("token stream close")
			}
		}
	}
	defer closeStream()

	for {
		tok, err := stream.Next()
		if errors.Is(err, io.EOF) {
			if ur, ok := stream.(llm.UsageReporter); ok {
				u := ur.Usage()
				t.record.PromptTokens = u.PromptTokens
				t.record.CompletionTokens = u.CompletionTokens
			}
			closeStream()
			return t.finalize(ctx)
		}
		if err != nil {
			closeStream()
			switch {
			case ctx.Err() != nil:
				return t.cancelled(ctx, ctx.Err())
			case t.tokens == 0:
				return t.unavailable(ctx, err)
			default:
				return t.interrupted(ctx, err)
			}
		}
		if tok == "" {
			continue
		}

		if t.tokens == 0 {
			metrics.FirstTokenLatency.Observe(time.Since(t.start).Seconds())
		}
		t.tokens++
		t.content.WriteString(tok)
		metrics.TokensStreamed.Inc()

		if err := t.send(Event{Type: EventContent, Content: tok}); err != nil {
			closeStream()
			return t.cancelled(ctx, err)
		}
	}
}

func (t *turn) send(e Event) error {
	if t.sink == nil {
		return nil
	}
	return t.sink.Send(e)
}

// finalize persists the answer, reports done and hands the exchange to
// memory extraction.
func (t *turn) finalize(ctx context.Context) (*TurnResult, error) {
	saveCtx, cancel := logging.DetachContextWithTimeout(ctx, t.o.opts.SaveTimeout)
	defer cancel()

	content := t.content.String()
	msg := &data.Message{
		SessionID: t.session.ID,
		Role:      data.RoleAssistant,
		Content:   content,
		Model:     t.record.Model,
		TaskType:  t.record.TaskType,
	}
	if err := t.o.deps.Store.AppendMessage(saveCtx, msg); err != nil {
		t.log.Error().Err(err).Msg("failed to persist assistant message")
		t.record.Error = err.Error()
		t.setState(StateFailed)
		t.finish(saveCtx, "failed")
		_ = t.send(Event{Type: EventError, Error: "failed to save the response"})
		return &t.result, fmt.Errorf("persist assistant message: %w", err)
	}

	t.record.AssistantMessageID = msg.ID
	t.result.AssistantMessageID = msg.ID
	t.result.Content = content
	t.setState(StateFinalized)

	// The client may already be gone; the turn is complete either way.
	if err := t.send(Event{Type: EventDone, SessionID: t.session.ID, TurnID: t.record.ID, MessageID: msg.ID, FullResponse: content}); err != nil {
		t.log.Debug().Err(err).Msg("done event not delivered")
	}

	if t.o.deps.Memory != nil && t.o.deps.Memory.Enqueue(memory.Exchange{
		SessionID:        t.session.ID,
		UserMessageID:    t.record.UserMessageID,
		UserMessage:      t.message,
		AssistantMessage: content,
	}) {
		t.setState(StateMemoryPending)
	}

	t.finish(saveCtx, "finalized")
	return &t.result, nil
}

// unavailable handles an engine failure before any token: the user message
// stays, no assistant message is written.
func (t *turn) unavailable(ctx context.Context, cause error) (*TurnResult, error) {
	saveCtx, cancel := logging.DetachContextWithTimeout(ctx, t.o.opts.SaveTimeout)
	defer cancel()

	t.log.Warn().Err(cause).Str("model", t.record.Model).Msg("inference unavailable")
	t.savePlaceholder(saveCtx)
	t.record.Error = cause.Error()
	t.setState(StateFailed)
	_ = t.send(Event{Type: EventError, Code: CodeInferenceUnavailable, Error: "The model could not be reached: " + cause.Error()})
	t.finish(saveCtx, "failed")
	return &t.result, fmt.Errorf("%w: %w", ErrInferenceUnavailable, cause)
}

// interrupted keeps what was streamed before the engine failed.
func (t *turn) interrupted(ctx context.Context, cause error) (*TurnResult, error) {
	saveCtx, cancel := logging.DetachContextWithTimeout(ctx, t.o.opts.SaveTimeout)
	defer cancel()

	t.log.Warn().Err(cause).Int("tokens", t.tokens).Msg("inference interrupted")
	t.savePartial(saveCtx)
	t.record.Error = cause.Error()
	t.setState(StateFailed)
	_ = t.send(Event{Type: EventError, Code: CodeInferenceInterrupted, Error: "The response was interrupted: " + cause.Error()})
	t.finish(saveCtx, "interrupted")
	return &t.result, fmt.Errorf("%w: %w", ErrInferenceInterrupted, cause)
}

// cancelled handles a consumer that went away. Nothing more is sent.
func (t *turn) cancelled(ctx context.Context, cause error) (*TurnResult, error) {
	saveCtx, cancel := logging.DetachContextWithTimeout(ctx, t.o.opts.SaveTimeout)
	defer cancel()

	t.log.Info().Err(cause).Int("tokens", t.tokens).Msg("turn cancelled by client")
	t.savePartial(saveCtx)
	t.record.Error = "cancelled: " + cause.Error()
	t.setState(StateFailed)
	t.finish(saveCtx, "cancelled")
	return &t.result, fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// savePartial persists streamed content tagged incomplete.
func (t *turn) savePartial(ctx context.Context) {
	if t.tokens == 0 {
		return
	}
	msg := &data.Message{
		SessionID:  t.session.ID,
		Role:       data.RoleAssistant,
		Content:    t.content.String(),
		Model:      t.record.Model,
		TaskType:   t.record.TaskType,
		Incomplete: true,
	}
	if err := t.o.deps.Store.AppendMessage(ctx, msg); err != nil {
		t.log.Error().Err(err).Msg("failed to persist partial response")
		return
	}
	t.record.AssistantMessageID = msg.ID
	t.result.AssistantMessageID = msg.ID
	t.result.Content = msg.Content
	t.result.Incomplete = true
}

// savePlaceholder stands in for a reply that never started, so the session
// shows the failed exchange.
func (t *turn) savePlaceholder(ctx context.Context) {
	msg := &data.Message{
		SessionID:  t.session.ID,
		Role:       data.RoleAssistant,
		Content:    UnavailablePlaceholder,
		Model:      t.record.Model,
		TaskType:   t.record.TaskType,
		Incomplete: true,
	}
	if err := t.o.deps.Store.AppendMessage(ctx, msg); err != nil {
		t.log.Error().Err(err).Msg("failed to persist error placeholder")
		return
	}
	t.record.AssistantMessageID = msg.ID
	t.result.AssistantMessageID = msg.ID
	t.result.Incomplete = true
}

// finish records the turn and publishes its summary.
func (t *turn) finish(ctx context.Context, status string) {
	now := time.Now()
	t.record.FinishedAt = &now
	t.record.TokensStreamed = t.tokens

	metrics.TurnsTotal.WithLabelValues(status).Inc()
	metrics.TurnDuration.Observe(now.Sub(t.start).Seconds())

	if err := t.o.deps.Store.SaveTurn(ctx, &t.record); err != nil {
		t.log.Error().Err(err).Msg("failed to save turn record")
	}

	t.log.Info().
		Str("turn_id", t.record.ID).
		Str("status", status).
		Str("task", t.record.TaskType).
		Str("model", t.record.Model).
		Int("tokens", t.tokens).
		Int("prompt_tokens", t.record.PromptTokens).
		Int("completion_tokens", t.record.CompletionTokens).
		Dur("duration", now.Sub(t.start)).
		Msg("turn finished")

	if t.o.deps.Publisher == nil {
		return
	}
	if _, err := t.o.deps.Publisher.PublishTurn(ctx, messaging.TurnSummary{
		TurnID:         t.record.ID,
		SessionID:      t.record.SessionID,
		State:          t.record.State,
		TaskType:       t.record.TaskType,
		Model:          t.record.Model,
		Tier:           t.record.Tier,
		RoutingReason:  t.record.RoutingReason,
		ChunkIDs:       t.record.ChunkIDs,
		MemoryIDs:      t.record.MemoryIDs,
		Warnings:       t.record.Warnings,
		Error:          t.record.Error,
		TokensStreamed: t.tokens,
		DurationMs:     now.Sub(t.start).Milliseconds(),
		FinishedAt:     now,
	}); err != nil {
		t.log.Warn().Err(err).Msg("failed to publish turn summary")
	}
}

// logOverride records an explicit model choice and re-learns the task's
// preference from it.
func (t *turn) logOverride(ctx context.Context, d router.Decision) {
	store := t.o.deps.Store
	if err := store.LogModelOverride(ctx, &data.ModelOverride{
		TaskType:      string(d.Task),
		AutoModel:     d.AutoModel,
		OverrideModel: d.Profile.Model,
	}); err != nil {
		t.log.Warn().Err(err).Msg("failed to log model override")
		return
	}
	if err := t.o.relearn(ctx, d.Task); err != nil {
		t.log.Warn().Err(err).Msg("failed to relearn model preference")
	}
}
