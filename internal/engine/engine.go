// Package engine implements the conversation engine: given a bound
// conversation and a new user message it assembles the prompt (admin system
// prompt, rolling summary, trailing history window, retrieved passages),
// streams the model's reply, splits it into emotion-tagged segments, persists
// every segment, and triggers background summarisation once enough messages
// accumulate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thingenious/eva/internal/observe"
	"github.com/thingenious/eva/pkg/conversation"
	"github.com/thingenious/eva/pkg/provider/llm"
	"github.com/thingenious/eva/pkg/rag"
)

// SystemPromptSetting is the admin settings key holding the editable system
// prompt. It is seeded with [BaseSystemPrompt] the first time a turn runs.
const SystemPromptSetting = "prompt"

// summariseTimeout bounds one background summarisation pass.
const summariseTimeout = 60 * time.Second

// errStreamFailed marks a model stream that reported a failure after it was
// opened. The engine converts it into a terminal apology segment.
var errStreamFailed = errors.New("engine: model stream failed")

// Segment is one emission unit of an assistant turn. All segments of a turn
// share a ChunkID; exactly the last one carries IsFinal.
type Segment struct {
	ConversationID uuid.UUID
	Content        string
	Emotion        string
	ChunkID        uuid.UUID
	IsFinal        bool
	Sources        []string
}

// EmitFunc delivers one segment to the client. It is called after the segment
// has been persisted and may block (bounded outbound queues); a non-nil error
// aborts the turn.
type EmitFunc func(Segment) error

// Config carries the engine's tunables. Zero values select the documented
// defaults.
type Config struct {
	// MaxHistoryMessages bounds the trailing history window sent to the
	// model. Default 50.
	MaxHistoryMessages int

	// SummaryThreshold is the number of messages not yet covered by the
	// rolling summary that triggers background summarisation. Default 30.
	SummaryThreshold int

	// SummaryKeepTail is how many recent messages summarisation leaves
	// uncovered so the model keeps verbatim access to them. Default 10.
	SummaryKeepTail int

	// TopK is the number of passages requested from the retrieval index.
	// Default 3.
	TopK int

	// TurnTimeout is the wall-clock deadline for one assistant turn.
	// Default 60s.
	TurnTimeout time.Duration

	// Temperature and MaxTokens are forwarded to the model on each turn.
	Temperature float64
	MaxTokens   int

	// Provider labels provider metrics (e.g. "openai"). Default "llm".
	Provider string
}

func (c *Config) applyDefaults() {
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = 50
	}
	if c.SummaryThreshold <= 0 {
		c.SummaryThreshold = 30
	}
	if c.SummaryKeepTail <= 0 {
		c.SummaryKeepTail = 10
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 60 * time.Second
	}
	if c.Provider == "" {
		c.Provider = "llm"
	}
}

// Engine drives assistant turns for all conversations. It is safe for
// concurrent use; each conversation's session serialises its own turns, and
// summarisation is locked per conversation.
type Engine struct {
	store      conversation.Store
	index      rag.Index
	llm        llm.Provider
	summariser Summariser
	cfg        Config
	logger     *slog.Logger
	metrics    *observe.Metrics

	// summarising tracks conversations with an in-flight summarisation pass.
	mu          sync.Mutex
	summarising map[uuid.UUID]struct{}

	// wg tracks background summarisation goroutines so callers (and tests)
	// can synchronise with their completion.
	wg sync.WaitGroup

	// baseCtx parents every summarisation pass; stop cancels it when the
	// engine shuts down.
	baseCtx context.Context
	stop    context.CancelFunc
}

// Option is a functional option for configuring an Engine during construction.
type Option func(*Engine)

// WithLogger sets the structured logger. Default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithSummariser replaces the default LLM-backed summariser.
func WithSummariser(s Summariser) Option {
	return func(e *Engine) { e.summariser = s }
}

// WithMetrics sets the metrics instance. Default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine on the given store, retrieval index, and model
// provider. Options are applied after defaults.
func New(store conversation.Store, index rag.Index, provider llm.Provider, cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		store:       store,
		index:       index,
		llm:         provider,
		summariser:  NewLLMSummariser(provider),
		cfg:         cfg,
		logger:      slog.Default(),
		summarising: make(map[uuid.UUID]struct{}),
	}
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Wait blocks until all background summarisation goroutines have finished.
// Primarily useful in tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown cancels in-flight background summarisation and waits for the
// goroutines to finish, giving up when ctx expires first.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}

// ─── Turn execution ───────────────────────────────────────────────────────────

// Respond runs one assistant turn: it persists the user message, streams the
// model's reply, and persists then emits each emotion-tagged segment.
//
// Model failures do not surface as errors: the turn ends with a terminal
// concerned apology segment instead, as does expiry of the turn deadline.
// Retrieval failures degrade silently to an empty sources list. Cancellation
// by the caller ends the turn quietly; segments already persisted remain.
// Store and emit failures are returned wrapped, leaving the persisted prefix
// of the turn in place.
func (e *Engine) Respond(parent context.Context, convID uuid.UUID, userText string, emit EmitFunc) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, e.cfg.TurnTimeout)
	defer cancel()

	if _, err := e.store.AppendMessage(ctx, conversation.Message{
		ConversationID: convID,
		Role:           conversation.RoleUser,
		Content:        userText,
	}); err != nil {
		e.metrics.RecordTurn(ctx, "error")
		return fmt.Errorf("engine: append user message: %w", err)
	}

	passages, sources := e.retrieve(ctx, convID, userText)
	req, err := e.buildRequest(ctx, convID, passages)
	if err != nil {
		e.metrics.RecordTurn(ctx, "error")
		return err
	}

	w := &turnWriter{
		engine:  e,
		convID:  convID,
		chunkID: uuid.New(),
		sources: sources,
		emit:    emit,
	}

	llmStart := time.Now()
	err = e.stream(ctx, req, w)
	e.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds())

	switch {
	case err == nil:
		err = w.finish(ctx)
	case errors.Is(err, errStreamFailed):
		e.metrics.RecordProviderError(ctx, e.cfg.Provider, "llm")
		err = w.apologise(ctx)
	}

	switch {
	case err == nil:
		e.metrics.RecordTurn(ctx, "ok")
		e.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
		e.scheduleSummarise(convID)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		if parent.Err() != nil {
			// The caller cancelled; everything persisted so far stands.
			e.metrics.RecordTurn(context.WithoutCancel(ctx), "cancelled")
			return nil
		}
		// The turn deadline expired with the caller still listening. Close
		// the turn with a terminal apology so the client is not left hanging.
		dctx := context.WithoutCancel(ctx)
		e.logger.Warn("turn deadline expired", "conversation_id", convID)
		e.metrics.RecordTurn(dctx, "timeout")
		return w.apologise(dctx)
	default:
		e.metrics.RecordTurn(context.WithoutCancel(ctx), "error")
		return err
	}
}

// stream consumes the model's chunk channel, feeding text through the
// segmenter into w. It returns errStreamFailed for model failures (both those
// that prevent the stream from opening and those reported mid-stream), the
// context error on cancellation, and persistence errors from w verbatim.
func (e *Engine) stream(ctx context.Context, req llm.CompletionRequest, w *turnWriter) error {
	ch, err := e.llm.StreamCompletion(ctx, req)
	if err != nil {
		e.logger.Error("model stream failed to start", "error", err)
		return fmt.Errorf("%w: %v", errStreamFailed, err)
	}

	seg := newSegmenter(func(text, emotion string) error {
		return w.write(ctx, text, emotion)
	})

	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				return seg.Flush()
			}
			if chunk.FinishReason == llm.FinishError {
				e.logger.Error("model stream failed", "error", chunk.Text)
				go drainChunks(ch)
				return errStreamFailed
			}
			if chunk.Text != "" {
				if err := seg.Write(chunk.Text); err != nil {
					go drainChunks(ch)
					return err
				}
			}
			if chunk.FinishReason != "" {
				go drainChunks(ch)
				return seg.Flush()
			}
		}
	}
}

// drainChunks discards all remaining chunks from ch so the provider's stream
// goroutine never blocks after the engine stops reading.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}

// ─── Prompt assembly ──────────────────────────────────────────────────────────

// retrieve queries the retrieval index with the raw user text, returning the
// ranked passages and the contributing document ids in rank order
// (deduplicated). Errors degrade to no augmentation.
func (e *Engine) retrieve(ctx context.Context, convID uuid.UUID, userText string) ([]rag.Passage, []string) {
	if e.index == nil {
		return nil, []string{}
	}

	ragStart := time.Now()
	passages, err := e.index.Query(ctx, userText, e.cfg.TopK)
	e.metrics.RetrievalDuration.Record(ctx, time.Since(ragStart).Seconds())
	if err != nil {
		e.logger.Warn("retrieval failed, responding without augmentation",
			"conversation_id", convID, "error", err)
		return nil, []string{}
	}

	sources := make([]string, 0, len(passages))
	seen := make(map[string]struct{}, len(passages))
	for _, p := range passages {
		if _, ok := seen[p.DocumentID]; ok {
			continue
		}
		seen[p.DocumentID] = struct{}{}
		sources = append(sources, p.DocumentID)
	}
	return passages, sources
}

// buildRequest assembles the completion request for one turn: the admin
// system prompt (seeded on first use), the rolling summary, the retrieved
// passages, and the trailing history window ending in the new user message.
// The window starts after the summary's coverage point so every summarised
// message is represented exactly once, by the summary.
func (e *Engine) buildRequest(ctx context.Context, convID uuid.UUID, passages []rag.Passage) (llm.CompletionRequest, error) {
	parts := []string{e.systemPrompt(ctx)}

	var covered int64
	if sum, err := e.store.LatestSummary(ctx, convID); err == nil {
		covered = sum.CoveredUptoSeq
		if text := strings.TrimSpace(sum.Text); text != "" {
			parts = append(parts, summaryDelimiter+text)
		}
	}

	if len(passages) > 0 {
		texts := make([]string, len(passages))
		for i, p := range passages {
			texts[i] = p.Text
		}
		parts = append(parts, contextDelimiter+strings.Join(texts, "\n"))
	}

	window, err := e.store.MessagesSince(ctx, convID, covered)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("engine: load history window: %w", err)
	}
	if len(window) > e.cfg.MaxHistoryMessages {
		window = window[len(window)-e.cfg.MaxHistoryMessages:]
	}

	msgs := make([]llm.Message, 0, len(window))
	for _, m := range window {
		if m.Role == conversation.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}

	return llm.CompletionRequest{
		SystemPrompt: strings.Join(parts, "\n\n"),
		Messages:     msgs,
		Temperature:  e.cfg.Temperature,
		MaxTokens:    e.cfg.MaxTokens,
	}, nil
}

// systemPrompt returns the admin-configured system prompt, seeding the
// settings store with [BaseSystemPrompt] on first use. Store failures fall
// back to the base prompt so a turn never dies on prompt lookup.
func (e *Engine) systemPrompt(ctx context.Context) string {
	stored, err := e.store.Setting(ctx, SystemPromptSetting)
	switch {
	case err == nil && strings.TrimSpace(stored) != "":
		return stored
	case errors.Is(err, conversation.ErrNotFound), err == nil:
		if serr := e.store.SetSetting(ctx, SystemPromptSetting, BaseSystemPrompt); serr != nil {
			e.logger.Warn("failed to seed system prompt", "error", serr)
		}
	default:
		e.logger.Warn("failed to load system prompt, using default", "error", err)
	}
	return BaseSystemPrompt
}
