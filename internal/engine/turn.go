package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thingenious/eva/pkg/conversation"
)

// turnWriter persists and emits the segments of one assistant turn.
//
// A completed segment is held back until the next one arrives (or the stream
// ends) so that exactly one segment per turn carries IsFinal. Each segment is
// appended to the store before it is emitted, keeping the persisted transcript
// a prefix-exact record of what the client saw.
type turnWriter struct {
	engine  *Engine
	convID  uuid.UUID
	chunkID uuid.UUID
	sources []string
	emit    EmitFunc

	held  *Segment
	count int
}

// write queues one segment, delivering the previously held one as non-final.
func (w *turnWriter) write(ctx context.Context, text, emotion string) error {
	if w.held != nil {
		if err := w.deliver(ctx, *w.held, false); err != nil {
			return err
		}
	}
	w.held = &Segment{Content: text, Emotion: emotion}
	return nil
}

// finish ends the turn normally: the held segment goes out as final, or, if
// the stream produced no usable text at all, a fixed neutral fallback does.
func (w *turnWriter) finish(ctx context.Context) error {
	if w.held != nil {
		held := *w.held
		w.held = nil
		return w.deliver(ctx, held, true)
	}
	if w.count == 0 {
		return w.deliver(ctx, Segment{Content: fallbackReply, Emotion: EmotionNeutral}, true)
	}
	return nil
}

// apologise ends the turn after a model failure: any held segment goes out
// non-final, followed by a terminal concerned apology.
func (w *turnWriter) apologise(ctx context.Context) error {
	if w.held != nil {
		held := *w.held
		w.held = nil
		if err := w.deliver(ctx, held, false); err != nil {
			return err
		}
	}
	return w.deliver(ctx, Segment{Content: apologyReply, Emotion: EmotionConcerned}, true)
}

// deliver persists seg as an assistant message and then hands it to the emit
// callback. Persist-then-emit order is what keeps the stored transcript and
// the client's view consistent under cancellation.
func (w *turnWriter) deliver(ctx context.Context, seg Segment, final bool) error {
	seg.ConversationID = w.convID
	seg.ChunkID = w.chunkID
	seg.Sources = w.sources
	seg.IsFinal = final

	if _, err := w.engine.store.AppendMessage(ctx, conversation.Message{
		ConversationID: w.convID,
		Role:           conversation.RoleAssistant,
		Content:        seg.Content,
		Emotion:        seg.Emotion,
		Sources:        seg.Sources,
		ChunkID:        seg.ChunkID,
	}); err != nil {
		return fmt.Errorf("engine: append assistant segment: %w", err)
	}
	w.count++
	return w.emit(seg)
}

// ─── Background summarisation ─────────────────────────────────────────────────

// scheduleSummarise starts a background summarisation pass for convID unless
// one is already running. The pass itself decides whether the uncovered
// message count warrants a new summary.
func (e *Engine) scheduleSummarise(convID uuid.UUID) {
	e.mu.Lock()
	if _, busy := e.summarising[convID]; busy {
		e.mu.Unlock()
		return
	}
	e.summarising[convID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.summarising, convID)
			e.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(e.baseCtx, summariseTimeout)
		defer cancel()
		if err := e.summarise(ctx, convID); err != nil {
			e.logger.Warn("summarisation failed", "conversation_id", convID, "error", err)
		}
	}()
}

// summarise condenses the uncovered prefix of convID into the rolling summary,
// leaving the most recent SummaryKeepTail messages uncovered. It is a no-op
// while the uncovered count is at or below SummaryThreshold.
func (e *Engine) summarise(ctx context.Context, convID uuid.UUID) error {
	start := time.Now()

	var previous string
	var covered int64
	if sum, err := e.store.LatestSummary(ctx, convID); err == nil {
		previous = sum.Text
		covered = sum.CoveredUptoSeq
	} else if !errors.Is(err, conversation.ErrNotFound) {
		return fmt.Errorf("engine: load summary: %w", err)
	}

	uncovered, err := e.store.MessagesSince(ctx, convID, covered)
	if err != nil {
		return fmt.Errorf("engine: load uncovered messages: %w", err)
	}
	if len(uncovered) <= e.cfg.SummaryThreshold || len(uncovered) <= e.cfg.SummaryKeepTail {
		return nil
	}

	toCover := uncovered[:len(uncovered)-e.cfg.SummaryKeepTail]
	text, err := e.summariser.Summarise(ctx, previous, toCover)
	if err != nil {
		return err
	}

	newCovered := toCover[len(toCover)-1].Seq
	err = e.store.UpdateSummary(ctx, convID, text, newCovered)
	if errors.Is(err, conversation.ErrSummaryRegression) {
		// A concurrent pass advanced coverage further; its summary wins.
		e.logger.Debug("summary already advanced", "conversation_id", convID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: update summary: %w", err)
	}

	e.metrics.SummariseDuration.Record(ctx, time.Since(start).Seconds())
	e.logger.Info("conversation summarised",
		"conversation_id", convID,
		"covered_upto_seq", newCovered,
		"messages", len(toCover))
	return nil
}
