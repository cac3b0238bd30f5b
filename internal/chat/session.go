package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/thingenious/eva/internal/engine"
	"github.com/thingenious/eva/pkg/conversation"
)

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// outbound is one unit of work for the write loop: an optional frame to
// write, then an optional close. A non-zero status closes the connection
// after the write, guaranteeing queued frames are flushed first.
type outbound struct {
	data   []byte
	status websocket.StatusCode
	reason string
}

// session is one authenticated WebSocket connection. It binds at most one
// conversation at a time and serialises turns: a new user_message (or a
// rebind) cancels the in-flight turn before starting the next.
//
// The read loop is the only goroutine that mutates the bound conversation;
// the write loop is the only goroutine that writes to the connection. Turns
// run in their own goroutine so the read loop stays responsive to
// cancellation and disconnects.
type session struct {
	id   uuid.UUID
	conn *websocket.Conn
	mgr  *Manager

	ctx        context.Context
	cancel     context.CancelFunc
	out        chan outbound
	writerDone chan struct{}
	closeOnce  sync.Once

	mu         sync.Mutex
	convID     uuid.UUID
	turnCancel context.CancelFunc
	turnWG     sync.WaitGroup
}

func newSession(parent context.Context, conn *websocket.Conn, mgr *Manager) *session {
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:         uuid.New(),
		conn:       conn,
		mgr:        mgr,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan outbound, mgr.cfg.OutboundQueueSize),
		writerDone: make(chan struct{}),
	}
}

// run drives the session until the connection dies or the server shuts down.
// It returns only after the in-flight turn (if any) has stopped and the write
// loop has exited.
func (s *session) run() {
	go s.writeLoop()
	s.readLoop()

	s.cancelTurn()
	s.sendClose(websocket.StatusNormalClosure, "")
	<-s.writerDone
	s.close(websocket.StatusNormalClosure, "")
}

// close shuts the connection with the given status exactly once and cancels
// the session context. Safe to call from any goroutine.
func (s *session) close(status websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(status, reason)
		s.cancel()
	})
}

// ─── Write path ───────────────────────────────────────────────────────────────

func (s *session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ob := <-s.out:
			if len(ob.data) > 0 {
				wctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
				err := s.conn.Write(wctx, websocket.MessageText, ob.data)
				cancel()
				if err != nil {
					// Transport errors are terminal for the session.
					s.close(websocket.StatusInternalError, "write failed")
					return
				}
			}
			if ob.status != 0 {
				s.close(ob.status, ob.reason)
				return
			}
		}
	}
}

// send marshals v and queues it for the write loop, blocking when the
// outbound queue is full (backpressure) until the session ends.
func (s *session) send(v any, frameType string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("chat: marshal %s frame: %w", frameType, err)
	}
	select {
	case s.out <- outbound{data: data}:
		s.mgr.metrics.RecordFrame(s.ctx, frameType)
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *session) sendError(content, code string) {
	if err := s.send(newErrorFrame(content, code), typeError); err != nil {
		s.mgr.logger.Debug("failed to send error frame", "session_id", s.id, "error", err)
	}
}

// sendClose queues a close directive so frames already queued still flush
// first. When the queue is saturated it closes directly.
func (s *session) sendClose(status websocket.StatusCode, reason string) {
	select {
	case s.out <- outbound{status: status, reason: reason}:
	default:
		s.close(status, reason)
	}
}

// ─── Read path ────────────────────────────────────────────────────────────────

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			switch {
			case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
				s.mgr.logger.Debug("client closed session", "session_id", s.id)
			case s.ctx.Err() != nil:
				s.mgr.logger.Debug("session context ended", "session_id", s.id)
			default:
				s.mgr.logger.Debug("session read failed", "session_id", s.id, "error", err)
			}
			return
		}

		if int64(len(data)) > s.mgr.cfg.MaxMessageBytes {
			s.sendError(
				fmt.Sprintf("Message exceeds the maximum size of %d bytes", s.mgr.cfg.MaxMessageBytes),
				CodeMessageTooLong,
			)
			s.sendClose(websocket.StatusMessageTooBig, "frame too large")
			return
		}

		var f inboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.sendError("Invalid message format: expected a JSON object", "")
			continue
		}

		switch f.Type {
		case typeStartConversation:
			s.handleStart(f)
		case typeUserMessage:
			s.handleUserMessage(f)
		default:
			s.sendError(fmt.Sprintf("Unknown message type %q", f.Type), "")
		}
	}
}

// handleStart binds the session to a conversation: a fresh one, or an
// existing one when the client supplies its id. Rebinding cancels the
// in-flight turn; a failed lookup leaves the current binding untouched.
func (s *session) handleStart(f inboundFrame) {
	var conv conversation.Conversation
	var err error

	if f.ConversationID != "" {
		id, perr := uuid.Parse(f.ConversationID)
		if perr != nil {
			s.sendError(fmt.Sprintf("Conversation %q not found", f.ConversationID), CodeConversationNotFound)
			return
		}
		conv, err = s.mgr.store.Get(s.ctx, id)
		if errors.Is(err, conversation.ErrNotFound) {
			s.sendError(fmt.Sprintf("Conversation %q not found", f.ConversationID), CodeConversationNotFound)
			return
		}
	} else {
		conv, err = s.mgr.store.Create(s.ctx)
	}
	if err != nil {
		s.mgr.logger.Error("conversation bind failed", "session_id", s.id, "error", err)
		s.sendError("Internal server error", CodeInternalError)
		return
	}

	s.cancelTurn()
	s.mu.Lock()
	s.convID = conv.ID
	s.mu.Unlock()

	s.mgr.logger.Info("conversation bound", "session_id", s.id, "conversation_id", conv.ID)
	if err := s.send(newStartedFrame(conv.ID), typeConversationStarted); err != nil {
		s.mgr.logger.Debug("failed to confirm conversation", "session_id", s.id, "error", err)
	}
}

// handleUserMessage starts a new assistant turn, cancelling any turn still in
// flight.
func (s *session) handleUserMessage(f inboundFrame) {
	s.mu.Lock()
	convID := s.convID
	s.mu.Unlock()

	if convID == uuid.Nil {
		s.sendError(noConversationText, CodeNoActiveConversation)
		return
	}

	s.cancelTurn()
	s.startTurn(convID, f.Content)
}

// startTurn launches one engine turn in its own goroutine.
func (s *session) startTurn(convID uuid.UUID, content string) {
	tctx, cancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()

	s.turnWG.Add(1)
	go func() {
		defer s.turnWG.Done()
		defer cancel()

		err := s.mgr.responder.Respond(tctx, convID, content, func(seg engine.Segment) error {
			return s.send(newMessageFrame(seg, time.Now()), typeMessage)
		})
		switch {
		case err == nil, tctx.Err() != nil:
		case errors.Is(err, conversation.ErrNotFound):
			s.sendError("Conversation not found", CodeConversationNotFound)
		default:
			s.mgr.logger.Error("turn failed", "session_id", s.id, "conversation_id", convID, "error", err)
			s.sendError("Internal server error", CodeInternalError)
		}
	}()
}

// cancelTurn stops the in-flight turn, if any, and waits for its goroutine to
// finish so frames from consecutive turns never interleave.
func (s *session) cancelTurn() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.turnCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.turnWG.Wait()
}
