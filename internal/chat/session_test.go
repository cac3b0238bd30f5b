package chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/thingenious/eva/internal/engine"
	convmock "github.com/thingenious/eva/pkg/conversation/mock"
)

const testAPIKey = "test-key"

// responderFunc adapts a closure to the Responder interface so each test can
// script its own turn behaviour.
type responderFunc func(ctx context.Context, convID uuid.UUID, content string, emit engine.EmitFunc) error

func (f responderFunc) Respond(ctx context.Context, convID uuid.UUID, content string, emit engine.EmitFunc) error {
	return f(ctx, convID, content, emit)
}

func noopResponder() responderFunc {
	return func(ctx context.Context, convID uuid.UUID, content string, emit engine.EmitFunc) error {
		return nil
	}
}

func newTestChat(t *testing.T, responder Responder, cfg Config) (*httptest.Server, *convmock.Store, *Manager) {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = testAPIKey
	}
	store := convmock.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(responder, store, cfg, WithLogger(logger))

	mux := http.NewServeMux()
	m.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		srv.Close()
	})
	return srv, store, m
}

func dialChat(t *testing.T, ctx context.Context, srv *httptest.Server, query string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	c, _, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func writeFrame(t *testing.T, ctx context.Context, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

// startConversation performs the bind handshake and returns the new id.
func startConversation(t *testing.T, ctx context.Context, c *websocket.Conn) uuid.UUID {
	t.Helper()
	writeFrame(t, ctx, c, map[string]any{"type": "start_conversation"})
	f := readFrame(t, ctx, c)
	if f["type"] != "conversation_started" {
		t.Fatalf("expected conversation_started, got %v", f)
	}
	id, err := uuid.Parse(f["conversation_id"].(string))
	if err != nil {
		t.Fatalf("conversation_id not a uuid: %v", err)
	}
	return id
}

func TestSessionRejectsInvalidToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, _, _ := newTestChat(t, noopResponder(), Config{})

	c := dialChat(t, ctx, srv, "?token=wrong", nil)

	// The upgrade succeeds; the rejection arrives as a 1008 close frame.
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected close, got a frame")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want 1008", status)
	}
}

func TestSessionAuthTransports(t *testing.T) {
	srv, _, _ := newTestChat(t, noopResponder(), Config{})

	t.Run("bearer header", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h := http.Header{}
		h.Set("Authorization", "Bearer "+testAPIKey)
		c := dialChat(t, ctx, srv, "", &websocket.DialOptions{HTTPHeader: h})
		startConversation(t, ctx, c)
	})

	t.Run("subprotocol", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c := dialChat(t, ctx, srv, "", &websocket.DialOptions{
			Subprotocols: []string{"chat", "token:" + testAPIKey},
		})
		if got := c.Subprotocol(); got != "chat" {
			t.Errorf("negotiated subprotocol = %q, want chat", got)
		}
		startConversation(t, ctx, c)
	})

	t.Run("query parameter", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)
		startConversation(t, ctx, c)
	})

	t.Run("cookie", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h := http.Header{}
		h.Set("Cookie", "token="+testAPIKey)
		c := dialChat(t, ctx, srv, "", &websocket.DialOptions{HTTPHeader: h})
		startConversation(t, ctx, c)
	})
}

func TestSessionStartConversation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, store, _ := newTestChat(t, noopResponder(), Config{})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)

	id := startConversation(t, ctx, c)
	if _, err := store.Get(context.Background(), id); err != nil {
		t.Errorf("conversation %s not in store: %v", id, err)
	}
}

func TestSessionResumeConversation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, store, _ := newTestChat(t, noopResponder(), Config{})

	conv, err := store.Create(context.Background())
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)
	writeFrame(t, ctx, c, map[string]any{
		"type":            "start_conversation",
		"conversation_id": conv.ID.String(),
	})
	f := readFrame(t, ctx, c)
	if f["type"] != "conversation_started" || f["conversation_id"] != conv.ID.String() {
		t.Errorf("expected resume confirmation for %s, got %v", conv.ID, f)
	}
}

func TestSessionUnknownConversation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, _, _ := newTestChat(t, noopResponder(), Config{})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)

	writeFrame(t, ctx, c, map[string]any{
		"type":            "start_conversation",
		"conversation_id": uuid.NewString(),
	})
	f := readFrame(t, ctx, c)
	if f["type"] != "error" {
		t.Fatalf("expected error frame, got %v", f)
	}
	meta, _ := f["metadata"].(map[string]any)
	if meta["error_code"] != CodeConversationNotFound {
		t.Errorf("error_code = %v, want CONVERSATION_NOT_FOUND", meta["error_code"])
	}

	// The session survives and can still bind a fresh conversation.
	startConversation(t, ctx, c)
}

func TestSessionUserMessageRequiresConversation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, _, _ := newTestChat(t, noopResponder(), Config{})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)

	writeFrame(t, ctx, c, map[string]any{"type": "user_message", "content": "hello"})
	f := readFrame(t, ctx, c)
	if f["type"] != "error" {
		t.Fatalf("expected error frame, got %v", f)
	}
	if f["content"] != "No active conversation. Please start a conversation first." {
		t.Errorf("content = %q", f["content"])
	}
	meta, _ := f["metadata"].(map[string]any)
	if meta["error_code"] != CodeNoActiveConversation {
		t.Errorf("error_code = %v, want NO_ACTIVE_CONVERSATION", meta["error_code"])
	}
}

func TestSessionStreamsSegments(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chunkID := uuid.New()
	responder := responderFunc(func(ctx context.Context, convID uuid.UUID, content string, emit engine.EmitFunc) error {
		segs := []engine.Segment{
			{ConversationID: convID, Content: "Hi there.", Emotion: engine.EmotionHappy, ChunkID: chunkID, Sources: []string{"guide.md"}},
			{ConversationID: convID, Content: "All done.", Emotion: engine.EmotionNeutral, ChunkID: chunkID, IsFinal: true, Sources: []string{"guide.md"}},
		}
		for _, seg := range segs {
			if err := emit(seg); err != nil {
				return err
			}
		}
		return nil
	})

	srv, _, _ := newTestChat(t, responder, Config{})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)
	convID := startConversation(t, ctx, c)

	writeFrame(t, ctx, c, map[string]any{"type": "user_message", "content": "hi"})

	first := readFrame(t, ctx, c)
	if first["type"] != "message" || first["content"] != "Hi there." || first["emotion"] != "happy" {
		t.Fatalf("unexpected first frame: %v", first)
	}
	if first["is_final"] != false {
		t.Errorf("first frame is_final = %v, want false", first["is_final"])
	}
	meta, _ := first["metadata"].(map[string]any)
	if meta["conversation_id"] != convID.String() {
		t.Errorf("metadata.conversation_id = %v, want %s", meta["conversation_id"], convID)
	}
	srcs, _ := meta["sources"].([]any)
	if len(srcs) != 1 || srcs[0] != "guide.md" {
		t.Errorf("metadata.sources = %v", meta["sources"])
	}

	second := readFrame(t, ctx, c)
	if second["content"] != "All done." || second["is_final"] != true {
		t.Fatalf("unexpected second frame: %v", second)
	}
	if second["chunk_id"] != first["chunk_id"] {
		t.Errorf("chunk ids differ across one turn: %v vs %v", first["chunk_id"], second["chunk_id"])
	}
}

func TestSessionOversizedMessage(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, _, _ := newTestChat(t, noopResponder(), Config{MaxMessageBytes: 256})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)

	writeFrame(t, ctx, c, map[string]any{
		"type":    "user_message",
		"content": strings.Repeat("x", 1024),
	})

	f := readFrame(t, ctx, c)
	if f["type"] != "error" {
		t.Fatalf("expected error frame, got %v", f)
	}
	meta, _ := f["metadata"].(map[string]any)
	if meta["error_code"] != CodeMessageTooLong {
		t.Errorf("error_code = %v, want MESSAGE_TOO_LONG", meta["error_code"])
	}

	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected close after oversized frame")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusMessageTooBig {
		t.Errorf("close status = %v, want 1009", status)
	}
}

func TestSessionMalformedJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, _, _ := newTestChat(t, noopResponder(), Config{})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)

	if err := c.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readFrame(t, ctx, c)
	if f["type"] != "error" {
		t.Fatalf("expected error frame, got %v", f)
	}
	if _, present := f["metadata"]; present {
		t.Errorf("format complaint should carry no error code: %v", f)
	}

	// Session is still usable.
	startConversation(t, ctx, c)
}

func TestSessionUnknownType(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, _, _ := newTestChat(t, noopResponder(), Config{})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)

	writeFrame(t, ctx, c, map[string]any{"type": "bogus"})
	f := readFrame(t, ctx, c)
	if f["type"] != "error" {
		t.Fatalf("expected error frame, got %v", f)
	}
	if !strings.Contains(f["content"].(string), "bogus") {
		t.Errorf("content = %q, want mention of the unknown type", f["content"])
	}
}

func TestSessionNewMessageCancelsInFlightTurn(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	firstStarted := make(chan struct{})
	firstCancelled := make(chan struct{})
	var calls atomic.Int32
	responder := responderFunc(func(ctx context.Context, convID uuid.UUID, content string, emit engine.EmitFunc) error {
		if calls.Add(1) == 1 {
			close(firstStarted)
			<-ctx.Done()
			close(firstCancelled)
			return nil
		}
		return emit(engine.Segment{
			ConversationID: convID,
			Content:        "Second answer.",
			Emotion:        engine.EmotionNeutral,
			ChunkID:        uuid.New(),
			IsFinal:        true,
		})
	})

	srv, _, _ := newTestChat(t, responder, Config{})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)
	startConversation(t, ctx, c)

	writeFrame(t, ctx, c, map[string]any{"type": "user_message", "content": "first"})
	select {
	case <-firstStarted:
	case <-ctx.Done():
		t.Fatal("first turn never started")
	}

	writeFrame(t, ctx, c, map[string]any{"type": "user_message", "content": "second"})

	select {
	case <-firstCancelled:
	case <-ctx.Done():
		t.Fatal("first turn was not cancelled")
	}

	f := readFrame(t, ctx, c)
	if f["type"] != "message" || f["content"] != "Second answer." {
		t.Fatalf("expected the second turn's frame, got %v", f)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("responder calls = %d, want 2", got)
	}
}

func TestManagerShutdownClosesSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, _, m := newTestChat(t, noopResponder(), Config{})
	c := dialChat(t, ctx, srv, "?token="+testAPIKey, nil)
	startConversation(t, ctx, c)

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := m.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected close after shutdown")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want 1001", status)
	}

	// New upgrades are refused once shutdown has begun.
	resp, err := http.Get(srv.URL + "/ws?token=" + testAPIKey)
	if err != nil {
		t.Fatalf("probe request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("post-shutdown status = %d, want 503", resp.StatusCode)
	}
}
