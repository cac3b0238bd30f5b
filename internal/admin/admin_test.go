package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/thingenious/eva/internal/engine"
	"github.com/thingenious/eva/pkg/conversation"
	convmock "github.com/thingenious/eva/pkg/conversation/mock"
	ragmock "github.com/thingenious/eva/pkg/rag/mock"
)

const testAdminKey = "admin-secret"

func newTestHandler(t *testing.T) (*httptest.Server, *convmock.Store, *ragmock.Index) {
	t.Helper()
	store := convmock.NewStore()
	index := ragmock.NewIndex()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(store, index, testAdminKey, WithLogger(logger))

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store, index
}

func doRequest(t *testing.T, method, url string, body io.Reader, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if _, set := headers["Authorization"]; !set {
		req.Header.Set("Authorization", "Bearer "+testAdminKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", data, err)
		}
	}
	return resp, decoded
}

func TestAdminAuth(t *testing.T) {
	srv, _, _ := newTestHandler(t)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + testAdminKey, http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid key", "Bearer " + testAdminKey, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := doRequest(t, "GET", srv.URL+"/admin/prompt", nil,
				map[string]string{"Authorization": tc.header})
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if tc.want == http.StatusUnauthorized && body["detail"] != "Unauthorized" {
				t.Errorf("detail = %v", body["detail"])
			}
		})
	}
}

func TestAdminPrompt(t *testing.T) {
	srv, store, _ := newTestHandler(t)

	t.Run("get unseeded returns empty", func(t *testing.T) {
		resp, body := doRequest(t, "GET", srv.URL+"/admin/prompt", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if body["prompt"] != "" {
			t.Errorf("prompt = %v, want empty", body["prompt"])
		}
	})

	t.Run("set then get", func(t *testing.T) {
		payload := strings.NewReader(`{"prompt": "You are a pirate."}`)
		resp, body := doRequest(t, "POST", srv.URL+"/admin/prompt", payload,
			map[string]string{"Content-Type": "application/json"})
		if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
			t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
		}

		stored, err := store.Setting(context.Background(), engine.SystemPromptSetting)
		if err != nil || stored != "You are a pirate." {
			t.Errorf("stored setting = %q, %v", stored, err)
		}

		_, body = doRequest(t, "GET", srv.URL+"/admin/prompt", nil, nil)
		if body["prompt"] != "You are a pirate." {
			t.Errorf("prompt = %v", body["prompt"])
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		resp, _ := doRequest(t, "POST", srv.URL+"/admin/prompt", strings.NewReader("not json"),
			map[string]string{"Content-Type": "application/json"})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func multipartBody(t *testing.T, field, filename string, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func TestAdminDocuments(t *testing.T) {
	srv, _, index := newTestHandler(t)

	t.Run("upload", func(t *testing.T) {
		body, ctype := multipartBody(t, "file", "guide.md", []byte("# Guide\n"))
		resp, decoded := doRequest(t, "POST", srv.URL+"/admin/documents", body,
			map[string]string{"Content-Type": ctype})
		if resp.StatusCode != http.StatusOK || decoded["status"] != "uploaded" {
			t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
		}
		if data, ok := index.Document("guide.md"); !ok || string(data) != "# Guide\n" {
			t.Errorf("document not ingested: %q, %v", data, ok)
		}
	})

	t.Run("upload without file field", func(t *testing.T) {
		body, ctype := multipartBody(t, "attachment", "guide.md", []byte("x"))
		resp, decoded := doRequest(t, "POST", srv.URL+"/admin/documents", body,
			map[string]string{"Content-Type": ctype})
		if resp.StatusCode != http.StatusBadRequest || decoded["detail"] != "No file provided" {
			t.Errorf("status = %d, body = %v", resp.StatusCode, decoded)
		}
	})

	t.Run("upload unsupported format", func(t *testing.T) {
		body, ctype := multipartBody(t, "file", "slides.pptx", []byte("binary"))
		resp, _ := doRequest(t, "POST", srv.URL+"/admin/documents", body,
			map[string]string{"Content-Type": ctype})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("list", func(t *testing.T) {
		resp, decoded := doRequest(t, "GET", srv.URL+"/admin/documents", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		docs, ok := decoded["documents"].([]any)
		if !ok || len(docs) != 1 {
			t.Fatalf("documents = %v", decoded["documents"])
		}
		doc := docs[0].(map[string]any)
		if doc["id"] != "guide.md" {
			t.Errorf("document id = %v", doc["id"])
		}
	})

	t.Run("delete", func(t *testing.T) {
		resp, decoded := doRequest(t, "DELETE", srv.URL+"/admin/documents/guide.md", nil, nil)
		if resp.StatusCode != http.StatusOK || decoded["status"] != "deleted" {
			t.Errorf("status = %d, body = %v", resp.StatusCode, decoded)
		}
	})

	t.Run("delete missing", func(t *testing.T) {
		resp, decoded := doRequest(t, "DELETE", srv.URL+"/admin/documents/ghost.md", nil, nil)
		if resp.StatusCode != http.StatusNotFound || decoded["detail"] != "File not found" {
			t.Errorf("status = %d, body = %v", resp.StatusCode, decoded)
		}
	})
}

func TestAdminReload(t *testing.T) {
	srv, _, index := newTestHandler(t)
	index.ReloadResult.Ingested = 2
	index.ReloadResult.Unchanged = 3

	resp, decoded := doRequest(t, "POST", srv.URL+"/admin/reload", nil, nil)
	if resp.StatusCode != http.StatusOK || decoded["status"] != "reloaded" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}
	if decoded["ingested"] != float64(2) || decoded["unchanged"] != float64(3) {
		t.Errorf("counts = %v", decoded)
	}
}

func TestAdminListConversations(t *testing.T) {
	srv, store, _ := newTestHandler(t)
	for range 3 {
		if _, err := store.Create(context.Background()); err != nil {
			t.Fatalf("seed conversation: %v", err)
		}
	}

	t.Run("defaults", func(t *testing.T) {
		resp, decoded := doRequest(t, "GET", srv.URL+"/admin/conversations", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if decoded["total"] != float64(3) || decoded["limit"] != float64(100) || decoded["offset"] != float64(0) {
			t.Errorf("pagination = %v", decoded)
		}
		convs, _ := decoded["conversations"].([]any)
		if len(convs) != 3 {
			t.Errorf("conversations = %v", decoded["conversations"])
		}
	})

	t.Run("paged", func(t *testing.T) {
		resp, decoded := doRequest(t, "GET", srv.URL+"/admin/conversations?limit=2&offset=1", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		convs, _ := decoded["conversations"].([]any)
		if len(convs) != 2 || decoded["total"] != float64(3) {
			t.Errorf("page = %v", decoded)
		}
	})

	t.Run("invalid pagination", func(t *testing.T) {
		for _, q := range []string{"?limit=0", "?offset=-1", "?limit=abc"} {
			resp, _ := doRequest(t, "GET", srv.URL+"/admin/conversations"+q, nil, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("%s: status = %d, want 400", q, resp.StatusCode)
			}
		}
	})
}

func TestAdminDownloadConversation(t *testing.T) {
	srv, store, _ := newTestHandler(t)
	conv, err := store.Create(context.Background())
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	chunkID := uuid.New()
	msgs := []conversation.Message{
		{ConversationID: conv.ID, Role: conversation.RoleUser, Content: "hi"},
		{ConversationID: conv.ID, Role: conversation.RoleAssistant, Content: "Hello!",
			Emotion: "happy", Sources: []string{"guide.md"}, ChunkID: chunkID},
	}
	for _, m := range msgs {
		if _, err := store.AppendMessage(context.Background(), m); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	t.Run("found", func(t *testing.T) {
		resp, decoded := doRequest(t, "GET", srv.URL+"/admin/conversations/"+conv.ID.String()+"/download", nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if decoded["conversation_id"] != conv.ID.String() {
			t.Errorf("conversation_id = %v", decoded["conversation_id"])
		}
		out, _ := decoded["messages"].([]any)
		if len(out) != 2 {
			t.Fatalf("messages = %v", decoded["messages"])
		}
		second := out[1].(map[string]any)
		if second["role"] != "assistant" || second["emotion"] != "happy" || second["chunk_id"] != chunkID.String() {
			t.Errorf("assistant message = %v", second)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		resp, decoded := doRequest(t, "GET", srv.URL+"/admin/conversations/"+uuid.NewString()+"/download", nil, nil)
		if resp.StatusCode != http.StatusNotFound || decoded["detail"] != "Conversation not found" {
			t.Errorf("status = %d, body = %v", resp.StatusCode, decoded)
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		resp, _ := doRequest(t, "GET", srv.URL+"/admin/conversations/not-a-uuid/download", nil, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestAdminDeleteConversation(t *testing.T) {
	srv, store, _ := newTestHandler(t)
	conv, err := store.Create(context.Background())
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	resp, decoded := doRequest(t, "DELETE", srv.URL+"/admin/conversations/"+conv.ID.String(), nil, nil)
	if resp.StatusCode != http.StatusOK || decoded["status"] != "deleted" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, decoded)
	}
	if _, err := store.Get(context.Background(), conv.ID); err == nil {
		t.Error("conversation still in store after delete")
	}

	resp, _ = doRequest(t, "DELETE", srv.URL+"/admin/conversations/"+conv.ID.String(), nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}
