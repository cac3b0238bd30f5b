// Package admin exposes the operator HTTP surface: system prompt editing,
// document management with index reload, and conversation browsing. All
// routes sit under /admin and require the admin bearer token.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thingenious/eva/internal/engine"
	"github.com/thingenious/eva/pkg/conversation"
	"github.com/thingenious/eva/pkg/rag"
)

// maxUploadBytes caps one document upload.
const maxUploadBytes = 32 << 20

// Handler serves the /admin routes.
type Handler struct {
	store  conversation.Store
	index  rag.Index
	apiKey string
	logger *slog.Logger
}

// Option configures a Handler during construction.
type Option func(*Handler)

// WithLogger sets the structured logger. Default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// New builds the admin handler. apiKey is the admin bearer token; an empty
// key rejects every request.
func New(store conversation.Store, index rag.Index, apiKey string, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		index:  index,
		apiKey: apiKey,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register adds the /admin routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/prompt", h.auth(h.getPrompt))
	mux.HandleFunc("POST /admin/prompt", h.auth(h.setPrompt))
	mux.HandleFunc("GET /admin/documents", h.auth(h.listDocuments))
	mux.HandleFunc("POST /admin/documents", h.auth(h.uploadDocument))
	mux.HandleFunc("DELETE /admin/documents/{name}", h.auth(h.deleteDocument))
	mux.HandleFunc("POST /admin/reload", h.auth(h.reload))
	mux.HandleFunc("GET /admin/conversations", h.auth(h.listConversations))
	mux.HandleFunc("GET /admin/conversations/{id}/download", h.auth(h.downloadConversation))
	mux.HandleFunc("DELETE /admin/conversations/{id}", h.auth(h.deleteConversation))
}

// auth wraps a handler with bearer token authentication.
func (h *Handler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Fields(r.Header.Get("Authorization"))
		ok := len(parts) == 2 &&
			strings.EqualFold(parts[0], "bearer") &&
			h.apiKey != "" &&
			subtle.ConstantTimeCompare([]byte(parts[1]), []byte(h.apiKey)) == 1
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

// ─── Prompt ───────────────────────────────────────────────────────────────────

func (h *Handler) getPrompt(w http.ResponseWriter, r *http.Request) {
	prompt, err := h.store.Setting(r.Context(), engine.SystemPromptSetting)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		// Not seeded yet; the engine seeds it on the first turn.
		prompt = ""
	case err != nil:
		h.logger.Error("admin: read prompt setting", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to read prompt")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

func (h *Handler) setPrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.store.SetSetting(r.Context(), engine.SystemPromptSetting, body.Prompt); err != nil {
		h.logger.Error("admin: store prompt setting", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store prompt")
		return
	}
	h.logger.Info("admin prompt updated", "bytes", len(body.Prompt))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Documents ────────────────────────────────────────────────────────────────

type documentInfo struct {
	ID         string    `json:"id"`
	SizeBytes  int64     `json:"size_bytes"`
	ChunkCount int       `json:"chunk_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (h *Handler) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.index.ListDocuments(r.Context())
	if err != nil {
		h.logger.Error("admin: list documents", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list documents")
		return
	}
	out := make([]documentInfo, 0, len(docs))
	for _, d := range docs {
		out = append(out, documentInfo{
			ID:         d.ID,
			SizeBytes:  d.SizeBytes,
			ChunkCount: d.ChunkCount,
			UpdatedAt:  d.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (h *Handler) uploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	defer file.Close()

	if header.Filename == "" {
		writeError(w, http.StatusBadRequest, "No file provided")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload")
		return
	}

	err = h.index.AddDocument(r.Context(), header.Filename, data)
	switch {
	case errors.Is(err, rag.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, "Unsupported document format")
		return
	case err != nil:
		h.logger.Error("admin: ingest document", "document", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to ingest document")
		return
	}
	h.logger.Info("document uploaded", "document", header.Filename, "bytes", len(data))
	writeJSON(w, http.StatusOK, map[string]string{"status": "uploaded"})
}

func (h *Handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := h.index.DeleteDocument(r.Context(), name)
	switch {
	case errors.Is(err, rag.ErrNotFound):
		writeError(w, http.StatusNotFound, "File not found")
		return
	case err != nil:
		h.logger.Error("admin: delete document", "document", name, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete document")
		return
	}
	h.logger.Info("document deleted", "document", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	res, err := h.index.Reload(r.Context())
	if err != nil {
		h.logger.Error("admin: reload documents", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to reload documents")
		return
	}
	h.logger.Info("documents reloaded",
		"ingested", res.Ingested, "deleted", res.Deleted,
		"unchanged", res.Unchanged, "failed", res.Failed)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "reloaded",
		"ingested":  res.Ingested,
		"deleted":   res.Deleted,
		"unchanged": res.Unchanged,
		"failed":    res.Failed,
	})
}

// ─── Conversations ────────────────────────────────────────────────────────────

type conversationInfo struct {
	ID        uuid.UUID `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageInfo struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Emotion   string    `json:"emotion,omitempty"`
	Sources   []string  `json:"sources,omitempty"`
	ChunkID   string    `json:"chunk_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	limit, offset := 100, 0
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "Limit must be >= 1 and offset must be >= 0")
			return
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil {
			writeError(w, http.StatusBadRequest, "Limit must be >= 1 and offset must be >= 0")
			return
		}
	}
	if limit < 1 || offset < 0 {
		writeError(w, http.StatusBadRequest, "Limit must be >= 1 and offset must be >= 0")
		return
	}

	total, convs, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("admin: list conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}
	out := make([]conversationInfo, 0, len(convs))
	for _, c := range convs {
		out = append(out, conversationInfo{ID: c.ID, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversations": out,
		"total":         total,
		"limit":         limit,
		"offset":        offset,
	})
}

func (h *Handler) downloadConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	export, err := h.store.Export(r.Context(), id)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	case err != nil:
		h.logger.Error("admin: export conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to export conversation")
		return
	}

	msgs := make([]messageInfo, 0, len(export.Messages))
	for _, m := range export.Messages {
		mi := messageInfo{
			Role:      m.Role,
			Content:   m.Content,
			Emotion:   m.Emotion,
			Sources:   m.Sources,
			Timestamp: m.CreatedAt,
		}
		if m.ChunkID != uuid.Nil {
			mi.ChunkID = m.ChunkID.String()
		}
		msgs = append(msgs, mi)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	})
}

func (h *Handler) deleteConversation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	err = h.store.Delete(r.Context(), id)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
		return
	case err != nil:
		h.logger.Error("admin: delete conversation", "conversation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}
	h.logger.Info("conversation deleted", "conversation_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ─── Responses ────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"detail":"encoding failure"}`, http.StatusInternalServerError)
	}
}

// writeError mirrors the {"detail": ...} error shape of the HTTP API this
// service replaces.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
