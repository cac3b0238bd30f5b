// Package chat implements the client-facing WebSocket surface: token
// authentication, the JSON frame protocol, and per-connection sessions that
// bind one conversation each and stream the engine's emotion-tagged segments
// back to the client.
package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/thingenious/eva/internal/engine"
)

// Inbound frame types.
const (
	typeStartConversation = "start_conversation"
	typeUserMessage       = "user_message"
)

// Outbound frame types.
const (
	typeConversationStarted = "conversation_started"
	typeMessage             = "message"
	typeError               = "error"
)

// Machine-readable error codes carried in error frame metadata.
const (
	CodeInvalidAPIKey        = "INVALID_API_KEY"
	CodeNoActiveConversation = "NO_ACTIVE_CONVERSATION"
	CodeMessageTooLong       = "MESSAGE_TOO_LONG"
	CodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	CodeInternalError        = "INTERNAL_ERROR"
)

// noConversationText is the error frame content sent for a user_message
// before any conversation is bound.
const noConversationText = "No active conversation. Please start a conversation first."

// inboundFrame is the union of all client frames. Type selects which of the
// remaining fields are meaningful.
type inboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

// Metadata rides on message frames.
type Metadata struct {
	ConversationID string `json:"conversation_id"`

	// Timestamp is ISO-8601 UTC with millisecond precision, e.g.
	// "2026-01-02T15:04:05.123Z".
	Timestamp string `json:"timestamp"`

	// Sources lists the document ids that informed the segment. Always
	// present, possibly empty.
	Sources []string `json:"sources"`
}

// errorMetadata rides on error frames that carry a machine-readable code.
type errorMetadata struct {
	ErrorCode string `json:"error_code"`
}

// startedFrame confirms a conversation bind.
type startedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// messageFrame is one assistant segment on the wire.
type messageFrame struct {
	Type    string   `json:"type"`
	Content string   `json:"content"`
	Emotion string   `json:"emotion"`
	ChunkID string   `json:"chunk_id"`
	IsFinal bool     `json:"is_final"`
	Meta    Metadata `json:"metadata"`
}

// errorFrame reports a recoverable protocol or server error. Error frames
// always carry the concerned emotion.
type errorFrame struct {
	Type    string         `json:"type"`
	Content string         `json:"content"`
	Emotion string         `json:"emotion"`
	Meta    *errorMetadata `json:"metadata,omitempty"`
}

// wireTimestamp formats t for frame metadata: UTC, millisecond precision,
// trailing Z.
func wireTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// newStartedFrame builds the conversation_started confirmation.
func newStartedFrame(convID uuid.UUID) startedFrame {
	return startedFrame{Type: typeConversationStarted, ConversationID: convID.String()}
}

// newMessageFrame converts one engine segment into its wire form. Sources are
// normalised to a non-nil list so clients always see the field.
func newMessageFrame(seg engine.Segment, now time.Time) messageFrame {
	sources := seg.Sources
	if sources == nil {
		sources = []string{}
	}
	return messageFrame{
		Type:    typeMessage,
		Content: seg.Content,
		Emotion: seg.Emotion,
		ChunkID: seg.ChunkID.String(),
		IsFinal: seg.IsFinal,
		Meta: Metadata{
			ConversationID: seg.ConversationID.String(),
			Timestamp:      wireTimestamp(now),
			Sources:        sources,
		},
	}
}

// newErrorFrame builds an error frame. code may be empty for plain protocol
// complaints.
func newErrorFrame(content, code string) errorFrame {
	f := errorFrame{Type: typeError, Content: content, Emotion: engine.EmotionConcerned}
	if code != "" {
		f.Meta = &errorMetadata{ErrorCode: code}
	}
	return f
}
