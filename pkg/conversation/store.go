// Package conversation defines the durable conversation store contract:
// conversations, their ordered messages, and rolling summaries.
//
// A conversation is an append-only sequence of messages identified by a
// per-conversation sequence number assigned by the store. The rolling summary
// always covers a strict prefix of that sequence; its coverage pointer never
// moves backwards.
//
// Implementations must be safe for concurrent use. Appends to the same
// conversation are serialised; appends to different conversations proceed in
// parallel.
package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Roles stored with messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrNotFound is returned when a conversation, summary, or setting does not
// exist.
var ErrNotFound = errors.New("conversation: not found")

// ErrSummaryRegression is returned by UpdateSummary when the supplied
// coverage pointer is not beyond the stored one.
var ErrSummaryRegression = errors.New("conversation: summary coverage regression")

// Conversation is the identity and bookkeeping of one conversation.
type Conversation struct {
	ID        uuid.UUID
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single stored message.
//
// Seq is assigned by the store on append and is strictly increasing within a
// conversation. Emotion, Sources, and ChunkID are set on assistant messages
// only; ChunkID links the segments emitted from one assistant turn.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Seq            int64
	Role           string
	Content        string
	Emotion        string
	Sources        []string
	ChunkID        uuid.UUID
	CreatedAt      time.Time
}

// Summary is the rolling condensation of a conversation's oldest messages.
type Summary struct {
	ConversationID uuid.UUID
	Text           string
	// CoveredUptoSeq is the sequence number of the last message the summary
	// covers. Messages with Seq > CoveredUptoSeq are uncovered.
	CoveredUptoSeq int64
	CreatedAt      time.Time
}

// Export is a full conversation dump for the admin download endpoint.
type Export struct {
	Conversation Conversation
	Messages     []Message
}

// Store is the durable conversation persistence contract.
type Store interface {
	// Create creates a new empty conversation and returns it.
	Create(ctx context.Context) (Conversation, error)

	// Get returns the conversation with the given id, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (Conversation, error)

	// AppendMessage appends msg to its conversation and returns the assigned
	// sequence number. The message's Seq field is ignored on input. Appends
	// to the same conversation are serialised; the message is durable when
	// AppendMessage returns. Returns ErrNotFound for unknown conversations.
	AppendMessage(ctx context.Context, msg Message) (int64, error)

	// LoadWindow returns up to n most-recent messages of the conversation in
	// chronological order. n <= 0 returns all messages.
	LoadWindow(ctx context.Context, convID uuid.UUID, n int) ([]Message, error)

	// MessagesSince returns all messages with Seq > afterSeq in chronological
	// order.
	MessagesSince(ctx context.Context, convID uuid.UUID, afterSeq int64) ([]Message, error)

	// LatestSummary returns the conversation's current summary, or
	// ErrNotFound when none has been stored yet.
	LatestSummary(ctx context.Context, convID uuid.UUID) (Summary, error)

	// UpdateSummary atomically replaces the conversation's summary together
	// with its coverage pointer. Returns ErrSummaryRegression when
	// coveredUptoSeq does not advance beyond the stored pointer.
	UpdateSummary(ctx context.Context, convID uuid.UUID, text string, coveredUptoSeq int64) error

	// List returns the total conversation count and a page of conversations
	// ordered newest first.
	List(ctx context.Context, limit, offset int) (total int, convs []Conversation, err error)

	// Delete removes the conversation, its messages, and its summary
	// atomically. Deleting an unknown conversation returns ErrNotFound.
	Delete(ctx context.Context, convID uuid.UUID) error

	// Export returns the conversation with its complete ordered message
	// sequence, or ErrNotFound.
	Export(ctx context.Context, convID uuid.UUID) (Export, error)

	// Setting returns the admin setting stored under key, or ErrNotFound.
	Setting(ctx context.Context, key string) (string, error)

	// SetSetting stores value under key, replacing any previous value.
	SetSetting(ctx context.Context, key, value string) error
}
