// Package mock provides an in-memory test double for [conversation.Store].
//
// The mock behaves like a real store (sequence assignment, summary coverage
// monotonicity, not-found semantics) so engine and handler tests can exercise
// realistic flows without PostgreSQL. Exported *Err fields inject failures per
// method; every invocation is recorded for assertion. Safe for concurrent use
// via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.NewStore()
//	conv, _ := store.Create(ctx)
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("AppendMessage"); got != 2 {
//	    t.Errorf("expected 2 AppendMessage calls, got %d", got)
//	}
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thingenious/eva/pkg/conversation"
)

// Ensure Store implements the conversation.Store interface.
var _ conversation.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

type convState struct {
	conv     conversation.Conversation
	nextSeq  int64
	messages []conversation.Message
	summary  *conversation.Summary
}

// Store is a configurable in-memory implementation of [conversation.Store].
type Store struct {
	mu    sync.Mutex
	calls []Call

	convs    map[uuid.UUID]*convState
	settings map[string]string

	// CreateErr is returned by Create when non-nil.
	CreateErr error

	// GetErr is returned by Get when non-nil.
	GetErr error

	// AppendErr is returned by AppendMessage when non-nil. The message is
	// not stored.
	AppendErr error

	// LoadWindowErr is returned by LoadWindow when non-nil.
	LoadWindowErr error

	// MessagesSinceErr is returned by MessagesSince when non-nil.
	MessagesSinceErr error

	// UpdateSummaryErr is returned by UpdateSummary when non-nil.
	UpdateSummaryErr error

	// SettingErr is returned by Setting when non-nil.
	SettingErr error
}

// NewStore returns an empty mock store.
func NewStore() *Store {
	return &Store{
		convs:    make(map[uuid.UUID]*convState),
		settings: make(map[string]string),
	}
}

// Calls returns a copy of all recorded method invocations.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// Create implements [conversation.Store].
func (s *Store) Create(_ context.Context) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Create")
	if s.CreateErr != nil {
		return conversation.Conversation{}, s.CreateErr
	}
	now := time.Now()
	c := conversation.Conversation{ID: uuid.New(), CreatedAt: now, UpdatedAt: now}
	s.convs[c.ID] = &convState{conv: c, nextSeq: 1}
	return c, nil
}

// Get implements [conversation.Store].
func (s *Store) Get(_ context.Context, id uuid.UUID) (conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Get", id)
	if s.GetErr != nil {
		return conversation.Conversation{}, s.GetErr
	}
	st, ok := s.convs[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return st.conv, nil
}

// AppendMessage implements [conversation.Store].
func (s *Store) AppendMessage(_ context.Context, msg conversation.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AppendMessage", msg)
	if s.AppendErr != nil {
		return 0, s.AppendErr
	}
	st, ok := s.convs[msg.ConversationID]
	if !ok {
		return 0, conversation.ErrNotFound
	}
	msg.Seq = st.nextSeq
	st.nextSeq++
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Emotion == "" {
		msg.Emotion = "neutral"
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	st.messages = append(st.messages, msg)
	st.conv.UpdatedAt = time.Now()
	return msg.Seq, nil
}

// LoadWindow implements [conversation.Store].
func (s *Store) LoadWindow(_ context.Context, convID uuid.UUID, n int) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("LoadWindow", convID, n)
	if s.LoadWindowErr != nil {
		return nil, s.LoadWindowErr
	}
	st, ok := s.convs[convID]
	if !ok {
		return []conversation.Message{}, nil
	}
	msgs := st.messages
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]conversation.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// MessagesSince implements [conversation.Store].
func (s *Store) MessagesSince(_ context.Context, convID uuid.UUID, afterSeq int64) ([]conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("MessagesSince", convID, afterSeq)
	if s.MessagesSinceErr != nil {
		return nil, s.MessagesSinceErr
	}
	st, ok := s.convs[convID]
	if !ok {
		return []conversation.Message{}, nil
	}
	out := []conversation.Message{}
	for _, m := range st.messages {
		if m.Seq > afterSeq {
			out = append(out, m)
		}
	}
	return out, nil
}

// LatestSummary implements [conversation.Store].
func (s *Store) LatestSummary(_ context.Context, convID uuid.UUID) (conversation.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("LatestSummary", convID)
	st, ok := s.convs[convID]
	if !ok || st.summary == nil {
		return conversation.Summary{}, conversation.ErrNotFound
	}
	return *st.summary, nil
}

// UpdateSummary implements [conversation.Store].
func (s *Store) UpdateSummary(_ context.Context, convID uuid.UUID, text string, coveredUptoSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("UpdateSummary", convID, text, coveredUptoSeq)
	if s.UpdateSummaryErr != nil {
		return s.UpdateSummaryErr
	}
	st, ok := s.convs[convID]
	if !ok {
		return conversation.ErrNotFound
	}
	if st.summary != nil && st.summary.CoveredUptoSeq >= coveredUptoSeq {
		return conversation.ErrSummaryRegression
	}
	st.summary = &conversation.Summary{
		ConversationID: convID,
		Text:           text,
		CoveredUptoSeq: coveredUptoSeq,
		CreatedAt:      time.Now(),
	}
	return nil
}

// List implements [conversation.Store].
func (s *Store) List(_ context.Context, limit, offset int) (int, []conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("List", limit, offset)
	all := make([]conversation.Conversation, 0, len(s.convs))
	for _, st := range s.convs {
		all = append(all, st.conv)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID.String() > all[j].ID.String()
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	total := len(all)
	if offset >= len(all) {
		return total, []conversation.Conversation{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return total, all, nil
}

// Delete implements [conversation.Store].
func (s *Store) Delete(_ context.Context, convID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Delete", convID)
	if _, ok := s.convs[convID]; !ok {
		return conversation.ErrNotFound
	}
	delete(s.convs, convID)
	return nil
}

// Export implements [conversation.Store].
func (s *Store) Export(_ context.Context, convID uuid.UUID) (conversation.Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Export", convID)
	st, ok := s.convs[convID]
	if !ok {
		return conversation.Export{}, conversation.ErrNotFound
	}
	msgs := make([]conversation.Message, len(st.messages))
	copy(msgs, st.messages)
	return conversation.Export{Conversation: st.conv, Messages: msgs}, nil
}

// Setting implements [conversation.Store].
func (s *Store) Setting(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Setting", key)
	if s.SettingErr != nil {
		return "", s.SettingErr
	}
	v, ok := s.settings[key]
	if !ok {
		return "", conversation.ErrNotFound
	}
	return v, nil
}

// SetSetting implements [conversation.Store].
func (s *Store) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("SetSetting", key, value)
	s.settings[key] = value
	return nil
}

// Messages returns a copy of the stored messages of convID, for assertions.
func (s *Store) Messages(convID uuid.UUID) []conversation.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.convs[convID]
	if !ok {
		return nil
	}
	out := make([]conversation.Message, len(st.messages))
	copy(out, st.messages)
	return out
}
