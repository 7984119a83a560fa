// Package mock provides an in-memory test double for [memory.Store].
//
// Unlike a pure stub the mock keeps real state, so a test can create a
// session, insert messages and read them back. Every call is also recorded
// for assertions and each method can be forced to fail through its *Err
// field.
//
// Typical usage:
//
//	store := mock.NewStore()
//	store.InsertMessagesErr = errors.New("db down")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("InsertMessages"); got != 1 {
//	    t.Errorf("expected 1 InsertMessages call, got %d", got)
//	}
package mock

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/salesarchitect/voicecoach/pkg/memory"
	"github.com/salesarchitect/voicecoach/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable in-memory implementation of [memory.Store].
type Store struct {
	mu sync.Mutex

	calls []Call
	seq   int

	sessions  map[string]memory.SessionRecord
	messages  map[string][]types.Message
	metrics   map[string]types.PerformanceMetrics
	documents map[string]map[string]string

	// Each *Err field, when non-nil, is returned by the matching method
	// instead of touching state.
	CreateSessionErr        error
	InsertMessagesErr       error
	FetchRecentMessagesErr  error
	InsertSessionMetricsErr error
	AddDocumentErr          error
	ListDocumentsErr        error

	// Notify, if non-nil, receives the method name after every call. Tests
	// use it to wait for fire-and-forget writes.
	Notify chan string
}

var _ memory.Store = (*Store)(nil)

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]memory.SessionRecord),
		messages:  make(map[string][]types.Message),
		metrics:   make(map[string]types.PerformanceMetrics),
		documents: make(map[string]map[string]string),
	}
}

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

func (s *Store) notify(method string) {
	if s.Notify == nil {
		return
	}
	select {
	case s.Notify <- method:
	default:
	}
}

// CreateSession implements [memory.SessionStore].
func (s *Store) CreateSession(_ context.Context, userID string, settings types.Settings) (string, error) {
	defer s.notify("CreateSession")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("CreateSession", userID, settings)
	if s.CreateSessionErr != nil {
		return "", s.CreateSessionErr
	}
	s.seq++
	id := fmt.Sprintf("session-%d", s.seq)
	s.sessions[id] = memory.SessionRecord{ID: id, UserID: userID, Settings: settings, CreatedAt: time.Now()}
	return id, nil
}

// InsertMessages implements [memory.SessionStore]. Unlike the database it
// accepts unknown session IDs.
func (s *Store) InsertMessages(_ context.Context, sessionID string, msgs []types.Message) error {
	defer s.notify("InsertMessages")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("InsertMessages", sessionID, slices.Clone(msgs))
	if s.InsertMessagesErr != nil {
		return s.InsertMessagesErr
	}
	s.messages[sessionID] = append(s.messages[sessionID], msgs...)
	return nil
}

// FetchRecentMessages implements [memory.SessionStore].
func (s *Store) FetchRecentMessages(_ context.Context, sessionID string, limit int) ([]types.Message, error) {
	defer s.notify("FetchRecentMessages")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("FetchRecentMessages", sessionID, limit)
	if s.FetchRecentMessagesErr != nil {
		return nil, s.FetchRecentMessagesErr
	}
	if limit <= 0 {
		return []types.Message{}, nil
	}
	all := s.messages[sessionID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]types.Message{}, all...), nil
}

// InsertSessionMetrics implements [memory.MetricsStore].
func (s *Store) InsertSessionMetrics(_ context.Context, sessionID string, m types.PerformanceMetrics) error {
	defer s.notify("InsertSessionMetrics")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("InsertSessionMetrics", sessionID, m)
	if s.InsertSessionMetricsErr != nil {
		return s.InsertSessionMetricsErr
	}
	s.metrics[sessionID] = m
	return nil
}

// AddDocument implements [memory.DocumentStore].
func (s *Store) AddDocument(_ context.Context, userID string, doc types.Document) error {
	defer s.notify("AddDocument")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("AddDocument", userID, doc)
	if s.AddDocumentErr != nil {
		return s.AddDocumentErr
	}
	if s.documents[userID] == nil {
		s.documents[userID] = make(map[string]string)
	}
	s.documents[userID][doc.Filename] = doc.Content
	return nil
}

// ListDocuments implements [memory.DocumentStore].
func (s *Store) ListDocuments(_ context.Context, userID string) ([]types.Document, error) {
	defer s.notify("ListDocuments")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("ListDocuments", userID)
	if s.ListDocumentsErr != nil {
		return nil, s.ListDocumentsErr
	}
	docs := make([]types.Document, 0, len(s.documents[userID]))
	for name, content := range s.documents[userID] {
		docs = append(docs, types.Document{Filename: name, Content: content})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Filename < docs[j].Filename })
	return docs, nil
}

// Session returns the stored record for id.
func (s *Store) Session(id string) (memory.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.sessions[id]
	return r, ok
}

// Messages returns every message stored for sessionID.
func (s *Store) Messages(sessionID string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[sessionID])
}

// Metrics returns the scorecard stored for sessionID.
func (s *Store) Metrics(sessionID string) (types.PerformanceMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[sessionID]
	return m, ok
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times method was called.
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

// Reset clears recorded calls. Stored state is kept.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
