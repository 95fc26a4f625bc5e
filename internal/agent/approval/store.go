package approval

import (
	"sync"
	"time"

	"github.com/kandev/codexbridge/internal/agent/types"
)

// Mode says how a decision reaches the agent.
type Mode string

const (
	// ModeNative writes the decision to the stdin of the still running agent.
	ModeNative Mode = "native"
	// ModeResume starts a new run that resumes the agent session.
	ModeResume Mode = "resume"
)

// Pending is an approval awaiting a human decision.
type Pending struct {
	Topic   types.TopicKey `json:"topic"`
	Command string         `json:"command"`
	Mode    Mode           `json:"mode"`
	// Request is the run that raised the approval. Resume decisions derive
	// the follow-up run from it.
	Request   types.RunRequest `json:"-"`
	SessionID string           `json:"session_id,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Store holds at most one pending approval per topic.
type Store struct {
	mu      sync.Mutex
	pending map[types.TopicKey]Pending
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{pending: make(map[types.TopicKey]Pending)}
}

// Put records p, replacing any approval already pending for the topic.
// It reports whether one was replaced.
func (s *Store) Put(p Pending) bool {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.pending[p.Topic]
	s.pending[p.Topic] = p
	return replaced
}

// restore puts p back unless a newer approval arrived in the meantime.
func (s *Store) restore(p Pending) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[p.Topic]; !exists {
		s.pending[p.Topic] = p
	}
}

// Get returns the pending approval for topic.
func (s *Store) Get(topic types.TopicKey) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[topic]
	return p, ok
}

// Take removes and returns the pending approval for topic.
func (s *Store) Take(topic types.TopicKey) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[topic]
	if ok {
		delete(s.pending, topic)
	}
	return p, ok
}

// Delete drops the pending approval for topic, if any.
func (s *Store) Delete(topic types.TopicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, topic)
}
