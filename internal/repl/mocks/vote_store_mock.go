package mocks

import (
	"sync"

	"replset/internal/repl"
)

// MockVoteStore is an in-memory coordinator.VoteStore with error injection.
type MockVoteStore struct {
	mu   sync.Mutex
	vote *repl.LastVote

	// Every stored vote, in order, for assertions on persistence ordering.
	StoredVotes []repl.LastVote

	// Error injection for testing
	StoreError error
	LoadError  error

	// StoreFunc, when set, runs before each write, outside the store's lock;
	// tests use it to block or fail persistence at a precise moment. Set it
	// before the coordinator starts.
	StoreFunc func(repl.LastVote) error
}

// NewMockVoteStore creates an empty mock vote store.
func NewMockVoteStore() *MockVoteStore {
	return &MockVoteStore{}
}

// Seed pre-populates the persisted record, as if a previous process had voted.
func (s *MockVoteStore) Seed(vote repl.LastVote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := vote
	s.vote = &v
}

func (s *MockVoteStore) StoreLastVote(vote repl.LastVote) error {
	s.mu.Lock()
	fn := s.StoreFunc
	s.mu.Unlock()
	if fn != nil {
		if err := fn(vote); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.StoreError != nil {
		return s.StoreError
	}
	v := vote
	s.vote = &v
	s.StoredVotes = append(s.StoredVotes, vote)
	return nil
}

func (s *MockVoteStore) LoadLastVote() (*repl.LastVote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.LoadError != nil {
		return nil, s.LoadError
	}
	if s.vote == nil {
		return nil, nil
	}
	v := *s.vote
	return &v, nil
}

// LastVote returns the currently persisted record, or nil.
func (s *MockVoteStore) LastVote() *repl.LastVote {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vote == nil {
		return nil
	}
	v := *s.vote
	return &v
}
