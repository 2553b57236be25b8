package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.io/infrasutra/replydesk/internal/credentials"
)

// PendingState is the anti-forgery token of the authorization attempt that
// is currently in flight.
type PendingState struct {
	Token     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// StateStore holds at most one pending state. Take hands it out once and
// forgets it.
type StateStore interface {
	Put(ctx context.Context, state PendingState) error
	Peek(ctx context.Context) (PendingState, bool, error)
	Take(ctx context.Context) (PendingState, bool, error)
}

type MemoryStateStore struct {
	mu      sync.Mutex
	pending *PendingState
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{}
}

func (s *MemoryStateStore) Put(_ context.Context, state PendingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &state
	return nil
}

func (s *MemoryStateStore) Peek(_ context.Context) (PendingState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return PendingState{}, false, nil
	}
	return *s.pending, true, nil
}

func (s *MemoryStateStore) Take(_ context.Context) (PendingState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return PendingState{}, false, nil
	}
	state := *s.pending
	s.pending = nil
	return state, true, nil
}

// FileStateStore keeps the pending state in a small JSON file so an
// authorization started before a restart can still complete.
type FileStateStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

func (s *FileStateStore) Put(_ context.Context, state PendingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return credentials.WriteSecretFile(s.path, data)
}

func (s *FileStateStore) Peek(_ context.Context) (PendingState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

func (s *FileStateStore) Take(_ context.Context) (PendingState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok, err := s.read()
	if err != nil || !ok {
		return state, ok, err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return PendingState{}, false, fmt.Errorf("discard state: %w", err)
	}
	return state, true, nil
}

func (s *FileStateStore) read() (PendingState, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PendingState{}, false, nil
		}
		return PendingState{}, false, fmt.Errorf("read state: %w", err)
	}
	var state PendingState
	if err := json.Unmarshal(data, &state); err != nil {
		return PendingState{}, false, fmt.Errorf("decode state: %w", err)
	}
	if state.Token == "" {
		return PendingState{}, false, nil
	}
	return state, true, nil
}
