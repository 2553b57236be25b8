package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by a Store that holds no credentials.
var ErrNotFound = errors.New("credentials not found")

// Store persists the tuple between process restarts.
type Store interface {
	Load(ctx context.Context) (Tuple, error)
	Save(ctx context.Context, tuple Tuple) error
	Delete(ctx context.Context) error
}

// FileStore keeps the tuple as plaintext JSON. The file holds secrets, so it
// is written owner-only and replaced atomically.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (Tuple, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Tuple{}, ErrNotFound
		}
		return Tuple{}, fmt.Errorf("read credentials: %w", err)
	}
	var tuple Tuple
	if err := json.Unmarshal(data, &tuple); err != nil {
		return Tuple{}, fmt.Errorf("decode credentials: %w", err)
	}
	if tuple.AccessToken == "" && tuple.RefreshToken == "" {
		return Tuple{}, ErrNotFound
	}
	return tuple, nil
}

func (s *FileStore) Save(_ context.Context, tuple Tuple) error {
	data, err := json.MarshalIndent(tuple, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	return writeSecretFile(s.path, data)
}

func (s *FileStore) Delete(_ context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

// MemoryStore is a Store for tests and for deployments that want the
// session to end with the process.
type MemoryStore struct {
	mu    sync.Mutex
	tuple *Tuple
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tuple == nil {
		return Tuple{}, ErrNotFound
	}
	return *s.tuple, nil
}

func (s *MemoryStore) Save(_ context.Context, tuple Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuple = &tuple
	return nil
}

func (s *MemoryStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tuple = nil
	return nil
}

// writeSecretFile writes data next to path and renames it into place so a
// crash never leaves a truncated token file behind.
func writeSecretFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// WriteSecretFile is shared with the other file-backed secret stores.
func WriteSecretFile(path string, data []byte) error {
	return writeSecretFile(path, data)
}
