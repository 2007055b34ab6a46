package keypool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BlockRecord is one persisted per-model credential block. Credentials
// are identified by digest so secrets never reach durable storage.
type BlockRecord struct {
	KeyDigest string    `json:"key_digest"`
	Model     string    `json:"model"`
	BlockedAt time.Time `json:"blocked_at"`
}

// BlockStore persists credential blocks across process restarts.
type BlockStore interface {
	// Load returns all persisted blocks. Staleness filtering is the
	// pool's job, not the store's.
	Load(ctx context.Context) ([]BlockRecord, error)

	// Save replaces the persisted block set.
	Save(ctx context.Context, records []BlockRecord) error
}

// storeData is the JSON structure for the file store.
type storeData struct {
	Version   int           `json:"version"`
	UpdatedAt time.Time     `json:"updated_at"`
	Blocks    []BlockRecord `json:"blocks"`
}

const storeVersion = 1

// FileStore implements BlockStore using a JSON file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file-backed block store at path. The directory
// is created if needed; a missing file reads as empty.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("keypool: create store directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load implements BlockStore.
func (s *FileStore) Load(ctx context.Context) ([]BlockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keypool: read store: %w", err)
	}

	var stored storeData
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("keypool: parse store: %w", err)
	}
	return stored.Blocks, nil
}

// Save implements BlockStore. The file is written atomically via rename.
func (s *FileStore) Save(ctx context.Context, records []BlockRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(storeData{
		Version:   storeVersion,
		UpdatedAt: time.Now(),
		Blocks:    records,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("keypool: marshal store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("keypool: write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("keypool: replace store: %w", err)
	}
	return nil
}
